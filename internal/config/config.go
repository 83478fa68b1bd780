package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	xerrors "CognitiveMesh/internal/errors"
)

// EnvPrefix 是环境变量覆盖的前缀。
const EnvPrefix = "MESH_"

// Config 描述 meshd 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Graph        GraphConfig        `json:"graph"`
	Trust        TrustConfig        `json:"trust"`
	Web3         Web3Config         `json:"web3"`
	Tokenization TokenizationConfig `json:"tokenization"`
	Events       EventsConfig       `json:"events"`
	Alerting     AlertingConfig     `json:"alerting"`
	Tracing      TracingConfig      `json:"tracing"`
}

// ServerConfig 控制 API 服务的监听地址与超时。
type ServerConfig struct {
	Address             string `json:"address"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
}

// ReadTimeout 返回读超时。
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout 返回写超时。
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// LoggingConfig 控制应用日志与审计日志。
type LoggingConfig struct {
	Level         string `json:"level"`
	Format        string `json:"format"`
	AuditFile     string `json:"audit_file"`
	AuditMaxBytes int64  `json:"audit_max_bytes"`
	AuditBackups  int    `json:"audit_backups"`
}

// StorageConfig 选择图日志与铸造账本的后端。
type StorageConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	AutoMigrate            bool   `json:"auto_migrate"`
}

// GraphConfig 定义通路强度策略与默认遍历深度。
type GraphConfig struct {
	SuccessDelta    float64 `json:"success_delta"`
	FailureDelta    float64 `json:"failure_delta"`
	DefaultStrength float64 `json:"default_strength"`
	DefaultMaxDepth int     `json:"default_max_depth"`
}

// TrustConfig 定义信任分调整与衰减。
type TrustConfig struct {
	SuccessStep   float64 `json:"success_step"`
	FailureStep   float64 `json:"failure_step"`
	HalfLifeHours float64 `json:"half_life_hours"`
	DecaySchedule string  `json:"decay_schedule"`
}

// HalfLife 返回半衰期。
func (t TrustConfig) HalfLife() time.Duration {
	return time.Duration(t.HalfLifeHours * float64(time.Hour))
}

// Web3Config 指向链定义文件。
type Web3Config struct {
	ChainsFile   string `json:"chains_file"`
	DefaultChain string `json:"default_chain"`
}

// TokenizationConfig 控制铸造桥。
type TokenizationConfig struct {
	ConfirmTimeoutSeconds int             `json:"confirm_timeout_seconds"`
	Lock                  LockConfig      `json:"lock"`
	SyncQueue             SyncQueueConfig `json:"sync_queue"`
	SyncWorkers           int             `json:"sync_workers"`
	TokenURIPrefix        string          `json:"token_uri_prefix"`
}

// ConfirmTimeout 返回确认等待上限。
func (t TokenizationConfig) ConfirmTimeout() time.Duration {
	return time.Duration(t.ConfirmTimeoutSeconds) * time.Second
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// LockConfig 选择通路锁的实现。
type LockConfig struct {
	Driver     string      `json:"driver"`
	Redis      RedisConfig `json:"redis"`
	Prefix     string      `json:"prefix"`
	TTLSeconds int         `json:"ttl_seconds"`
}

// SyncQueueConfig 选择强度同步队列的实现。
type SyncQueueConfig struct {
	Driver   string         `json:"driver"`
	Size     int            `json:"size"`
	Name     string         `json:"name"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 是 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Prefetch int    `json:"prefetch"`
}

// EventsConfig 控制事件分发器及其下游。
type EventsConfig struct {
	Buffer      int               `json:"buffer"`
	Log         bool              `json:"log"`
	RedisStream RedisStreamConfig `json:"redis_stream"`
	RabbitMQ    RabbitMQConfig    `json:"rabbitmq"`
}

// RedisStreamConfig 描述事件流。
type RedisStreamConfig struct {
	RedisConfig
	Stream string `json:"stream"`
	MaxLen int64  `json:"max_len"`
}

// AlertingConfig 控制铸造失败告警。
type AlertingConfig struct {
	Slack SlackConfig `json:"slack"`
}

// SlackConfig 为空 token 时不启用 Slack。
type SlackConfig struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

// TracingConfig 控制 OpenTelemetry 导出。
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Exporter string `json:"exporter"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content, filepath.Dir(path), os.LookupEnv)
}

// Parse 解析配置内容，相对路径以 baseDir 为基准。lookup 为 nil 时不读取环境变量。
func Parse(content []byte, baseDir string, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回全部默认值的配置，用于没有配置文件的本地运行。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(".")
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.AuditFile != "" {
		c.Logging.AuditFile = resolve(baseDir, c.Logging.AuditFile)
		if c.Logging.AuditMaxBytes <= 0 {
			c.Logging.AuditMaxBytes = 64 << 20
		}
		if c.Logging.AuditBackups <= 0 {
			c.Logging.AuditBackups = 5
		}
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Graph.SuccessDelta == 0 {
		c.Graph.SuccessDelta = 0.05
	}
	if c.Graph.FailureDelta == 0 {
		c.Graph.FailureDelta = 0.1
	}
	if c.Graph.DefaultStrength == 0 {
		c.Graph.DefaultStrength = 0.5
	}
	if c.Graph.DefaultMaxDepth <= 0 {
		c.Graph.DefaultMaxDepth = 3
	}

	if c.Trust.SuccessStep == 0 {
		c.Trust.SuccessStep = 0.01
	}
	if c.Trust.FailureStep == 0 {
		c.Trust.FailureStep = 0.03
	}
	if c.Trust.HalfLifeHours == 0 {
		c.Trust.HalfLifeHours = 72
	}
	if c.Trust.DecaySchedule == "" {
		c.Trust.DecaySchedule = "@every 10m"
	}

	if c.Web3.ChainsFile != "" {
		c.Web3.ChainsFile = resolve(baseDir, c.Web3.ChainsFile)
	}

	t := &c.Tokenization
	if t.ConfirmTimeoutSeconds <= 0 {
		t.ConfirmTimeoutSeconds = 120
	}
	if t.Lock.Driver == "" {
		t.Lock.Driver = "memory"
	}
	if t.Lock.Prefix == "" {
		t.Lock.Prefix = "mesh:lock:"
	}
	if t.Lock.TTLSeconds <= 0 {
		t.Lock.TTLSeconds = 30
	}
	if t.SyncQueue.Driver == "" {
		t.SyncQueue.Driver = "memory"
	}
	if t.SyncQueue.Size <= 0 {
		t.SyncQueue.Size = 1024
	}
	if t.SyncQueue.Name == "" {
		t.SyncQueue.Name = "mesh.strength_sync"
	}
	if t.SyncWorkers <= 0 {
		t.SyncWorkers = 4
	}
	if t.TokenURIPrefix == "" {
		t.TokenURIPrefix = "mesh://pathways/"
	}

	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.RedisStream.Address != "" && c.Events.RedisStream.Stream == "" {
		c.Events.RedisStream.Stream = "mesh:events"
	}
	if c.Events.RabbitMQ.URL != "" && c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "mesh.events"
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 校验配置的取值范围与后端组合。
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(oneOf(c.Logging.Format, "json", "text"), "logging.format 必须为 json 或 text: %q", c.Logging.Format)
	check(oneOf(c.Storage.Driver, "memory", "mysql"), "storage.driver 不支持: %q", c.Storage.Driver)
	check(c.Storage.Driver != "mysql" || c.Storage.MySQL.DSN != "", "storage.mysql.dsn 不能为空")

	check(unit(c.Graph.SuccessDelta), "graph.success_delta 超出 [0,1]: %v", c.Graph.SuccessDelta)
	check(unit(c.Graph.FailureDelta), "graph.failure_delta 超出 [0,1]: %v", c.Graph.FailureDelta)
	check(unit(c.Graph.DefaultStrength), "graph.default_strength 超出 [0,1]: %v", c.Graph.DefaultStrength)

	check(c.Trust.SuccessStep > 0 && c.Trust.SuccessStep <= 0.05, "trust.success_step 超出 (0,0.05]: %v", c.Trust.SuccessStep)
	check(c.Trust.FailureStep > 0 && c.Trust.FailureStep <= 0.05, "trust.failure_step 超出 (0,0.05]: %v", c.Trust.FailureStep)
	check(c.Trust.HalfLifeHours > 0, "trust.half_life_hours 必须为正数")

	t := c.Tokenization
	check(oneOf(t.Lock.Driver, "memory", "redis"), "tokenization.lock.driver 不支持: %q", t.Lock.Driver)
	check(t.Lock.Driver != "redis" || t.Lock.Redis.Address != "", "tokenization.lock.redis.address 不能为空")
	check(oneOf(t.SyncQueue.Driver, "memory", "redis", "rabbitmq"), "tokenization.sync_queue.driver 不支持: %q", t.SyncQueue.Driver)
	check(t.SyncQueue.Driver != "redis" || t.SyncQueue.Redis.Address != "", "tokenization.sync_queue.redis.address 不能为空")
	check(t.SyncQueue.Driver != "rabbitmq" || t.SyncQueue.RabbitMQ.URL != "", "tokenization.sync_queue.rabbitmq.url 不能为空")

	check(oneOf(c.Tracing.Exporter, "stdout", "noop"), "tracing.exporter 不支持: %q", c.Tracing.Exporter)
	check(c.Alerting.Slack.Token == "" || c.Alerting.Slack.Channel != "", "alerting.slack.channel 不能为空")

	if len(errs) > 0 {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, errors.Join(errs...), "配置校验失败")
	}
	return nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}

// applyEnv 用 MESH_* 环境变量覆盖文件中的值，主要用于注入密钥与连接串。
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SERVER_ADDRESS":           &c.Server.Address,
		"LOG_LEVEL":                &c.Logging.Level,
		"LOG_FORMAT":               &c.Logging.Format,
		"STORAGE_DRIVER":           &c.Storage.Driver,
		"MYSQL_DSN":                &c.Storage.MySQL.DSN,
		"CHAINS_FILE":              &c.Web3.ChainsFile,
		"DEFAULT_CHAIN":            &c.Web3.DefaultChain,
		"LOCK_DRIVER":              &c.Tokenization.Lock.Driver,
		"LOCK_REDIS_ADDRESS":       &c.Tokenization.Lock.Redis.Address,
		"LOCK_REDIS_PASSWORD":      &c.Tokenization.Lock.Redis.Password,
		"SYNC_QUEUE_DRIVER":        &c.Tokenization.SyncQueue.Driver,
		"SYNC_QUEUE_REDIS_ADDRESS": &c.Tokenization.SyncQueue.Redis.Address,
		"SYNC_QUEUE_RABBITMQ_URL":  &c.Tokenization.SyncQueue.RabbitMQ.URL,
		"EVENTS_REDIS_ADDRESS":     &c.Events.RedisStream.Address,
		"EVENTS_RABBITMQ_URL":      &c.Events.RabbitMQ.URL,
		"SLACK_TOKEN":              &c.Alerting.Slack.Token,
		"SLACK_CHANNEL":            &c.Alerting.Slack.Channel,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	if v, ok := lookup(EnvPrefix + "TRACING_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("解析 %sTRACING_ENABLED 失败: %w", EnvPrefix, err)
		}
		c.Tracing.Enabled = enabled
	}
	if v, ok := lookup(EnvPrefix + "SYNC_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("解析 %sSYNC_WORKERS 失败: %w", EnvPrefix, err)
		}
		c.Tokenization.SyncWorkers = n
	}
	return nil
}
