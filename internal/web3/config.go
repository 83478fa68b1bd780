package web3

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one chain and the registry contract on it.
type ChainDefinition struct {
	// Type selects the adapter: "evm" (default) or "memory".
	Type            string        `yaml:"type"`
	RPCURL          string        `yaml:"rpc_url"`
	ChainID         int64         `yaml:"chain_id"`
	ContractAddress string        `yaml:"contract_address"`
	PrivateKeyEnv   string        `yaml:"private_key_env"`
	GasLimit        uint64        `yaml:"gas_limit"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`
	Poll            PollConfig    `yaml:"poll"`
	RateLimit       RateLimit     `yaml:"rate_limit"`
	Breaker         BreakerConfig `yaml:"breaker"`
	Description     string        `yaml:"description"`
}

// RateLimit throttles transaction submission per chain.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// BreakerConfig configures the per-chain circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// AdapterType returns the normalised adapter type.
func (d ChainDefinition) AdapterType() string {
	t := strings.ToLower(strings.TrimSpace(d.Type))
	if t == "" {
		return "evm"
	}
	return t
}

// PrivateKey resolves the signing key from the configured environment variable.
func (d ChainDefinition) PrivateKey() string {
	if d.PrivateKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(d.PrivateKeyEnv))
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain definitions from YAML bytes.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	chains := make(map[string]ChainDefinition, len(defs.Chains))
	for raw, def := range defs.Chains {
		name := NormalizeChain(raw)
		if name == "" {
			return ChainDefinitions{}, fmt.Errorf("链名称不能为空")
		}
		if _, dup := chains[name]; dup {
			return ChainDefinitions{}, fmt.Errorf("链 %s 重复定义", name)
		}
		switch def.AdapterType() {
		case "evm":
			if strings.TrimSpace(def.RPCURL) == "" {
				return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 rpc_url", name)
			}
			if strings.TrimSpace(def.ContractAddress) == "" {
				return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 contract_address", name)
			}
		case "memory":
		default:
			return ChainDefinitions{}, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		chains[name] = def
	}
	defs.Chains = chains
	return defs, nil
}

// NormalizeChain returns the canonical form of a chain name. Chain names are
// compared case-insensitively everywhere, so adapters are keyed by this form.
func NormalizeChain(chain string) string {
	return strings.ToLower(strings.TrimSpace(chain))
}
