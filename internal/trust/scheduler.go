package trust

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	xerrors "CognitiveMesh/internal/errors"
)

// DefaultDecaySchedule 是衰减扫描的默认周期。
const DefaultDecaySchedule = "@every 10m"

// Scheduler 按 cron 表达式周期性执行 DecayAll。
type Scheduler struct {
	engine  *Engine
	cron    *cron.Cron
	timeout time.Duration
	onSweep func(changed int, err error)
}

// SchedulerOption 配置 Scheduler。
type SchedulerOption func(*Scheduler)

// WithSweepTimeout 限制单次扫描时长。
func WithSweepTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSweepHook 在每次扫描结束后回调。
func WithSweepHook(fn func(changed int, err error)) SchedulerOption {
	return func(s *Scheduler) {
		s.onSweep = fn
	}
}

// NewScheduler 解析 spec 并注册扫描任务，spec 为空时使用默认周期。
func NewScheduler(engine *Engine, spec string, opts ...SchedulerOption) (*Scheduler, error) {
	if engine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "scheduler requires a trust engine")
	}
	if spec == "" {
		spec = DefaultDecaySchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid decay schedule")
	}
	s := &Scheduler{
		engine:  engine,
		cron:    cron.New(),
		timeout: time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cron.Schedule(schedule, cron.FuncJob(s.sweep))
	return s, nil
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	changed, err := s.engine.DecayAll(ctx)
	if err != nil {
		s.engine.logger.Warn("信任分衰减扫描失败", slog.Any("error", err), slog.Int("changed", changed))
	} else {
		s.engine.logger.Debug("信任分衰减扫描完成", slog.Int("changed", changed))
	}
	if s.onSweep != nil {
		s.onSweep(changed, err)
	}
}

// Start 启动调度。
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop 停止调度，返回的 context 在进行中的扫描结束后关闭。
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Run 启动调度并在 ctx 结束时停止，等待进行中的扫描完成。
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	<-s.Stop().Done()
	return nil
}
