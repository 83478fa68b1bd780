package tokenization

import (
	"context"
	"log/slog"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/pkg/logger"
)

// Syncer 把通路强度提交到链上。
type Syncer interface {
	SyncStrength(ctx context.Context, pathwayID string) error
}

// SyncProcessor 从同步队列消费请求并交给 Syncer 执行。
type SyncProcessor struct {
	syncer      Syncer
	consumer    SyncConsumer
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*SyncProcessor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *SyncProcessor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewSyncProcessor 构造 SyncProcessor。
func NewSyncProcessor(syncer Syncer, consumer SyncConsumer, opts ...ProcessorOption) *SyncProcessor {
	p := &SyncProcessor{
		syncer:      syncer,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("tokenization.sync"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 结束。
func (p *SyncProcessor) Start(ctx context.Context) error {
	if p.consumer == nil || p.syncer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置强度同步队列")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *SyncProcessor) handle(ctx context.Context, pathwayID string) error {
	if err := p.syncer.SyncStrength(ctx, pathwayID); err != nil {
		p.logger.Warn("强度同步失败",
			slog.String("pathway_id", pathwayID),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
	}
	return nil
}
