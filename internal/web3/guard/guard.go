// Package guard decorates a web3.Adapter with a per-chain circuit breaker and
// a submission rate limit, so a failing node is not hammered by every mint.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/internal/web3"
	"CognitiveMesh/pkg/logger"
)

const (
	defaultMaxFailures uint32        = 5
	defaultTimeout     time.Duration = 30 * time.Second
	defaultInterval    time.Duration = time.Minute
)

// Adapter routes Submit and QueryExistence through a circuit breaker.
// Confirm is passed through: its failures are absorbed by the poller.
type Adapter struct {
	inner   web3.Adapter
	breaker *gobreaker.CircuitBreaker[any]
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ web3.Adapter = (*Adapter)(nil)

// Wrap builds the guarded adapter. A zero rate limit disables throttling.
func Wrap(inner web3.Adapter, breaker web3.BreakerConfig, limit web3.RateLimit) *Adapter {
	maxFailures := breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := breaker.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	interval := breaker.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	log := logger.Named("web3.guard").With(slog.String("chain", inner.Chain()))

	g := &Adapter{inner: inner, logger: log}
	g.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "chain:" + inner.Chain(),
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("熔断器状态变化",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		// 只有链路不可用才计入失败，参数错误不应触发熔断。
		IsSuccessful: func(err error) bool {
			return err == nil || !xerrors.HasCode(err, xerrors.CodeChainUnavailable)
		},
	})
	if limit.PerSecond > 0 {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(limit.PerSecond), burst)
	}
	return g
}

// Inner returns the wrapped adapter.
func (g *Adapter) Inner() web3.Adapter { return g.inner }

// State reports the breaker state, e.g. "closed" or "open".
func (g *Adapter) State() string { return g.breaker.State().String() }

// Chain implements web3.Adapter.
func (g *Adapter) Chain() string { return g.inner.Chain() }

// Connect implements web3.Adapter.
func (g *Adapter) Connect(ctx context.Context) error {
	_, err := g.execute(func() (any, error) {
		return nil, g.inner.Connect(ctx)
	})
	return err
}

// IsConnected reports false while the breaker is open.
func (g *Adapter) IsConnected() bool {
	return g.breaker.State() != gobreaker.StateOpen && g.inner.IsConnected()
}

// Submit implements web3.Adapter.
func (g *Adapter) Submit(ctx context.Context, tx web3.TxData) (web3.PendingHandle, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return web3.PendingHandle{}, web3.Unavailable(g.Chain(), err, "等待提交配额")
		}
	}
	out, err := g.execute(func() (any, error) {
		return g.inner.Submit(ctx, tx)
	})
	if err != nil {
		return web3.PendingHandle{}, err
	}
	return out.(web3.PendingHandle), nil
}

// Confirm implements web3.Adapter.
func (g *Adapter) Confirm(ctx context.Context, handle web3.PendingHandle, deadline time.Duration) (web3.Confirmation, error) {
	return g.inner.Confirm(ctx, handle, deadline)
}

type existence struct {
	tokenID string
	found   bool
}

// QueryExistence implements web3.Adapter.
func (g *Adapter) QueryExistence(ctx context.Context, pathwayKey string) (string, bool, error) {
	out, err := g.execute(func() (any, error) {
		id, found, err := g.inner.QueryExistence(ctx, pathwayKey)
		return existence{tokenID: id, found: found}, err
	})
	if err != nil {
		return "", false, err
	}
	res := out.(existence)
	return res.tokenID, res.found, nil
}

// Close implements web3.Adapter.
func (g *Adapter) Close() error { return g.inner.Close() }

func (g *Adapter) execute(fn func() (any, error)) (any, error) {
	out, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, xerrors.Wrap(xerrors.CodeChainUnavailable, err,
			fmt.Sprintf("chain %s circuit open", g.Chain()),
			xerrors.WithMetadata("chain", g.Chain()))
	}
	return out, err
}
