package web3

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PollConfig tunes the confirmation poll backoff.
type PollConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// DefaultPollConfig suits block times in the seconds range.
func DefaultPollConfig() PollConfig {
	return PollConfig{InitialInterval: 500 * time.Millisecond, MaxInterval: 10 * time.Second, Multiplier: 1.6}
}

func (c PollConfig) withDefaults() PollConfig {
	def := DefaultPollConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	return c
}

// Probe checks a pending transaction once. done reports a terminal outcome;
// err is a transient lookup failure that the poller absorbs until the deadline.
type Probe func(ctx context.Context) (conf Confirmation, done bool, err error)

// PollUntil repeatedly runs probe with exponential backoff until it reports a
// terminal outcome or the deadline passes. Caller cancellation returns
// ctx.Err(); an expired deadline returns OutcomeTimeout.
func PollUntil(ctx context.Context, deadline time.Duration, cfg PollConfig, probe Probe) (Confirmation, error) {
	cfg = cfg.withDefaults()
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()

	var lastErr error
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C
	for {
		conf, done, err := probe(waitCtx)
		if done {
			return conf, nil
		}
		if err != nil {
			lastErr = err
		}
		timer.Reset(b.NextBackOff())
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Confirmation{}, ctx.Err()
			}
			reason := "deadline exceeded"
			if lastErr != nil {
				reason = lastErr.Error()
			}
			return Confirmation{Outcome: OutcomeTimeout, Reason: reason}, nil
		case <-timer.C:
		}
	}
}
