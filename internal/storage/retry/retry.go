// Package retry wraps a storage.Store with transparent retries for transient
// errors. CAS mismatches and not-found results are never retried here; those
// are protocol outcomes the engine reasons about itself.
package retry

import (
	"context"
	"encoding/json"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/txns/internal/clock"
	"pkt.systems/txns/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries transient errors according to cfg.
func Wrap(inner storage.Store, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 250 * time.Millisecond
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &store{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type store struct {
	inner  storage.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) Get(ctx context.Context, col storage.Collection, id string) (*storage.Document, error) {
	var doc *storage.Document
	err := s.withRetry(ctx, "get", col, id, func(ctx context.Context) error {
		var err error
		doc, err = s.inner.Get(ctx, col, id)
		return err
	})
	return doc, err
}

func (s *store) Insert(ctx context.Context, col storage.Collection, id string, content json.RawMessage) (uint64, error) {
	var cas uint64
	err := s.withRetry(ctx, "insert", col, id, func(ctx context.Context) error {
		var err error
		cas, err = s.inner.Insert(ctx, col, id, content)
		return err
	})
	return cas, err
}

func (s *store) Replace(ctx context.Context, col storage.Collection, id string, content json.RawMessage, cas uint64) (uint64, error) {
	var newCAS uint64
	err := s.withRetry(ctx, "replace", col, id, func(ctx context.Context) error {
		var err error
		newCAS, err = s.inner.Replace(ctx, col, id, content, cas)
		return err
	})
	return newCAS, err
}

func (s *store) Remove(ctx context.Context, col storage.Collection, id string, cas uint64) error {
	return s.withRetry(ctx, "remove", col, id, func(ctx context.Context) error {
		return s.inner.Remove(ctx, col, id, cas)
	})
}

func (s *store) MutateTxn(ctx context.Context, col storage.Collection, id string, content json.RawMessage, meta *storage.TxnMeta, cas uint64) (uint64, error) {
	var newCAS uint64
	err := s.withRetry(ctx, "mutate_txn", col, id, func(ctx context.Context) error {
		var err error
		newCAS, err = s.inner.MutateTxn(ctx, col, id, content, meta, cas)
		return err
	})
	return newCAS, err
}

func (s *store) ListIDs(ctx context.Context, col storage.Collection, prefix string) ([]string, error) {
	var ids []string
	err := s.withRetry(ctx, "list_ids", col, prefix, func(ctx context.Context) error {
		var err error
		ids, err = s.inner.ListIDs(ctx, col, prefix)
		return err
	})
	return ids, err
}

func (s *store) Close() error {
	return s.inner.Close()
}

func (s *store) withRetry(ctx context.Context, op string, col storage.Collection, id string, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	delay := s.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		s.logger.Warn("storage transient error",
			"operation", op,
			"collection", col.String(),
			"id", id,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			s.clock.Sleep(delay)
			next := time.Duration(float64(delay) * s.cfg.Multiplier)
			if s.cfg.MaxDelay > 0 && next > s.cfg.MaxDelay {
				next = s.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
