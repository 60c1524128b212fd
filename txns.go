package txns

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/txns/internal/atr"
	"pkt.systems/txns/internal/attempt"
	"pkt.systems/txns/internal/cleanup"
	"pkt.systems/txns/internal/clientrecord"
	"pkt.systems/txns/internal/clock"
	"pkt.systems/txns/internal/storage"
	storageretry "pkt.systems/txns/internal/storage/retry"
)

// Result reports a committed transaction. UnstagingComplete is false when the
// commit point passed but this process could not finish applying every
// staged mutation; cleanup completes the transaction in the background.
type Result struct {
	TransactionID     string
	AttemptIDs        []string
	UnstagingComplete bool
}

// Manager is the engine entry point: it executes transactions in the
// foreground and runs the lost-attempt cleanup loop in the background. Safe
// for concurrent use; attempts share nothing but the store connection.
type Manager struct {
	cfg    Config
	store  storage.Store
	atrs   *atr.Store
	record *clientrecord.Store
	set    *cleanup.Set
	sink   *cleanup.Sink
	det    *cleanup.Detector
	clean  *cleanup.Cleaner
	logger pslog.Logger
	clk    clock.Clock

	clientUUID string
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// New constructs a Manager and, unless disabled, starts its cleanup loop.
func New(cfg Config) (*Manager, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger

	store := storageretry.Wrap(cfg.Store, logger, clk, storageretry.Config{})
	m := &Manager{
		cfg:        cfg,
		store:      store,
		atrs:       atr.NewStore(store, clk),
		record:     clientrecord.NewStore(store, clk, cfg.MetadataCollection),
		set:        cleanup.NewSet(),
		logger:     logger,
		clk:        clk,
		clientUUID: uuid.NewString(),
	}
	m.set.Add(cfg.MetadataCollection)
	m.sink = cleanup.NewSink(cfg.EventConsumer, logger, cfg.EventQueueLen)
	m.det = cleanup.NewDetector(m.deps(), cfg.GracePeriod, cfg.Expiry)
	m.clean = cleanup.NewCleaner(cleanup.Config{
		ClientUUID:   m.clientUUID,
		Interval:     cfg.CleanupWindow,
		ClientExpiry: cfg.ClientExpiry,
		Deps:         m.deps(),
		Records:      m.record,
		Set:          m.set,
		Detector:     m.det,
		Sink:         m.sink,
		Logger:       logger,
		Clock:        clk,
	})
	if !cfg.DisableCleanup {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.clean.Run(ctx)
		}()
	}
	return m, nil
}

func (m *Manager) deps() attempt.Deps {
	return attempt.Deps{
		Store:          m.store,
		ATRs:           m.atrs,
		Clock:          m.clk,
		Logger:         m.logger,
		Query:          m.cfg.Query,
		ResolveForeign: m.resolveForeign,
	}
}

// resolveForeign is invoked when an attempt's read hits a document staged by
// another attempt. Only an expired foreign attempt is resolved; a live one
// is simply waited on by the caller.
func (m *Manager) resolveForeign(ctx context.Context, meta *storage.TxnMeta) error {
	entry, ok, err := m.atrs.FindEntry(ctx, meta.ATR.Collection, meta.ATR.ID, meta.AttemptID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if !entry.State.Terminal() && !entry.Expired(m.clk.Now()) {
		return nil
	}
	res := m.det.Resolve(ctx, meta.ATR, *entry)
	if res.Outcome == cleanup.OutcomeFailed {
		return fmt.Errorf("resolve foreign attempt %s: %w", meta.AttemptID, res.Err)
	}
	return nil
}

// Run executes fn as one transaction, retrying transient failures under
// fresh attempt ids until the transaction expires. Only terminal outcomes
// cross this boundary: a Result on commit, or one of the package errors
// (application errors are wrapped in FailedError and unwrap unchanged).
func (m *Manager) Run(ctx context.Context, fn func(tx *AttemptContext) error) (*Result, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	txnID := uuid.NewString()
	deadline := m.clk.Now().Add(m.cfg.Expiry)
	result := &Result{TransactionID: txnID}
	retryDelay := 5 * time.Millisecond

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := deadline.Sub(m.clk.Now())
		if remaining <= 0 {
			return nil, ErrTransactionExpired
		}
		att := attempt.New(m.deps(), attempt.Config{
			AttemptID:          uuid.NewString(),
			TransactionID:      txnID,
			MetadataCollection: m.cfg.MetadataCollection,
			NumATRs:            m.cfg.NumATRs,
			ExpiresAfter:       remaining,
			ForeignWait:        m.cfg.ForeignWait,
		})
		result.AttemptIDs = append(result.AttemptIDs, att.ID())
		tx := &AttemptContext{mgr: m, att: att}

		err := fn(tx)
		if err == nil {
			err = att.Commit(ctx)
			if err == nil {
				result.UnstagingComplete = true
				return result, nil
			}
			if att.State() == atr.StateCommitted {
				// The commit point passed; unstaging finishes via cleanup.
				m.logger.Warn("txn.commit.unstaging_incomplete",
					"transaction_id", txnID, "attempt_id", att.ID(), "error", err)
				return result, nil
			}
			if errors.Is(err, attempt.ErrCommitAmbiguous) {
				return nil, fmt.Errorf("%w: %v", ErrTransactionCommitAmbiguous, err)
			}
		}

		m.rollbackQuietly(ctx, att, txnID)

		switch {
		case errors.Is(err, attempt.ErrExpired), errors.Is(err, ErrAttemptExpired):
			return nil, ErrTransactionExpired
		case m.retryable(err):
			if !m.clk.Now().Add(retryDelay).Before(deadline) {
				return nil, ErrTransactionExpired
			}
			m.clk.Sleep(retryDelay)
			if retryDelay *= 2; retryDelay > 100*time.Millisecond {
				retryDelay = 100 * time.Millisecond
			}
			continue
		default:
			return nil, &FailedError{TransactionID: txnID, Cause: mapAttemptErr(err)}
		}
	}
}

func (m *Manager) retryable(err error) bool {
	return errors.Is(err, attempt.ErrWriteConflict) ||
		errors.Is(err, storage.ErrCASMismatch) ||
		storage.IsTransient(err)
}

func (m *Manager) rollbackQuietly(ctx context.Context, att *attempt.Attempt, txnID string) {
	switch att.State() {
	case atr.StatePending, atr.StateAborted:
	default:
		return
	}
	if err := att.Rollback(ctx); err != nil && !errors.Is(err, attempt.ErrAttemptFinished) {
		// Cleanup owns whatever this process failed to revert.
		m.logger.Warn("txn.rollback_failed",
			"transaction_id", txnID, "attempt_id", att.ID(), "error", err)
	}
}

// ObserveCollection seeds the cleanup set with a collection known to host
// transactional documents, ahead of this process touching it.
func (m *Manager) ObserveCollection(col Collection) {
	if m.set.Add(col) {
		m.logger.Debug("cleanup.set.observed", "collection", col.String())
	}
}

// Close stops the cleanup loop, removes this client from the shared record,
// and drains the event sink. The store is owned by the caller and stays
// open.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrManagerClosed
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.sink.Close()
	return nil
}
