package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/txns/internal/atr"
	"pkt.systems/txns/internal/attempt"
	"pkt.systems/txns/internal/clientrecord"
	"pkt.systems/txns/internal/clock"
	"pkt.systems/txns/internal/storage"
)

// Config parameterizes the background cleaner for one client process.
type Config struct {
	ClientUUID string
	// Interval is the pause between cleanup cycles.
	Interval time.Duration
	// ClientExpiry is how long after the last heartbeat other clients treat
	// this one as dead.
	ClientExpiry time.Duration
	Deps         attempt.Deps
	Records      *clientrecord.Store
	Set          *Set
	Detector     *Detector
	Sink         *Sink
	Logger       pslog.Logger
	Clock        clock.Clock
}

// Cleaner runs the per-process cleanup loop: heartbeat the client record,
// derive this client's partition, scan the partition's ATRs across the
// cleanup set, and resolve whatever the detector deems lost.
type Cleaner struct {
	cfg     Config
	metrics *cleanupMetrics
	logger  pslog.Logger
	clock   clock.Clock

	lastInfo *clientrecord.ClientInfo
}

// NewCleaner constructs a cleaner. Run starts the loop; RunOnce drives a
// single cycle for embedding in external schedulers and tests.
func NewCleaner(cfg Config) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.ClientExpiry <= 0 {
		cfg.ClientExpiry = 4 * cfg.Interval
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Cleaner{
		cfg:     cfg,
		metrics: newCleanupMetrics(cfg.Logger),
		logger:  cfg.Logger,
		clock:   cfg.Clock,
	}
}

// Run loops until ctx is cancelled, then removes this client from the
// record so the surviving clients rebalance immediately.
func (c *Cleaner) Run(ctx context.Context) {
	// Jittered start spreads synchronized fleets over the interval.
	jitter := time.Duration(rand.Int63n(int64(c.cfg.Interval)/10 + 1))
	select {
	case <-ctx.Done():
		return
	case <-c.clock.After(jitter):
	}
	for {
		if err := c.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("cleanup.cycle_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			c.removeClient()
			return
		case <-c.clock.After(c.cfg.Interval):
		}
	}
}

func (c *Cleaner) removeClient() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.cfg.Records.Remove(ctx, c.cfg.ClientUUID); err != nil {
		c.logger.Warn("cleanup.client_record.remove_failed", "error", err)
	}
}

// RunOnce performs one cleanup cycle.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	start := c.clock.Now()
	info, err := c.cfg.Records.Process(ctx, c.cfg.ClientUUID, c.cfg.ClientExpiry)
	if err != nil {
		return fmt.Errorf("process client record: %w", err)
	}
	c.lastInfo = info
	if info.CleanupSuppressed(c.clock.Now()) {
		c.logger.Debug("cleanup.suppressed_by_override",
			"override_expires", info.OverrideExpires)
		return nil
	}

	scanned := 0
	for _, col := range c.cfg.Set.Snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := c.scanCollection(ctx, col, info)
		scanned += n
		if err != nil {
			c.logger.Warn("cleanup.scan_failed", "collection", col.String(), "error", err)
		}
	}
	c.metrics.recordScan(ctx, c.clock.Now().Sub(start), scanned)
	return nil
}

// PartitionInfo returns the membership view from the most recent cycle.
func (c *Cleaner) PartitionInfo() *clientrecord.ClientInfo {
	return c.lastInfo
}

func (c *Cleaner) scanCollection(ctx context.Context, col storage.Collection, info *clientrecord.ClientInfo) (int, error) {
	ids, err := c.listATRs(ctx, col)
	if err != nil {
		return 0, err
	}
	scanned := 0
	for _, atrID := range ids {
		if err := ctx.Err(); err != nil {
			return scanned, err
		}
		if !info.PartitionOwner(atrID) {
			continue
		}
		scanned++
		c.scanATR(ctx, storage.ATRRef{Collection: col, ID: atrID})
	}
	return scanned, nil
}

// listATRs prefers the store's native listing and falls back to the query
// capability for stores that cannot enumerate ids.
func (c *Cleaner) listATRs(ctx context.Context, col storage.Collection) ([]string, error) {
	ids, err := c.cfg.Deps.Store.ListIDs(ctx, col, atr.DocPrefix)
	if err == nil {
		return ids, nil
	}
	if !errors.Is(err, storage.ErrNotImplemented) || c.cfg.Deps.Query == nil {
		return nil, err
	}
	statement := fmt.Sprintf("SELECT RAW meta().id FROM `%s`.`%s`.`%s` WHERE meta().id LIKE $1",
		col.Bucket, col.Scope, col.Collection)
	rows, err := c.cfg.Deps.Query.Query(ctx, statement, []any{atr.DocPrefix + "%"}, storage.QueryNotBounded)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		var id string
		if err := json.Unmarshal(row, &id); err != nil {
			continue
		}
		if strings.HasPrefix(id, atr.DocPrefix) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (c *Cleaner) scanATR(ctx context.Context, ref storage.ATRRef) {
	entries, err := c.cfg.Deps.ATRs.ListEntries(ctx, ref.Collection, ref.ID)
	if err != nil {
		// A malformed ATR must not poison the rest of the scan: log, count,
		// move on. Transient errors simply wait for the next cycle.
		if storage.IsTransient(err) {
			c.logger.Debug("cleanup.atr.read_transient", "atr_id", ref.ID, "error", err)
		} else {
			c.metrics.recordMalformed(ctx)
			c.logger.Warn("cleanup.atr.malformed", "atr_id", ref.ID, "error", err)
		}
		return
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return
		}
		start := c.clock.Now()
		res := c.cfg.Detector.Resolve(ctx, ref, entry)
		c.metrics.recordResolution(ctx, res)
		if res.Outcome == OutcomeSkipped {
			continue
		}
		event := Event{
			ATRID:     res.ATRID,
			AttemptID: res.AttemptID,
			State:     string(res.State),
			Outcome:   res.Outcome,
			Success:   res.Outcome != OutcomeFailed,
			Duration:  c.clock.Now().Sub(start),
		}
		if res.Err != nil {
			event.Logs = append(event.Logs, res.Err.Error())
		}
		if c.cfg.Sink != nil {
			c.cfg.Sink.Publish(event)
		}
		if res.Outcome == OutcomeFailed {
			c.logger.Warn("cleanup.atr.resolve_failed",
				"atr_id", res.ATRID,
				"attempt_id", res.AttemptID,
				"state", string(res.State),
				"error", res.Err,
			)
		}
	}
}
