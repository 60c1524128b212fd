package txns

import (
	"context"
	"time"

	"pkt.systems/txns/internal/cleanup"
	"pkt.systems/txns/internal/clientrecord"
)

// Administrative surface: simple request/response operations consumed by
// external tooling. None of these hold protocol state of their own.

// CleanupResolution is the structured outcome of resolving one ATR entry.
type CleanupResolution = cleanup.Resolution

// CleanupSet returns the collections this process has observed participating
// in transactions — the scan universe for lost-attempt cleanup.
func (m *Manager) CleanupSet() []Collection {
	return m.set.Snapshot()
}

// PartitionInfo heartbeats the client record and returns the freshly
// computed membership view for this client.
func (m *Manager) PartitionInfo(ctx context.Context) (*PartitionInfo, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	return m.record.Process(ctx, m.clientUUID, m.cfg.ClientExpiry)
}

// RunCleanupCycle forces one synchronous cleanup cycle, independent of the
// background loop's schedule.
func (m *Manager) RunCleanupCycle(ctx context.Context) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	return m.clean.RunOnce(ctx)
}

// SetCleanupOverride installs a cleanup override: active=true suspends
// background cleanup fleet-wide until expires, active=false parks the
// override without suppressing anything. A stale override cannot outlive its
// expiry.
func (m *Manager) SetCleanupOverride(ctx context.Context, active bool, expires time.Time) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	return m.record.SetOverride(ctx, clientrecord.Override{
		Enabled:       true,
		Active:        active,
		ExpiresUnixMs: expires.UnixMilli(),
	})
}

// ClearCleanupOverride removes any cleanup override.
func (m *Manager) ClearCleanupOverride(ctx context.Context) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	return m.record.SetOverride(ctx, clientrecord.Override{})
}

// ResumeAttempt re-drives recovery for a known attempt, typically one whose
// commit was reported ambiguous. The result reports whether this process
// applied a path, found the attempt already resolved, or failed.
func (m *Manager) ResumeAttempt(ctx context.Context, ref ATRRef, attemptID string) (CleanupResolution, error) {
	if m.closed.Load() {
		return CleanupResolution{}, ErrManagerClosed
	}
	entry, ok, err := m.atrs.FindEntry(ctx, ref.Collection, ref.ID, attemptID)
	if err != nil {
		return CleanupResolution{}, err
	}
	if !ok {
		return CleanupResolution{
			ATRID:     ref.ID,
			AttemptID: attemptID,
			Outcome:   CleanupAlreadyResolved,
		}, nil
	}
	return m.det.Resolve(ctx, ref, *entry), nil
}
