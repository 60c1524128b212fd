package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/txns/internal/atr"
	"pkt.systems/txns/internal/attempt"
	"pkt.systems/txns/internal/storage"
)

// Outcome classifies the result of resolving one candidate entry. Resolution
// never throws for the common race where another cleaner wins; that is
// OutcomeAlreadyResolved.
type Outcome string

const (
	// OutcomeApplied means this process ran the forward or reverse path.
	OutcomeApplied Outcome = "applied"
	// OutcomeAlreadyResolved means the entry was gone or terminal when this
	// process got to it.
	OutcomeAlreadyResolved Outcome = "already_resolved"
	// OutcomeSkipped means the entry is still legitimately in progress.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeCompacted means a terminal entry past its grace period was
	// removed from the ATR.
	OutcomeCompacted Outcome = "compacted"
	// OutcomeFailed means resolution was attempted and did not finish; a
	// later cycle retries.
	OutcomeFailed Outcome = "failed"
)

// Resolution is the structured result of one lost-attempt resolution.
type Resolution struct {
	ATRID     string
	AttemptID string
	State     atr.State
	Outcome   Outcome
	Err       error
}

// Detector decides whether an ATR entry is abandoned and drives the attempt
// recovery paths to resolve it.
type Detector struct {
	deps attempt.Deps
	// gracePeriod is how long terminal entries linger before compaction.
	gracePeriod time.Duration
	// resolutionBudget bounds the per-entry recovery work.
	resolutionBudget time.Duration
}

// NewDetector constructs a detector over the shared attempt dependencies.
func NewDetector(deps attempt.Deps, gracePeriod, resolutionBudget time.Duration) *Detector {
	if gracePeriod <= 0 {
		gracePeriod = 2 * time.Minute
	}
	if resolutionBudget <= 0 {
		resolutionBudget = 10 * time.Second
	}
	return &Detector{
		deps:             deps,
		gracePeriod:      gracePeriod,
		resolutionBudget: resolutionBudget,
	}
}

// Resolve inspects one ATR entry and, when it is abandoned, runs the
// appropriate recovery path: committed entries are finished forward, pending
// and aborted entries are rolled back. A committed entry is never undone.
func (d *Detector) Resolve(ctx context.Context, ref storage.ATRRef, candidate atr.Entry) Resolution {
	res := Resolution{
		ATRID:     ref.ID,
		AttemptID: candidate.AttemptID,
		State:     candidate.State,
	}
	now := d.deps.Clock.Now()

	if candidate.State.Terminal() {
		graceDeadline := time.UnixMilli(candidate.StartUnixMs + candidate.ExpiresAfterMs).Add(d.gracePeriod)
		if now.Before(graceDeadline) {
			res.Outcome = OutcomeSkipped
			return res
		}
		if err := d.deps.ATRs.RemoveEntry(ctx, ref.Collection, ref.ID, candidate.AttemptID); err != nil {
			res.Outcome = OutcomeFailed
			res.Err = err
			return res
		}
		res.Outcome = OutcomeCompacted
		return res
	}
	if !candidate.Expired(now) {
		res.Outcome = OutcomeSkipped
		return res
	}

	// Re-read under the candidate id: another cleaner may have resolved the
	// entry between the scan and now.
	entry, ok, err := d.deps.ATRs.FindEntry(ctx, ref.Collection, ref.ID, candidate.AttemptID)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}
	if !ok || entry.State.Terminal() {
		res.Outcome = OutcomeAlreadyResolved
		return res
	}
	res.State = entry.State

	deadline := now.Add(d.resolutionBudget)
	switch entry.State {
	case atr.StateCommitted:
		err = attempt.Forward(ctx, d.deps, ref, entry, deadline)
	case atr.StatePending:
		err = d.rollbackPending(ctx, ref, entry, deadline)
	case atr.StateAborted:
		err = attempt.Reverse(ctx, d.deps, ref, entry, deadline)
	default:
		err = fmt.Errorf("unknown entry state %q", entry.State)
	}
	if err != nil {
		if errors.Is(err, atr.ErrEntryNotFound) || errors.Is(err, atr.ErrStateConflict) {
			res.Outcome = OutcomeAlreadyResolved
			return res
		}
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}
	res.Outcome = OutcomeApplied
	return res
}

// rollbackPending flips the entry to aborted first; losing that CAS to a
// racing cleaner (or the original owner committing at the last moment) means
// the outcome is owned elsewhere.
func (d *Detector) rollbackPending(ctx context.Context, ref storage.ATRRef, entry *atr.Entry, deadline time.Time) error {
	// Losing this CAS to a racing cleaner, or to the original owner
	// committing at the last moment, surfaces as not-found or state conflict
	// and the caller reports already-resolved.
	err := d.deps.ATRs.TransitionState(ctx, ref.Collection, ref.ID, entry.AttemptID, atr.StatePending, atr.StateAborted)
	if err != nil {
		return err
	}
	entry.State = atr.StateAborted
	return attempt.Reverse(ctx, d.deps, ref, entry, deadline)
}
