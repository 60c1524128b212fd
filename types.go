package txns

import (
	"pkt.systems/txns/internal/cleanup"
	"pkt.systems/txns/internal/clientrecord"
	"pkt.systems/txns/internal/clock"
	"pkt.systems/txns/internal/storage"
)

// Store is the document store capability the engine consumes: single-
// document get/insert/replace/remove guarded by CAS tokens, plus the staging
// write that persists content and transactional metadata together.
type Store = storage.Store

// QueryExecutor is the optional query/analytics capability.
type QueryExecutor = storage.QueryExecutor

// Aliases for the document model shared with Store implementations.
type (
	Collection       = storage.Collection
	Document         = storage.Document
	TxnMeta          = storage.TxnMeta
	ATRRef           = storage.ATRRef
	MutationType     = storage.MutationType
	QueryConsistency = storage.QueryConsistency
)

// Mutation type constants re-exported for Store implementations.
const (
	MutationInsert  = storage.MutationInsert
	MutationReplace = storage.MutationReplace
	MutationRemove  = storage.MutationRemove
)

// Query consistency levels.
const (
	QueryNotBounded  = storage.QueryNotBounded
	QueryRequestPlus = storage.QueryRequestPlus
)

// Store-level sentinel errors implementations must return.
var (
	ErrStoreNotFound    = storage.ErrNotFound
	ErrStoreCASMismatch = storage.ErrCASMismatch
	ErrStoreTimeout     = storage.ErrTimeout
)

// Clock abstracts time for the engine; production code uses the real clock.
type Clock = clock.Clock

// CleanupEvent is the structured record emitted to the event sink for every
// cleanup resolution attempt.
type CleanupEvent = cleanup.Event

// EventConsumer receives cleanup events; it must not block.
type EventConsumer = cleanup.EventConsumer

// CleanupOutcome classifies a cleanup resolution result.
type CleanupOutcome = cleanup.Outcome

// Cleanup outcomes.
const (
	CleanupApplied         = cleanup.OutcomeApplied
	CleanupAlreadyResolved = cleanup.OutcomeAlreadyResolved
	CleanupSkipped         = cleanup.OutcomeSkipped
	CleanupCompacted       = cleanup.OutcomeCompacted
	CleanupFailed          = cleanup.OutcomeFailed
)

// PartitionInfo is the client-record-derived membership view: how many
// cleanup clients are live and which partition of the ATR keyspace this
// client owns.
type PartitionInfo = clientrecord.ClientInfo
