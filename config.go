package txns

import (
	"errors"
	"time"

	"pkt.systems/pslog"
)

// Default tuning values; all overridable via Config.
const (
	DefaultExpiry          = 15 * time.Second
	DefaultNumATRs         = 1024
	DefaultCleanupWindow   = 60 * time.Second
	DefaultGracePeriod     = 2 * time.Minute
	DefaultEventQueueLen   = 1024
	DefaultForeignWait     = 1 * time.Second
	defaultClientExpiryMul = 4
)

// Config configures a transactions Manager.
type Config struct {
	// Store is the document store the engine runs against. Required.
	Store Store
	// Query is the optional query/analytics capability, used for in-attempt
	// queries and as an ATR discovery fallback.
	Query QueryExecutor

	// MetadataCollection hosts the ATR documents and the client record.
	// Defaults to {bucket:"default", scope:"_default", collection:"_default"}.
	MetadataCollection Collection

	// Expiry is the default per-transaction time budget.
	Expiry time.Duration
	// NumATRs shards the ATR keyspace. Must be identical across every client
	// sharing the store.
	NumATRs int
	// ForeignWait bounds how long a read waits on a document staged by
	// another live attempt.
	ForeignWait time.Duration

	// CleanupWindow is the interval between background cleanup cycles.
	CleanupWindow time.Duration
	// ClientExpiry is how long after its last heartbeat a client is treated
	// as dead by the rest of the fleet. Defaults to four cleanup windows.
	ClientExpiry time.Duration
	// GracePeriod delays compaction of terminal ATR entries.
	GracePeriod time.Duration
	// DisableCleanup turns the background cleanup loop off. Foreground
	// transactions still run; abandoned attempts from this process are then
	// resolved by other clients only.
	DisableCleanup bool

	// EventConsumer receives cleanup events. Nil logs them at debug level.
	EventConsumer EventConsumer
	// EventQueueLen bounds the event sink queue.
	EventQueueLen int

	// Logger receives structured engine logs. Nil disables logging.
	Logger pslog.Logger
	// Clock overrides time for tests; nil uses the real clock.
	Clock Clock
}

// Normalize fills defaults in place.
func (c *Config) Normalize() {
	if c.MetadataCollection == (Collection{}) {
		c.MetadataCollection = Collection{Bucket: "default", Scope: "_default", Collection: "_default"}
	}
	if c.Expiry <= 0 {
		c.Expiry = DefaultExpiry
	}
	if c.NumATRs <= 0 {
		c.NumATRs = DefaultNumATRs
	}
	if c.ForeignWait <= 0 {
		c.ForeignWait = DefaultForeignWait
	}
	if c.CleanupWindow <= 0 {
		c.CleanupWindow = DefaultCleanupWindow
	}
	if c.ClientExpiry <= 0 {
		c.ClientExpiry = defaultClientExpiryMul * c.CleanupWindow
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.EventQueueLen <= 0 {
		c.EventQueueLen = DefaultEventQueueLen
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
}

// Validate reports configuration errors that Normalize cannot repair.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("txns: config requires a Store")
	}
	return nil
}
