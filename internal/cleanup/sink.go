package cleanup

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"
)

// Event is the structured record of one cleanup resolution attempt, emitted
// to the sink after every entry the scanner touches (skips excluded).
type Event struct {
	ID        string
	ATRID     string
	AttemptID string
	State     string
	Outcome   Outcome
	Success   bool
	Logs      []string
	Duration  time.Duration
}

// EventConsumer receives cleanup events. Consumers must not block; slow
// consumers cause events to be dropped and counted, never to stall cleanup.
type EventConsumer func(Event)

// Sink fans cleanup events out to a consumer through a bounded queue.
// Publish never blocks: when the queue is full the event is dropped and the
// drop counter incremented, with a rate-limited warning.
type Sink struct {
	ch       chan Event
	consumer EventConsumer
	logger   pslog.Logger
	dropped  atomic.Int64
	lastWarn atomic.Int64
	done     chan struct{}
	closed   sync.Once
}

// NewSink starts a sink draining into consumer. A nil consumer logs events
// at debug level.
func NewSink(consumer EventConsumer, logger pslog.Logger, queueLen int) *Sink {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if queueLen <= 0 {
		queueLen = 1024
	}
	s := &Sink{
		ch:       make(chan Event, queueLen),
		consumer: consumer,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *Sink) drain() {
	defer close(s.done)
	for event := range s.ch {
		if s.consumer != nil {
			s.consumer(event)
			continue
		}
		s.logger.Debug("cleanup.event",
			"event_id", event.ID,
			"atr_id", event.ATRID,
			"attempt_id", event.AttemptID,
			"state", event.State,
			"outcome", string(event.Outcome),
			"success", event.Success,
			"duration", event.Duration,
		)
	}
}

// Publish enqueues an event, assigning it an id. Fire-and-forget.
func (s *Sink) Publish(event Event) {
	if event.ID == "" {
		event.ID = xid.New().String()
	}
	select {
	case s.ch <- event:
	default:
		dropped := s.dropped.Add(1)
		now := time.Now().UnixNano()
		last := s.lastWarn.Load()
		if now-last > int64(10*time.Second) && s.lastWarn.CompareAndSwap(last, now) {
			s.logger.Warn("cleanup.sink.events_dropped", "dropped_total", dropped)
		}
	}
}

// Dropped returns the number of events dropped because the queue was full.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the sink after draining queued events. Safe to call more
// than once.
func (s *Sink) Close() {
	s.closed.Do(func() { close(s.ch) })
	<-s.done
}
