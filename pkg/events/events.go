package events

import (
	"sync"
	"time"

	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/metrics"
	"github.com/caravelhq/caravel/pkg/types"
	"github.com/rs/zerolog"
)

// FilterAll subscribes to every deployment
const FilterAll = "*"

// OverflowPolicy decides what happens when a subscriber buffer fills
type OverflowPolicy string

const (
	// DropOldest discards the oldest buffered event to make room
	DropOldest OverflowPolicy = "drop_oldest"

	// Disconnect emits a final Overflow event and closes the
	// subscription. For observers that must not miss events.
	Disconnect OverflowPolicy = "disconnect"
)

// EventWriter persists events before fan-out. The audit gateway
// implements it; the bus itself never persists anything.
type EventWriter interface {
	WriteEvent(ev *types.DeploymentEvent) error
}

// Subscription receives events for one deployment id (or all)
type Subscription struct {
	C      <-chan *types.DeploymentEvent
	ch     chan *types.DeploymentEvent
	filter string
	policy OverflowPolicy
	closed bool
}

// Filter returns the deployment id this subscription watches
func (s *Subscription) Filter() string { return s.filter }

// Bus is the in-process publish/subscribe fan-out for pipeline events.
// Within one deployment id, subscribers observe events in exactly the
// publisher's seq order with no gaps (up to disconnect).
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]bool
	seqs   map[string]uint64
	writer EventWriter
	buffer int
	policy OverflowPolicy
	logger zerolog.Logger
}

// Config holds bus configuration
type Config struct {
	SubscriberBuffer int
	OverflowPolicy   OverflowPolicy
}

// NewBus creates a bus. writer may be nil for tests that do not care
// about persistence.
func NewBus(cfg Config, writer EventWriter) *Bus {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 1024
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = DropOldest
	}
	return &Bus{
		subs:   make(map[*Subscription]bool),
		seqs:   make(map[string]uint64),
		writer: writer,
		buffer: cfg.SubscriberBuffer,
		policy: cfg.OverflowPolicy,
		logger: log.WithComponent("events"),
	}
}

// Subscribe registers a subscriber for one deployment id or FilterAll.
// The per-subscriber buffer and the bus-wide overflow policy apply.
func (b *Bus) Subscribe(filter string) *Subscription {
	return b.SubscribeWithPolicy(filter, b.policy)
}

// SubscribeWithPolicy registers a subscriber with an explicit overflow
// policy, overriding the bus default.
func (b *Bus) SubscribeWithPolicy(filter string, policy OverflowPolicy) *Subscription {
	ch := make(chan *types.DeploymentEvent, b.buffer)
	sub := &Subscription{C: ch, ch: ch, filter: filter, policy: policy}

	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub)
}

// remove must be called with b.mu held
func (b *Bus) remove(sub *Subscription) {
	if b.subs[sub] {
		delete(b.subs, sub)
		sub.closed = true
		close(sub.ch)
	}
}

// CurrentSeq returns the last seq published for a deployment (0 if none)
func (b *Bus) CurrentSeq(deploymentID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seqs[deploymentID]
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish assigns the next seq for the event's deployment, writes the
// event to the store, then fans out to matching subscribers. It never
// blocks beyond the bounded buffers.
func (b *Bus) Publish(ev *types.DeploymentEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seqs[ev.DeploymentID]++
	ev.Seq = b.seqs[ev.DeploymentID]

	// Durable trail first: the store write completes before any
	// subscriber can observe the event.
	if b.writer != nil {
		if err := b.writer.WriteEvent(ev); err != nil {
			b.logger.Error().Err(err).
				Str("deployment_id", ev.DeploymentID).
				Uint64("seq", ev.Seq).
				Msg("failed to persist event")
		}
	}

	metrics.EventsPublished.Inc()
	for sub := range b.subs {
		if sub.filter != FilterAll && sub.filter != ev.DeploymentID {
			continue
		}
		b.deliver(sub, ev)
	}
}

// deliver must be called with b.mu held
func (b *Bus) deliver(sub *Subscription, ev *types.DeploymentEvent) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	metrics.SubscriberOverflows.Inc()
	switch sub.policy {
	case Disconnect:
		// Drain one slot so the final Overflow event fits, then close.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- &types.DeploymentEvent{
			DeploymentID: ev.DeploymentID,
			Seq:          ev.Seq,
			Timestamp:    time.Now(),
			Type:         types.EventOverflow,
		}:
		default:
		}
		b.remove(sub)
	default: // DropOldest
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
