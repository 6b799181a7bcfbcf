package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event is a transient, webhook-style trigger. It is consumed at most once
// and never persisted beyond the bus's queue.
type Event struct {
	ID           string         `json:"id"`
	Type         string         `json:"event_type"`
	ProviderHint string         `json:"provider_hint,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	ReceivedAt   time.Time      `json:"received_at"`
}

// Routing results reported to the observer hook.
const (
	EventTriggered       = "triggered"
	EventCoalesced       = "coalesced"
	EventUnknownProvider = "unknown_provider"
	EventUnroutable      = "unroutable"
	EventDropped         = "dropped"
)

// eventCategories maps the well-known inbound event types emitted by the
// upstream systems onto provider categories. Events whose type already names
// a category route without translation.
var eventCategories = map[string]string{
	"code_push":           "cloud",
	"deployment_complete": "cloud",
	"data_update":         "database",
	"file_changed":        "storage",
	"cache_invalidated":   "cache",
	"message_published":   "queue",
	"index_updated":       "search",
	"model_trained":       "ml",
	"schema_changed":      "graphql",
}

// EventBus accepts asynchronously arriving trigger events and forwards a
// best-effort "sync now" signal into the matching loops. It never bypasses a
// loop's single-flight guarantee: triggering a Running loop coalesces.
type EventBus struct {
	queue   chan Event
	routes  map[string][]string
	sup     *Supervisor
	dropped atomic.Uint64
	observe atomic.Pointer[func(result string)]
}

func newEventBus(size int, sup *Supervisor, routes map[string][]string) *EventBus {
	return &EventBus{
		queue:  make(chan Event, size),
		routes: routes,
		sup:    sup,
	}
}

// SetObserver registers a hook called with the routing result of every event.
// Used to feed telemetry.
func (b *EventBus) SetObserver(fn func(result string)) {
	b.observe.Store(&fn)
}

// Publish enqueues an event without blocking. The event gets an id and a
// receive timestamp if it carries none. Returns false when the queue is full
// and the event was dropped; that is a diagnostic, not an error.
func (b *EventBus) Publish(ev Event) (Event, bool) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	select {
	case b.queue <- ev:
		return ev, true
	default:
		b.dropped.Add(1)
		b.report(EventDropped)
		log.Warn().Str("event", ev.ID).Str("type", ev.Type).Msg("event queue full, dropping event")
		return ev, false
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *EventBus) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.queue:
			b.route(ev)
		}
	}
}

func (b *EventBus) route(ev Event) {
	if ev.ProviderHint != "" {
		fresh, err := b.sup.Trigger(ev.ProviderHint)
		if err != nil {
			b.report(EventUnknownProvider)
			log.Warn().
				Str("event", ev.ID).
				Str("type", ev.Type).
				Str("provider", ev.ProviderHint).
				Msg("event for unknown provider dropped")
			return
		}
		if fresh {
			b.report(EventTriggered)
		} else {
			b.report(EventCoalesced)
		}
		log.Debug().Str("event", ev.ID).Str("provider", ev.ProviderHint).Bool("coalesced", !fresh).Msg("event routed")
		return
	}

	category := ev.Type
	if mapped, ok := eventCategories[ev.Type]; ok {
		category = mapped
	}
	ids := b.routes[category]
	if len(ids) == 0 {
		b.report(EventUnroutable)
		log.Warn().Str("event", ev.ID).Str("type", ev.Type).Msg("no providers match event type, dropped")
		return
	}
	for _, id := range ids {
		fresh, err := b.sup.Trigger(id)
		if err != nil {
			continue
		}
		if fresh {
			b.report(EventTriggered)
		} else {
			b.report(EventCoalesced)
		}
	}
	log.Debug().Str("event", ev.ID).Str("category", category).Int("targets", len(ids)).Msg("event broadcast")
}

func (b *EventBus) report(result string) {
	if fn := b.observe.Load(); fn != nil {
		(*fn)(result)
	}
}
