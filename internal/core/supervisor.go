package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Options tunes the supervisor-wide knobs. Zero values fall back to the
// defaults below.
type Options struct {
	// HistoryCapacity bounds the per-provider result ring.
	HistoryCapacity int
	// HealthInterval is the aggregator's own poll cadence, independent of any
	// provider's interval.
	HealthInterval time.Duration
	// GracePeriod is how long a provider may run without a first success
	// before the aggregator calls it unhealthy.
	GracePeriod time.Duration
	// ShutdownTimeout bounds how long Stop waits for in-flight attempts.
	ShutdownTimeout time.Duration
	// EventQueueSize bounds the webhook ingestion queue.
	EventQueueSize int
}

func (o Options) withDefaults() Options {
	if o.HistoryCapacity <= 0 {
		o.HistoryCapacity = 50
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 2 * time.Minute
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.EventQueueSize <= 0 {
		o.EventQueueSize = 64
	}
	return o
}

// Supervisor owns the full set of sync loops plus the health aggregator and
// the event bus. All access goes through its methods; there is no shared
// global state.
type Supervisor struct {
	mu        sync.Mutex
	opts      Options
	specs     []ProviderConfig
	adapters  map[string]Adapter
	histories map[string]*History
	loops     map[string]*Loop
	onResult  func(Result)
	agg       *Aggregator
	bus       *EventBus
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// New validates the provider set and builds one adapter per enabled provider
// through factory. Any validation or factory failure is a ConfigError and no
// supervisor is returned. Provider connectivity is not checked here; an
// unreachable provider surfaces as unhealthy after its first cycle, not as a
// startup failure.
func New(opts Options, specs []ProviderConfig, factory AdapterFactory) (*Supervisor, error) {
	opts = opts.withDefaults()

	s := &Supervisor{
		opts:      opts,
		adapters:  make(map[string]Adapter),
		histories: make(map[string]*History),
		loops:     make(map[string]*Loop),
	}

	seen := make(map[string]bool)
	routes := make(map[string][]string)
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, &ConfigError{Reason: "provider id must not be empty"}
		}
		if seen[spec.ID] {
			return nil, &ConfigError{Provider: spec.ID, Reason: "duplicate provider id"}
		}
		seen[spec.ID] = true
		if !spec.Enabled {
			continue
		}
		if spec.Interval <= 0 {
			return nil, &ConfigError{Provider: spec.ID, Reason: "interval must be positive"}
		}
		if spec.RetryMax < 0 {
			return nil, &ConfigError{Provider: spec.ID, Reason: "retry max must not be negative"}
		}
		if spec.BackoffBase <= 0 {
			spec.BackoffBase = time.Second
		}
		if spec.BackoffMax <= 0 {
			spec.BackoffMax = 5 * time.Minute
		}

		adapter, err := factory(spec)
		if err != nil {
			return nil, &ConfigError{Provider: spec.ID, Reason: fmt.Sprintf("build adapter: %v", err)}
		}
		s.adapters[spec.ID] = adapter
		s.histories[spec.ID] = NewHistory(opts.HistoryCapacity)
		s.specs = append(s.specs, spec)
		routes[spec.Category] = append(routes[spec.Category], spec.ID)
	}

	s.agg = newAggregator(opts.HealthInterval, opts.GracePeriod, s.loopSnapshots)
	s.bus = newEventBus(opts.EventQueueSize, s, routes)
	return s, nil
}

// SetResultHook registers a callback invoked for every recorded result, on
// the owning loop's goroutine. Used to fan results into telemetry and the
// archive store. Must be called before Start.
func (s *Supervisor) SetResultHook(fn func(Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResult = fn
}

// Events returns the supervisor's webhook event bus.
func (s *Supervisor) Events() *EventBus {
	return s.bus
}

// Start launches one loop per enabled provider plus the aggregator and the
// event bus. It returns once everything has begun, not once any loop has
// completed a cycle. Idempotent while already running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, spec := range s.specs {
		l := newLoop(spec, s.adapters[spec.ID], s.histories[spec.ID], s.onResult)
		s.loops[spec.ID] = l
		l.start(s.ctx)
	}
	go s.agg.run(s.ctx)
	go s.bus.run(s.ctx)
	s.running = true

	log.Info().Int("providers", len(s.loops)).Msg("supervisor started")
	return nil
}

// Stop signals every loop to stop and waits, bounded by ShutdownTimeout, for
// in-flight attempts to finish or observe cancellation. Loops that do not
// come back in time are logged as leaked, never silently ignored. Safe to
// call repeatedly.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()

	deadline := time.Now().Add(s.opts.ShutdownTimeout)
	for id, l := range s.loops {
		grace := time.Until(deadline)
		if grace < 0 {
			grace = 0
		}
		if !l.stop(grace) {
			log.Warn().Str("provider", id).Msg("loop did not stop within grace period, leaked")
		}
	}
	s.loops = make(map[string]*Loop)
	s.running = false

	log.Info().Msg("supervisor stopped")
	return nil
}

// Restart stops and recreates a single loop without disturbing the others.
// The provider's history is preserved; its failure counters start at zero.
func (s *Supervisor) Restart(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	l, ok := s.loops[id]
	if !ok {
		return fmt.Errorf("restart %s: %w", id, ErrUnknownProvider)
	}
	if !l.stop(s.opts.ShutdownTimeout) {
		log.Warn().Str("provider", id).Msg("loop did not stop within grace period, leaked")
	}

	spec := s.spec(id)
	fresh := newLoop(spec, s.adapters[id], s.histories[id], s.onResult)
	s.loops[id] = fresh
	fresh.start(s.ctx)

	log.Info().Str("provider", id).Msg("loop restarted")
	return nil
}

// Trigger requests an out-of-band sync for one provider. The returned bool is
// false when the trigger was coalesced into an already pending one.
func (s *Supervisor) Trigger(id string) (bool, error) {
	s.mu.Lock()
	l, ok := s.loops[id]
	running := s.running
	s.mu.Unlock()
	if !running {
		return false, ErrNotRunning
	}
	if !ok {
		return false, fmt.Errorf("trigger %s: %w", id, ErrUnknownProvider)
	}
	return l.Trigger(), nil
}

// Probe invokes the adapter's own health check. Unlike Status, this is a
// synchronous call into the provider.
func (s *Supervisor) Probe(ctx context.Context, id string) (Status, error) {
	s.mu.Lock()
	adapter, ok := s.adapters[id]
	s.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("probe %s: %w", id, ErrUnknownProvider)
	}
	st, err := adapter.HealthCheck(ctx)
	if st.CheckedAt.IsZero() {
		st.CheckedAt = time.Now()
	}
	return st, err
}

// Status returns the aggregator's latest system-wide snapshot. It never
// blocks on a sync in progress.
func (s *Supervisor) Status() HealthSnapshot {
	return s.agg.Latest()
}

// StatusOf returns one provider's current loop snapshot plus its most recent
// history entries (n <= 0 returns the full ring).
func (s *Supervisor) StatusOf(id string, n int) (*Snapshot, []Result, error) {
	s.mu.Lock()
	l, ok := s.loops[id]
	h := s.histories[id]
	s.mu.Unlock()
	if ok {
		return l.Snapshot(), h.Recent(n), nil
	}
	// While stopped the loops map is empty, but configured providers still
	// have readable history.
	if h != nil {
		snap := &Snapshot{Provider: id, State: StateStopped}
		if spec := s.spec(id); spec.ID != "" {
			snap.Category = spec.Category
			snap.Interval = spec.Interval
			snap.RetryMax = spec.RetryMax
		}
		return snap, h.Recent(n), nil
	}
	return nil, nil, fmt.Errorf("status of %s: %w", id, ErrUnknownProvider)
}

// Providers lists the enabled provider ids, in configuration order.
func (s *Supervisor) Providers() []string {
	ids := make([]string, 0, len(s.specs))
	for _, spec := range s.specs {
		ids = append(ids, spec.ID)
	}
	return ids
}

// Running reports whether Start has been called without a matching Stop.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) spec(id string) ProviderConfig {
	for _, spec := range s.specs {
		if spec.ID == id {
			return spec
		}
	}
	return ProviderConfig{}
}

func (s *Supervisor) loopSnapshots() []*Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Snapshot, 0, len(s.loops))
	for _, l := range s.loops {
		out = append(out, l.Snapshot())
	}
	return out
}
