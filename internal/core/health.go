package core

import (
	"context"
	"sync/atomic"
	"time"
)

// ProviderHealth is one provider's classified entry in a HealthSnapshot.
type ProviderHealth struct {
	Status              Health    `json:"status"`
	State               State     `json:"state"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// HealthSnapshot is the point-in-time derived view of all providers. It is
// regenerated on every aggregator poll and holds no authoritative state.
type HealthSnapshot struct {
	Timestamp time.Time                 `json:"timestamp"`
	Overall   Health                    `json:"overall"`
	Providers map[string]ProviderHealth `json:"providers"`
}

// Aggregator polls each loop's published snapshot on its own fixed cadence
// and rolls them into a HealthSnapshot. Reads are lock-free loads of the
// loops' state, never synchronous calls into a loop.
type Aggregator struct {
	interval time.Duration
	grace    time.Duration
	source   func() []*Snapshot
	snap     atomic.Pointer[HealthSnapshot]
}

func newAggregator(interval, grace time.Duration, source func() []*Snapshot) *Aggregator {
	return &Aggregator{interval: interval, grace: grace, source: source}
}

func (a *Aggregator) run(ctx context.Context) {
	a.poll()
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.poll()
		}
	}
}

func (a *Aggregator) poll() {
	snaps := a.source()
	hs := &HealthSnapshot{
		Timestamp: time.Now(),
		Overall:   HealthHealthy,
		Providers: make(map[string]ProviderHealth, len(snaps)),
	}
	for _, s := range snaps {
		status := a.classify(s, time.Now())
		hs.Providers[s.Provider] = ProviderHealth{
			Status:              status,
			State:               s.State,
			LastSuccessAt:       s.LastSuccessAt,
			ConsecutiveFailures: s.ConsecutiveFailures,
		}
		if healthRank(status) > healthRank(hs.Overall) {
			hs.Overall = status
		}
	}
	a.snap.Store(hs)
}

// classify derives a provider's health from its loop snapshot alone.
func (a *Aggregator) classify(s *Snapshot, now time.Time) Health {
	switch {
	case s.ConsecutiveFailures > s.RetryMax:
		return HealthUnhealthy
	case s.LastSuccessAt.IsZero():
		// Never succeeded: benign while inside the grace period.
		if !s.StartedAt.IsZero() && now.Sub(s.StartedAt) > a.grace {
			return HealthUnhealthy
		}
		if s.ConsecutiveFailures > 0 {
			return HealthDegraded
		}
		return HealthHealthy
	case s.ConsecutiveFailures >= 1:
		return HealthDegraded
	case now.Sub(s.LastSuccessAt) <= 2*s.Interval:
		return HealthHealthy
	default:
		// Nothing failing, but no success inside 2x the cadence either.
		return HealthDegraded
	}
}

// Latest returns the most recent snapshot, or an empty one before the first
// poll has run.
func (a *Aggregator) Latest() HealthSnapshot {
	if hs := a.snap.Load(); hs != nil {
		return *hs
	}
	return HealthSnapshot{Providers: map[string]ProviderHealth{}}
}

func healthRank(h Health) int {
	switch h {
	case HealthUnhealthy:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}
