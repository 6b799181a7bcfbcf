package core

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Snapshot is the published view of one loop. Loops write a fresh copy after
// every transition; readers load it lock-free and must treat it as immutable.
type Snapshot struct {
	Provider            string        `json:"provider"`
	Category            string        `json:"category"`
	State               State         `json:"state"`
	StartedAt           time.Time     `json:"started_at"`
	LastRunAt           time.Time     `json:"last_run_at"`
	NextRunAt           time.Time     `json:"next_run_at"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	LastResult          *Result       `json:"last_result,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Attempts            uint64        `json:"attempts"`
	Interval            time.Duration `json:"-"`
	RetryMax            int           `json:"-"`
}

// Loop drives one adapter on its configured cadence. The attempt always runs
// on the loop goroutine, which makes the single-flight guarantee structural:
// there is no code path that can start attempt N+1 before N's result is
// recorded. External triggers land in a one-slot channel, so a trigger
// arriving while an attempt is in flight coalesces into exactly one follow-up
// run and further duplicates are dropped.
type Loop struct {
	cfg      ProviderConfig
	adapter  Adapter
	history  *History
	onResult func(Result)

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	snap    atomic.Pointer[Snapshot]
	logger  zerolog.Logger
}

func newLoop(cfg ProviderConfig, adapter Adapter, history *History, onResult func(Result)) *Loop {
	l := &Loop{
		cfg:      cfg,
		adapter:  adapter,
		history:  history,
		onResult: onResult,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   log.With().Str("provider", cfg.ID).Str("category", cfg.Category).Logger(),
	}
	l.snap.Store(&Snapshot{
		Provider: cfg.ID,
		Category: cfg.Category,
		State:    StateIdle,
		Interval: cfg.Interval,
		RetryMax: cfg.RetryMax,
	})
	return l
}

// start launches the loop goroutine. The first attempt runs immediately;
// subsequent ones follow the interval/backoff schedule.
func (l *Loop) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	l.publish(func(s *Snapshot) { s.StartedAt = time.Now() })
	go l.run(ctx)
}

// stop cancels the loop's context, which also cancels any in-flight adapter
// call, and waits up to grace for the goroutine to exit. Returns false if the
// loop did not come back in time (a leaked adapter call).
func (l *Loop) stop(grace time.Duration) bool {
	l.cancel()
	select {
	case <-l.done:
		return true
	case <-time.After(grace):
		return false
	}
}

// Trigger requests an out-of-band sync. Returns false when a trigger is
// already pending for this loop; the caller treats that as coalesced.
func (l *Loop) Trigger() bool {
	select {
	case l.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Snapshot returns the latest published state. Never blocks on a sync in
// progress.
func (l *Loop) Snapshot() *Snapshot {
	return l.snap.Load()
}

// History returns the loop's result ring.
func (l *Loop) History() *History {
	return l.history
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	defer l.publish(func(s *Snapshot) {
		s.State = StateStopped
		s.NextRunAt = time.Time{}
	})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.BackoffBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = l.cfg.BackoffMax
	bo.Reset()

	// Failures consumed from the retry budget in the current cycle. Distinct
	// from ConsecutiveFailures, which only a success resets.
	attempts := 0

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.drainTriggers()
			return
		case <-timer.C:
		case <-l.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		res := l.attempt(ctx)
		if ctx.Err() != nil {
			l.drainTriggers()
			return
		}

		var next time.Duration
		switch {
		case !res.Failed():
			attempts = 0
			bo.Reset()
			next = l.cfg.Interval
			l.transition(StateIdle, next)
		case attempts < l.cfg.RetryMax:
			// Backoff replaces the regular tick rather than stacking with it.
			attempts++
			next = bo.NextBackOff()
			l.transition(StateBackoff, next)
		default:
			// Budget exhausted for this cycle; the loop keeps ticking at its
			// normal interval. Only stop() terminates it.
			attempts = 0
			bo.Reset()
			next = l.cfg.Interval
			l.transition(StateIdle, next)
		}
		timer.Reset(next)
	}
}

func (l *Loop) attempt(ctx context.Context) Result {
	l.publish(func(s *Snapshot) {
		s.State = StateRunning
		s.LastRunAt = time.Now()
		s.Attempts++
	})

	actx := ctx
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}

	res := l.invoke(actx)

	l.history.Append(res)
	l.publish(func(s *Snapshot) {
		s.LastResult = &res
		if res.Failed() {
			s.ConsecutiveFailures++
		} else {
			s.ConsecutiveFailures = 0
			s.LastSuccessAt = res.FinishedAt
		}
	})
	if l.onResult != nil {
		l.onResult(res)
	}

	evt := l.logger.Info()
	if res.Failed() {
		evt = l.logger.Warn().Str("error", res.Error)
	}
	evt.Str("outcome", string(res.Outcome)).
		Dur("duration", res.Duration()).
		Int("items_synced", res.ItemsSynced).
		Msg("sync attempt finished")
	return res
}

// invoke calls the adapter and normalizes its result. A panic inside the
// adapter is caught here, at the loop boundary, and converted into a failure
// result so it can never reach the supervisor or sibling loops.
func (l *Loop) invoke(ctx context.Context) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("coordination fault: adapter panicked")
			res = Result{
				Provider:   l.cfg.ID,
				StartedAt:  start,
				FinishedAt: time.Now(),
				Outcome:    OutcomeFailure,
				Error:      fmt.Sprintf("adapter panic: %v", r),
				Fault:      true,
			}
		}
	}()

	r, err := l.adapter.Sync(ctx)
	r.Provider = l.cfg.ID
	if r.StartedAt.IsZero() {
		r.StartedAt = start
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	if err != nil {
		r.Outcome = OutcomeFailure
		if r.Error == "" {
			r.Error = err.Error()
		}
	} else if r.Outcome == "" {
		r.Outcome = OutcomeSuccess
	}
	return r
}

func (l *Loop) transition(st State, wait time.Duration) {
	next := time.Now().Add(wait)
	l.publish(func(s *Snapshot) {
		s.State = st
		s.NextRunAt = next
	})
}

func (l *Loop) publish(mut func(*Snapshot)) {
	next := *l.snap.Load()
	mut(&next)
	l.snap.Store(&next)
}

func (l *Loop) drainTriggers() {
	for {
		select {
		case <-l.trigger:
		default:
			return
		}
	}
}
