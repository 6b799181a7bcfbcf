package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAdapter is a controllable Adapter for loop and supervisor tests.
type fakeAdapter struct {
	delay     time.Duration
	failing   atomic.Bool
	panics    atomic.Bool
	calls     atomic.Int64
	inFlight  atomic.Int32
	maxSeen   atomic.Int32
	release   chan struct{} // when set, Sync blocks until closed or cancelled
	sawCancel atomic.Bool
}

func (f *fakeAdapter) Sync(ctx context.Context) (Result, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxSeen.Load()
		if n <= cur || f.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}

	if f.panics.Load() {
		panic("adapter exploded")
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			f.sawCancel.Store(true)
			return Result{}, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			f.sawCancel.Store(true)
			return Result{}, ctx.Err()
		}
	}
	if f.failing.Load() {
		return Result{}, errors.New("sync failed")
	}
	return Result{ItemsSynced: 1}, nil
}

func (f *fakeAdapter) HealthCheck(context.Context) (Status, error) {
	return Status{Healthy: true}, nil
}

func spec(id string, interval time.Duration) ProviderConfig {
	return ProviderConfig{
		ID:          id,
		Category:    "cloud",
		Interval:    interval,
		RetryMax:    3,
		BackoffBase: 5 * time.Millisecond,
		Enabled:     true,
	}
}

func newTestSupervisor(t *testing.T, adapters map[string]*fakeAdapter, specs ...ProviderConfig) *Supervisor {
	t.Helper()
	sup, err := New(Options{
		HistoryCapacity: 16,
		HealthInterval:  10 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}, specs, func(cfg ProviderConfig) (Adapter, error) {
		a, ok := adapters[cfg.ID]
		if !ok {
			t.Fatalf("no fake adapter for %s", cfg.ID)
		}
		return a, nil
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return sup
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", d, msg)
}

func TestNewRejectsDuplicateIDs(t *testing.T) {
	_, err := New(Options{}, []ProviderConfig{
		spec("a", time.Second),
		spec("a", time.Second),
	}, func(ProviderConfig) (Adapter, error) { return &fakeAdapter{}, nil })

	if err == nil {
		t.Fatal("expected error for duplicate ids")
	}
	if !IsConfigError(err) {
		t.Fatalf("expected ConfigError, got %T: %v", err, err)
	}
}

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	bad := spec("a", 0)
	_, err := New(Options{}, []ProviderConfig{bad}, func(ProviderConfig) (Adapter, error) {
		return &fakeAdapter{}, nil
	})
	if !IsConfigError(err) {
		t.Fatalf("expected ConfigError for zero interval, got %v", err)
	}
}

func TestNewSkipsDisabledProviders(t *testing.T) {
	disabled := spec("off", time.Second)
	disabled.Enabled = false
	sup, err := New(Options{}, []ProviderConfig{disabled}, func(ProviderConfig) (Adapter, error) {
		t.Fatal("factory called for disabled provider")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if len(sup.Providers()) != 0 {
		t.Fatalf("expected no providers, got %v", sup.Providers())
	}
}

func TestSingleFlightUnderConcurrentTriggers(t *testing.T) {
	fa := &fakeAdapter{delay: 30 * time.Millisecond}
	sup := newTestSupervisor(t, map[string]*fakeAdapter{"a": fa}, spec("a", 10*time.Millisecond))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sup.Stop()

	// Hammer the loop with triggers while attempts are slow.
	for i := 0; i < 30; i++ {
		_, _ = sup.Trigger("a")
		time.Sleep(3 * time.Millisecond)
	}
	waitFor(t, time.Second, func() bool { return fa.calls.Load() >= 3 }, "at least 3 attempts")

	if max := fa.maxSeen.Load(); max != 1 {
		t.Fatalf("single-flight violated: %d concurrent attempts observed", max)
	}
}

func TestTriggerWhileRunningCoalescesToOneRerun(t *testing.T) {
	fa := &fakeAdapter{release: make(chan struct{})}
	sup := newTestSupervisor(t, map[string]*fakeAdapter{"a": fa}, spec("a", time.Hour))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sup.Stop()

	// The first attempt runs immediately and blocks on release.
	waitFor(t, time.Second, func() bool { return fa.inFlight.Load() == 1 }, "first attempt in flight")

	for i := 0; i < 5; i++ {
		if _, err := sup.Trigger("a"); err != nil {
			t.Fatalf("Trigger failed: %v", err)
		}
	}
	close(fa.release)

	waitFor(t, time.Second, func() bool { return fa.calls.Load() == 2 }, "exactly one follow-up run")
	time.Sleep(50 * time.Millisecond)
	if got := fa.calls.Load(); got != 2 {
		t.Fatalf("expected exactly 2 attempts after coalescing, got %d", got)
	}
}

func TestConsecutiveFailuresIncrementAndReset(t *testing.T) {
	fa := &fakeAdapter{}
	fa.failing.Store(true)
	cfg := spec("a", 20*time.Millisecond)
	cfg.RetryMax = 2
	sup := newTestSupervisor(t, map[string]*fakeAdapter{"a": fa}, cfg)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sup.Stop()

	waitFor(t, 2*time.Second, func() bool {
		snap, _, _ := sup.StatusOf("a", 0)
		return snap.ConsecutiveFailures >= 3
	}, "failures accumulate past the retry budget")

	fa.failing.Store(false)
	waitFor(t, 2*time.Second, func() bool {
		snap, _, _ := sup.StatusOf("a", 0)
		return snap.ConsecutiveFailures == 0 && !snap.LastSuccessAt.IsZero()
	}, "success resets the failure counter")
}

func TestFailingProviderKeepsTickingAndReportsUnhealthy(t *testing.T) {
	fa := &fakeAdapter{}
	fa.failing.Store(true)
	cfg := spec("x", 15*time.Millisecond)
	cfg.RetryMax = 3
	sup := newTestSupervisor(t, map[string]*fakeAdapter{"x": fa}, cfg)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sup.Stop()

	waitFor(t, 3*time.Second, func() bool {
		return sup.Status().Providers["x"].Status == HealthUnhealthy
	}, "provider classified unhealthy")

	// The loop must keep attempting at its normal cadence, not terminate.
	before := fa.calls.Load()
	waitFor(t, 2*time.Second, func() bool { return fa.calls.Load() > before }, "loop still ticking")
}

func TestStopCancelsInFlightAttempt(t *testing.T) {
	fa := &fakeAdapter{release: make(chan struct{})}
	sup := newTestSupervisor(t, map[string]*fakeAdapter{"a": fa}, spec("a", time.Hour))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return fa.inFlight.Load() == 1 }, "attempt in flight")

	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !fa.sawCancel.Load() {
		t.Fatal("adapter did not observe cancellation")
	}

	snap, _, err := sup.StatusOf("a", 0)
	if err != nil {
		t.Fatalf("StatusOf failed: %v", err)
	}
	if snap.State != StateStopped {
		t.Fatalf("expected stopped state, got %s", snap.State)
	}

	// Idempotent.
	if err := sup.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

func TestAdapterPanicIsContained(t *testing.T) {
	fa := &fakeAdapter{}
	fa.panics.Store(true)
	healthy := &fakeAdapter{}
	sup := newTestSupervisor(t, map[string]*fakeAdapter{"bad": fa, "good": healthy},
		spec("bad", 15*time.Millisecond), spec("good", 15*time.Millisecond))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sup.Stop()

	waitFor(t, 2*time.Second, func() bool { return fa.calls.Load() >= 2 }, "panicking loop keeps running")
	waitFor(t, 2*time.Second, func() bool { return healthy.calls.Load() >= 2 }, "sibling loop unaffected")

	snap, hist, err := sup.StatusOf("bad", 1)
	if err != nil {
		t.Fatalf("StatusOf failed: %v", err)
	}
	if snap.ConsecutiveFailures == 0 {
		t.Error("expected failures recorded for panicking adapter")
	}
	if len(hist) == 0 || !hist[len(hist)-1].Fault {
		t.Errorf("expected fault-flagged result in history, got %+v", hist)
	}
}

func TestRestartPreservesHistoryAndResetsCounters(t *testing.T) {
	fa := &fakeAdapter{}
	fa.failing.Store(true)
	sup := newTestSupervisor(t, map[string]*fakeAdapter{"a": fa}, spec("a", 15*time.Millisecond))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sup.Stop()

	waitFor(t, 2*time.Second, func() bool {
		snap, _, _ := sup.StatusOf("a", 0)
		return snap.ConsecutiveFailures >= 2
	}, "failures accumulate before restart")

	_, histBefore, _ := sup.StatusOf("a", 0)
	// Stop failing so the fresh loop's immediate first attempt cannot bump
	// the counter between Restart and the assertion below.
	fa.failing.Store(false)
	if err := sup.Restart("a"); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}

	snap, histAfter, _ := sup.StatusOf("a", 0)
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("expected failure counter reset, got %d", snap.ConsecutiveFailures)
	}
	if snap.State == StateStopped {
		t.Errorf("expected a live loop after restart, got %s", snap.State)
	}
	if len(histAfter) < len(histBefore) {
		t.Errorf("history lost on restart: %d -> %d", len(histBefore), len(histAfter))
	}
}

func TestProbeCallsAdapterHealthCheck(t *testing.T) {
	fa := &fakeAdapter{}
	sup := newTestSupervisor(t, map[string]*fakeAdapter{"a": fa}, spec("a", time.Hour))

	st, err := sup.Probe(context.Background(), "a")
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if !st.Healthy {
		t.Errorf("expected healthy probe, got %+v", st)
	}
	if st.CheckedAt.IsZero() {
		t.Error("expected probe timestamp to be stamped")
	}

	if _, err := sup.Probe(context.Background(), "ghost"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestRestartUnknownProvider(t *testing.T) {
	sup := newTestSupervisor(t, map[string]*fakeAdapter{"a": {}}, spec("a", time.Second))
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sup.Stop()

	if err := sup.Restart("nope"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestRateFidelityAcrossIntervals(t *testing.T) {
	fa, fb, fc := &fakeAdapter{}, &fakeAdapter{}, &fakeAdapter{}
	sup := newTestSupervisor(t, map[string]*fakeAdapter{"a": fa, "b": fb, "c": fc},
		spec("a", 20*time.Millisecond),
		spec("b", 40*time.Millisecond),
		spec("c", 60*time.Millisecond))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	sup.Stop()

	if got := fa.calls.Load(); got < 5 {
		t.Errorf("provider a: expected >=5 attempts, got %d", got)
	}
	if got := fb.calls.Load(); got < 2 {
		t.Errorf("provider b: expected >=2 attempts, got %d", got)
	}
	if got := fc.calls.Load(); got < 1 {
		t.Errorf("provider c: expected >=1 attempt, got %d", got)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	fa := &fakeAdapter{}
	sup := newTestSupervisor(t, map[string]*fakeAdapter{"a": fa}, spec("a", 20*time.Millisecond))

	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	defer sup.Stop()

	waitFor(t, time.Second, func() bool { return fa.calls.Load() >= 2 }, "loop running")
	if max := fa.maxSeen.Load(); max != 1 {
		t.Fatalf("double Start launched duplicate loops: %d in flight", max)
	}
}

func TestStoppedProviderProducesNoResults(t *testing.T) {
	fa := &fakeAdapter{}
	sup := newTestSupervisor(t, map[string]*fakeAdapter{"a": fa}, spec("a", 10*time.Millisecond))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return fa.calls.Load() >= 1 }, "at least one attempt")
	sup.Stop()

	after := fa.calls.Load()
	time.Sleep(60 * time.Millisecond)
	if got := fa.calls.Load(); got != after {
		t.Fatalf("stopped loop kept producing attempts: %d -> %d", after, got)
	}
}
