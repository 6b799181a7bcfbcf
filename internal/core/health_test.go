package core

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	agg := newAggregator(time.Second, time.Minute, nil)
	now := time.Now()

	cases := []struct {
		name string
		snap Snapshot
		want Health
	}{
		{
			name: "recent success",
			snap: Snapshot{Interval: 30 * time.Second, RetryMax: 3, StartedAt: now.Add(-time.Hour), LastSuccessAt: now.Add(-10 * time.Second)},
			want: HealthHealthy,
		},
		{
			name: "failures within retry budget",
			snap: Snapshot{Interval: 30 * time.Second, RetryMax: 3, StartedAt: now.Add(-time.Hour), LastSuccessAt: now.Add(-10 * time.Second), ConsecutiveFailures: 2},
			want: HealthDegraded,
		},
		{
			name: "failures past retry budget",
			snap: Snapshot{Interval: 30 * time.Second, RetryMax: 3, StartedAt: now.Add(-time.Hour), LastSuccessAt: now.Add(-10 * time.Second), ConsecutiveFailures: 4},
			want: HealthUnhealthy,
		},
		{
			name: "never succeeded inside grace period",
			snap: Snapshot{Interval: 30 * time.Second, RetryMax: 3, StartedAt: now.Add(-10 * time.Second)},
			want: HealthHealthy,
		},
		{
			name: "never succeeded past grace period",
			snap: Snapshot{Interval: 30 * time.Second, RetryMax: 3, StartedAt: now.Add(-2 * time.Minute)},
			want: HealthUnhealthy,
		},
		{
			name: "stale success",
			snap: Snapshot{Interval: 30 * time.Second, RetryMax: 3, StartedAt: now.Add(-time.Hour), LastSuccessAt: now.Add(-5 * time.Minute)},
			want: HealthDegraded,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := agg.classify(&tc.snap, now); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestAggregatorOverallIsWorstOf(t *testing.T) {
	now := time.Now()
	snaps := []*Snapshot{
		{Provider: "ok", Interval: time.Minute, RetryMax: 3, StartedAt: now.Add(-time.Hour), LastSuccessAt: now},
		{Provider: "bad", Interval: time.Minute, RetryMax: 3, StartedAt: now.Add(-time.Hour), ConsecutiveFailures: 5},
	}
	agg := newAggregator(time.Second, time.Minute, func() []*Snapshot { return snaps })

	agg.poll()
	hs := agg.Latest()

	if hs.Overall != HealthUnhealthy {
		t.Fatalf("expected overall unhealthy, got %s", hs.Overall)
	}
	if hs.Providers["ok"].Status != HealthHealthy {
		t.Errorf("expected ok healthy, got %s", hs.Providers["ok"].Status)
	}
	if hs.Providers["bad"].ConsecutiveFailures != 5 {
		t.Errorf("expected failure count carried into snapshot, got %d", hs.Providers["bad"].ConsecutiveFailures)
	}
}

func TestAggregatorLatestBeforeFirstPoll(t *testing.T) {
	agg := newAggregator(time.Second, time.Minute, func() []*Snapshot { return nil })
	hs := agg.Latest()
	if hs.Providers == nil {
		t.Fatal("expected non-nil provider map before first poll")
	}
	if len(hs.Providers) != 0 {
		t.Fatalf("expected empty snapshot, got %d providers", len(hs.Providers))
	}
}
