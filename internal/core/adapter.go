package core

import (
	"context"
	"time"
)

// Outcome classifies a single sync attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Result is the immutable record of one sync attempt.
type Result struct {
	Provider    string    `json:"provider"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Outcome     Outcome   `json:"outcome"`
	ItemsSynced int       `json:"items_synced"`
	ItemsFailed int       `json:"items_failed"`
	Error       string    `json:"error,omitempty"`
	// Fault marks results produced by a panicking or misbehaving adapter,
	// as opposed to an ordinary failed call.
	Fault bool `json:"fault,omitempty"`
}

// Duration returns the wall time the attempt took.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Failed reports whether the attempt counts against the failure budget.
// Partial results carry errors but still reset the failure counter.
func (r Result) Failed() bool {
	return r.Outcome == OutcomeFailure
}

// Status is an adapter's self-reported health probe result.
type Status struct {
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Adapter is the contract every concrete provider implements. Both calls
// must honor cancellation from the supplied context and be safe to invoke
// repeatedly; Sync must tolerate at-least-once retries.
type Adapter interface {
	Sync(ctx context.Context) (Result, error)
	HealthCheck(ctx context.Context) (Status, error)
}

// ProviderConfig is the immutable per-provider configuration handed to the
// Supervisor at start. It only changes through an explicit Restart.
type ProviderConfig struct {
	ID          string
	Category    string
	Interval    time.Duration
	Timeout     time.Duration
	RetryMax    int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Enabled     bool
}

// AdapterFactory builds the adapter for one provider. Supplied by the caller
// of New; built-in factories live in internal/adapters.
type AdapterFactory func(cfg ProviderConfig) (Adapter, error)

// State is the lifecycle state of a sync loop.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateBackoff State = "backoff"
	StateStopped State = "stopped"
)

// Health classifies a provider for status reporting. Derived by the
// aggregator, never stored by the loop itself.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)
