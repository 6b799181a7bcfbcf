// Package api defines the wire types of the control API.
package api

import "time"

// WebhookRequest is the body of POST /webhook. ProviderHint routes the event
// to one provider; without it the event type's category decides the fanout.
type WebhookRequest struct {
	EventType    string         `json:"event_type"`
	ProviderHint string         `json:"provider_hint,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// WebhookResponse acknowledges an accepted event.
type WebhookResponse struct {
	EventID    string    `json:"event_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// ProviderHealth is one provider's classification inside a status response.
type ProviderHealth struct {
	Status              string     `json:"status"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Running   bool                      `json:"running"`
	Overall   string                    `json:"overall"`
	Timestamp time.Time                 `json:"timestamp"`
	Providers map[string]ProviderHealth `json:"providers"`
}

// SyncResult is one archived or in-memory sync attempt.
type SyncResult struct {
	Provider    string    `json:"provider"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Outcome     string    `json:"outcome"`
	ItemsSynced int       `json:"items_synced"`
	ItemsFailed int       `json:"items_failed"`
	Error       string    `json:"error,omitempty"`
	Fault       bool      `json:"fault,omitempty"`
}

// ProviderStatusResponse is the body of GET /providers/{id}/status.
type ProviderStatusResponse struct {
	Provider            string       `json:"provider"`
	Category            string       `json:"category"`
	State               string       `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Attempts            uint64       `json:"attempts"`
	LastRunAt           *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time   `json:"next_run_at,omitempty"`
	LastSuccessAt       *time.Time   `json:"last_success_at,omitempty"`
	History             []SyncResult `json:"history"`
}

// LifecycleResponse is returned by start, stop and restart.
type LifecycleResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
