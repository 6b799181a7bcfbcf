package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/syncmesh/syncmesh/internal/config"
	"github.com/syncmesh/syncmesh/internal/core"
)

// HTTPAdapter syncs against an upstream REST API. It covers every category
// whose provider is an API endpoint: cloud, cache, queue, search, ml and
// graphql. Sync POSTs the sync path; HealthCheck GETs the health path.
type HTTPAdapter struct {
	provider   string
	endpoint   string
	syncPath   string
	healthPath string
	token      string
	client     *RetryableClient
}

// NewHTTPAdapter builds an adapter from a provider entry. The bearer token
// is resolved from the environment so it never lands in the config file.
func NewHTTPAdapter(p config.Provider) (core.Adapter, error) {
	if p.Endpoint == "" {
		return nil, fmt.Errorf("provider %s: endpoint required", p.ID)
	}
	var token string
	if p.TokenEnv != "" {
		token = os.Getenv(p.TokenEnv)
		if token == "" {
			return nil, fmt.Errorf("provider %s: %s not set", p.ID, p.TokenEnv)
		}
	}
	syncPath := p.SyncPath
	if syncPath == "" {
		syncPath = "/sync"
	}
	healthPath := p.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}
	return &HTTPAdapter{
		provider:   p.ID,
		endpoint:   strings.TrimRight(p.Endpoint, "/"),
		syncPath:   syncPath,
		healthPath: healthPath,
		token:      token,
		client:     NewRetryableClient(time.Duration(p.TimeoutSeconds)*time.Second, DefaultRetryConfig()),
	}, nil
}

// syncResponse is the upstream's report of what one sync pass moved.
type syncResponse struct {
	ItemsSynced int `json:"items_synced"`
	ItemsFailed int `json:"items_failed"`
}

func (a *HTTPAdapter) Sync(ctx context.Context) (core.Result, error) {
	res := core.Result{Provider: a.provider, StartedAt: time.Now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+a.syncPath, strings.NewReader("{}"))
	if err != nil {
		return res, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return res, fmt.Errorf("sync %s: %w", a.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return res, fmt.Errorf("sync %s: upstream status %d: %s", a.provider, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var sr syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil && err != io.EOF {
		return res, fmt.Errorf("sync %s: decode response: %w", a.provider, err)
	}
	res.ItemsSynced = sr.ItemsSynced
	res.ItemsFailed = sr.ItemsFailed
	if sr.ItemsFailed > 0 && sr.ItemsSynced > 0 {
		res.Outcome = core.OutcomePartial
	} else if sr.ItemsFailed > 0 {
		res.Outcome = core.OutcomeFailure
		res.Error = fmt.Sprintf("upstream reported %d failed items", sr.ItemsFailed)
	} else {
		res.Outcome = core.OutcomeSuccess
	}
	res.FinishedAt = time.Now()
	return res, nil
}

func (a *HTTPAdapter) HealthCheck(ctx context.Context) (core.Status, error) {
	st := core.Status{CheckedAt: time.Now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+a.healthPath, nil)
	if err != nil {
		return st, fmt.Errorf("create request: %w", err)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		st.Detail = err.Error()
		return st, nil
	}
	defer resp.Body.Close()

	st.Healthy = resp.StatusCode < 400
	if !st.Healthy {
		st.Detail = fmt.Sprintf("upstream status %d", resp.StatusCode)
	}
	return st, nil
}
