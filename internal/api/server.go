// Package api serves the HTTP control surface: lifecycle, status and the
// webhook intake.
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/syncmesh/syncmesh/internal/core"
	apitypes "github.com/syncmesh/syncmesh/pkg/api"
)

// Controller is the slice of the supervisor the server drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	Restart(id string) error
	Status() core.HealthSnapshot
	StatusOf(id string, n int) (*core.Snapshot, []core.Result, error)
	Running() bool
}

// Publisher accepts webhook events for routing. Satisfied by *core.EventBus.
type Publisher interface {
	Publish(ev core.Event) (core.Event, bool)
}

// Server wires the control routes onto a chi router.
type Server struct {
	ctl     Controller
	events  Publisher
	metrics http.Handler
	secret  []byte

	// base context for lifecycle starts issued over HTTP; loops must outlive
	// the request that started them.
	base context.Context
}

// New builds a server. secret enables webhook signature verification when
// non-empty; metrics may be nil to disable the exposition endpoint.
func New(base context.Context, ctl Controller, events Publisher, metrics http.Handler, secret string) *Server {
	return &Server{
		ctl:     ctl,
		events:  events,
		metrics: metrics,
		secret:  []byte(secret),
		base:    base,
	}
}

// Router assembles the route tree.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)

	r.Post("/start", s.handleStart)
	r.Post("/stop", s.handleStop)
	r.Get("/status", s.handleStatus)
	r.Route("/providers/{id}", func(r chi.Router) {
		r.Post("/restart", s.handleRestart)
		r.Get("/status", s.handleProviderStatus)
	})
	r.Post("/webhook", s.handleWebhook)
	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// Run serves until ctx is cancelled, then drains with a short deadline.
func (s *Server) Run(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctl.Start(s.base); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, apitypes.LifecycleResponse{Status: "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctl.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, apitypes.LifecycleResponse{Status: "stopped"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.ctl.Restart(id)
	switch {
	case errors.Is(err, core.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, "unknown provider: "+id)
	case errors.Is(err, core.ErrNotRunning):
		writeError(w, http.StatusConflict, "supervisor not running")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, apitypes.LifecycleResponse{Status: "restarted"})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	hs := s.ctl.Status()
	resp := apitypes.StatusResponse{
		Running:   s.ctl.Running(),
		Overall:   string(hs.Overall),
		Timestamp: hs.Timestamp,
		Providers: make(map[string]apitypes.ProviderHealth, len(hs.Providers)),
	}
	for id, ph := range hs.Providers {
		out := apitypes.ProviderHealth{
			Status:              string(ph.Status),
			State:               string(ph.State),
			ConsecutiveFailures: ph.ConsecutiveFailures,
		}
		if !ph.LastSuccessAt.IsZero() {
			t := ph.LastSuccessAt
			out.LastSuccessAt = &t
		}
		resp.Providers[id] = out
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n := 20
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = parsed
	}

	snap, history, err := s.ctl.StatusOf(id, n)
	if errors.Is(err, core.ErrUnknownProvider) {
		writeError(w, http.StatusNotFound, "unknown provider: "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := apitypes.ProviderStatusResponse{
		Provider:            snap.Provider,
		Category:            snap.Category,
		State:               string(snap.State),
		ConsecutiveFailures: snap.ConsecutiveFailures,
		Attempts:            snap.Attempts,
		History:             make([]apitypes.SyncResult, 0, len(history)),
	}
	if !snap.LastRunAt.IsZero() {
		t := snap.LastRunAt
		resp.LastRunAt = &t
	}
	if !snap.NextRunAt.IsZero() {
		t := snap.NextRunAt
		resp.NextRunAt = &t
	}
	if !snap.LastSuccessAt.IsZero() {
		t := snap.LastSuccessAt
		resp.LastSuccessAt = &t
	}
	for _, res := range history {
		resp.History = append(resp.History, apitypes.SyncResult{
			Provider:    res.Provider,
			StartedAt:   res.StartedAt,
			FinishedAt:  res.FinishedAt,
			Outcome:     string(res.Outcome),
			ItemsSynced: res.ItemsSynced,
			ItemsFailed: res.ItemsFailed,
			Error:       res.Error,
			Fault:       res.Fault,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	if len(s.secret) > 0 {
		if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var req apitypes.WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "parse body: "+err.Error())
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, "event_type required")
		return
	}

	ev, ok := s.events.Publish(core.Event{
		Type:         req.EventType,
		ProviderHint: req.ProviderHint,
		Payload:      req.Payload,
	})
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "event queue full")
		return
	}
	writeJSON(w, http.StatusAccepted, apitypes.WebhookResponse{
		EventID:    ev.ID,
		ReceivedAt: ev.ReceivedAt,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	hs := s.ctl.Status()
	status := http.StatusOK
	if s.ctl.Running() && hs.Overall == core.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": string(hs.Overall)})
}

// verifySignature checks a GitHub style sha256 HMAC over the raw body.
func (s *Server) verifySignature(body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apitypes.ErrorResponse{Error: msg})
}
