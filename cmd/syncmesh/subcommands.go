package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/syncmesh/syncmesh/internal/adapters"
	apiserver "github.com/syncmesh/syncmesh/internal/api"
	"github.com/syncmesh/syncmesh/internal/config"
	"github.com/syncmesh/syncmesh/internal/core"
	"github.com/syncmesh/syncmesh/internal/store"
	"github.com/syncmesh/syncmesh/internal/telemetry"
	apitypes "github.com/syncmesh/syncmesh/pkg/api"
)

// Create the serve command
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync supervisor and control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.New()

	var archive *store.Store
	if cfg.Orchestrator.ArchivePath != "" {
		var err error
		archive, err = store.Open(cfg.Orchestrator.ArchivePath)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer archive.Close()
	}

	registry := adapters.DefaultRegistry()
	sup, err := core.New(cfg.Options(), cfg.Runtime(), adapters.SupervisorFactory(registry, cfg))
	if err != nil {
		return err
	}

	sup.SetResultHook(func(res core.Result) {
		metrics.ObserveResult(res)
		if archive != nil {
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := archive.Append(wctx, res); err != nil {
				log.Warn().Err(err).Str("provider", res.Provider).Msg("archive write failed")
			}
		}
	})
	sup.Events().SetObserver(metrics.ObserveEvent)

	// Loops run on their own context so an HTTP stop/start cycle is not tied
	// to the signal context.
	if err := sup.Start(context.Background()); err != nil {
		return err
	}
	defer func() {
		if err := sup.Stop(); err != nil {
			log.Error().Err(err).Msg("supervisor stop")
		}
	}()

	go mirrorHealth(ctx, sup, metrics, cfg.Options().HealthInterval)

	srv := apiserver.New(context.Background(), sup, sup.Events(), metrics.Handler(), cfg.Server.WebhookSecret)
	log.Info().Str("listen", cfg.Server.Listen).Int("providers", len(sup.Providers())).Msg("syncmesh serving")
	if err := srv.Run(ctx, cfg.Server.Listen); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// mirrorHealth copies the aggregator's view into the Prometheus gauges on the
// same cadence the aggregator polls.
func mirrorHealth(ctx context.Context, sup *core.Supervisor, metrics *telemetry.Metrics, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			metrics.ObserveHealth(sup.Status())
		}
	}
}

// Create the check command
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			registry := adapters.DefaultRegistry()
			known := map[string]bool{}
			for _, c := range registry.Categories() {
				known[c] = true
			}
			for _, p := range cfg.Providers {
				if !known[p.Category] {
					return fmt.Errorf("provider %s: unknown category %s", p.ID, p.Category)
				}
			}
			fmt.Printf("config ok: %d providers, listen %s\n", len(cfg.Providers), cfg.Server.Listen)
			return nil
		},
	}
}

// Create the status command
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			resp, err := http.Get(addr + "/status")
			if err != nil {
				return fmt.Errorf("query status: %w", err)
			}
			defer resp.Body.Close()

			var st apitypes.StatusResponse
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			fmt.Printf("running: %v\noverall: %s\n", st.Running, st.Overall)
			for id, ph := range st.Providers {
				fmt.Printf("  %-20s %-10s state=%-8s failures=%d\n", id, ph.Status, ph.State, ph.ConsecutiveFailures)
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "http://127.0.0.1:8080", "daemon address")
	return cmd
}

// Create the trigger command
func newTriggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <event_type>",
		Short: "Send a webhook event to a running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			provider, _ := cmd.Flags().GetString("provider")

			body, err := json.Marshal(apitypes.WebhookRequest{
				EventType:    args[0],
				ProviderHint: provider,
			})
			if err != nil {
				return err
			}

			req, err := http.NewRequest(http.MethodPost, addr+"/webhook", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if secret := os.Getenv("SYNCMESH_WEBHOOK_SECRET"); secret != "" {
				mac := hmac.New(sha256.New, []byte(secret))
				mac.Write(body)
				req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("send event: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				var apiErr apitypes.ErrorResponse
				_ = json.NewDecoder(resp.Body).Decode(&apiErr)
				return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, apiErr.Error)
			}
			var ack apitypes.WebhookResponse
			if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
				return err
			}
			fmt.Printf("accepted: %s\n", ack.EventID)
			return nil
		},
	}
	cmd.Flags().String("addr", "http://127.0.0.1:8080", "daemon address")
	cmd.Flags().String("provider", "", "route the event to one provider")
	return cmd
}
