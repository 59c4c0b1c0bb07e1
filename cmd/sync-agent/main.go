// Package main provides the sync agent that runs beside an offline
// pharmacy terminal. It drains the local capture queue against the
// dispense API whenever the server is reachable.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/carepoint/dispensary/internal/offline"
	syncpkg "github.com/carepoint/dispensary/internal/sync"
)

// Config holds agent configuration, loaded from the environment with an
// optional .env file beside the binary.
type Config struct {
	QueuePath    string
	ServerURL    string
	APIKey       string
	SyncInterval time.Duration
	ProbeEvery   time.Duration
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := loadConfig(logger)

	queue, err := offline.Open(cfg.QueuePath, logger)
	if err != nil {
		logger.Fatal("failed to open capture queue", zap.Error(err))
	}
	defer queue.Close()

	// Entries left in syncing mean the previous run died mid-pass.
	if n, err := queue.ResetSyncing(); err != nil {
		logger.Fatal("queue recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered interrupted entries", zap.Int64("count", n))
	}

	client, err := syncpkg.NewHTTPClient(syncpkg.ClientConfig{
		BaseURL: cfg.ServerURL,
		APIKey:  cfg.APIKey,
	}, logger)
	if err != nil {
		logger.Fatal("failed to build replay client", zap.Error(err))
	}

	reconciler := syncpkg.NewReconciler(queue, client, logger, func(p syncpkg.Progress) {
		logger.Info("sync progress",
			zap.Int("synced", p.Synced),
			zap.Int("failed", p.Failed),
			zap.Int("skipped", p.Skipped),
			zap.Int("total", p.Total),
			zap.Float64("percent", p.Percent))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trigger := make(chan struct{}, 1)
	go probeConnectivity(ctx, cfg, trigger, logger)

	// SIGHUP forces a pass, for the "sync now" button.
	go func() {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				select {
				case trigger <- struct{}{}:
				default:
				}
			}
		}
	}()

	go reconciler.Run(ctx, trigger, cfg.SyncInterval)

	if count, err := queue.PendingCount(); err == nil {
		logger.Info("sync agent started",
			zap.String("server", cfg.ServerURL),
			zap.String("queue", cfg.QueuePath),
			zap.Int("pending", count))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()
	logger.Info("sync agent stopped")
}

// probeConnectivity polls the server health endpoint and fires the
// trigger on an offline-to-online transition.
func probeConnectivity(ctx context.Context, cfg Config, trigger chan<- struct{}, logger *zap.Logger) {
	client := &http.Client{Timeout: 5 * time.Second}
	online := false

	ticker := time.NewTicker(cfg.ProbeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.ServerURL+"/health", nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		reachable := err == nil && resp.StatusCode == http.StatusOK
		if resp != nil {
			resp.Body.Close()
		}

		if reachable && !online {
			logger.Info("server reachable, triggering sync")
			select {
			case trigger <- struct{}{}:
			default:
			}
		}
		online = reachable
	}
}

func loadConfig(logger *zap.Logger) Config {
	if err := godotenv.Load(); err == nil {
		logger.Info("loaded .env file")
	}

	cfg := Config{
		QueuePath:    envOr("QUEUE_PATH", "dispensary-queue.db"),
		ServerURL:    envOr("SERVER_URL", "http://localhost:8080"),
		APIKey:       os.Getenv("API_KEY"),
		SyncInterval: durationOr("SYNC_INTERVAL", 5*time.Minute),
		ProbeEvery:   durationOr("PROBE_INTERVAL", 30*time.Second),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
