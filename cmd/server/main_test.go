package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	httpAdapter "github.com/iho/sagaledger/internal/adapter/http"
	"github.com/iho/sagaledger/internal/app"
	"github.com/iho/sagaledger/internal/infrastructure/config"
)

func memoryApp(t *testing.T, reg prometheus.Registerer) *app.App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "compliance.yaml")
	if err := os.WriteFile(path, []byte("rules: []\n"), 0o600); err != nil {
		t.Fatalf("write compliance file: %v", err)
	}

	cfg := &config.Config{
		StoreBackend:      config.StoreMemory,
		ComplianceBackend: config.ComplianceFile,
		ComplianceFile:    path,
		BankGateway:       config.BankGatewayLog,
		OutboxBatchSize:   10,
	}
	a, err := app.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), app.Options{Registerer: reg})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestRouterConfig_MemoryBackend(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := memoryApp(t, reg)

	cfg := routerConfig(a, reg, zerolog.Nop())
	if cfg.IdempotencyStore != nil {
		t.Fatalf("expected no idempotency store without redis")
	}

	router := httpAdapter.NewRouter(cfg)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected /ready to return 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected /metrics to return 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sagaledger_http_requests_total") {
		t.Fatalf("expected http request metrics in /metrics output")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compliance.yaml")
	if err := os.WriteFile(path, []byte("rules: []\n"), 0o600); err != nil {
		t.Fatalf("write compliance file: %v", err)
	}

	cfg := &config.Config{
		StoreBackend:        config.StoreMemory,
		ComplianceBackend:   config.ComplianceFile,
		ComplianceFile:      path,
		BankGateway:         config.BankGatewayLog,
		HTTPPort:            "0",
		HTTPShutdownTimeout: time.Second,
		RateLimitRPS:        10,
		RateLimitBurst:      10,
		OutboxBatchSize:     10,
		OutboxPollInterval:  10 * time.Millisecond,
		MonitorInterval:     10 * time.Millisecond,
		LogLevel:            "error",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := run(ctx, cfg, zerolog.Nop()); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}
