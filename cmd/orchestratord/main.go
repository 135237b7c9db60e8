// Command orchestratord runs the control plane: the Orchestrator, the
// Watcher, the Cleanup Watchdog, and the HTTP API of spec.md §6, wired
// over one BoltDB store and one Blackboard.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/netexp/orchestrator/internal/blackboard"
	"github.com/netexp/orchestrator/internal/cleanup"
	"github.com/netexp/orchestrator/internal/connector"
	"github.com/netexp/orchestrator/internal/connectors/httpconnector"
	"github.com/netexp/orchestrator/internal/connectors/shellconnector"
	"github.com/netexp/orchestrator/internal/eventbus"
	"github.com/netexp/orchestrator/internal/httpapi"
	"github.com/netexp/orchestrator/internal/orchestrator"
	"github.com/netexp/orchestrator/internal/platform/logging"
	"github.com/netexp/orchestrator/internal/platform/otelinit"
	"github.com/netexp/orchestrator/internal/policygate"
	"github.com/netexp/orchestrator/internal/store"
	"github.com/netexp/orchestrator/internal/watcher"
)

const serviceName = "orchestratord"

func main() {
	logging.Init(serviceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, serviceName)
	meter := otel.GetMeterProvider().Meter(serviceName)

	st, err := store.Open(getEnv("ORCH_DB_PATH", "./data"), meter)
	if err != nil {
		slog.Error("open store failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	bb, err := blackboard.Open(getEnv("ORCH_BLACKBOARD_PATH", "./data/blackboard"))
	if err != nil {
		slog.Error("open blackboard failed", "error", err)
		os.Exit(1)
	}
	defer bb.Close()

	reg := connector.NewRegistry()
	shell := shellconnector.New("shell", getEnv("GATEWAY_ENDPOINT", "http://localhost:8080"), getEnv("ORCH_EXECUTOR_BINARY", "./executor"))
	shell.SetAuthToken(os.Getenv("ORCH_EXECUTOR_TOKEN"))
	reg.Register(shell)
	reg.Register(httpconnector.New("http", getEnv("HTTP_CONNECTOR_ENDPOINT", "")))

	orch := orchestrator.New(st, reg, meter)

	if dir := os.Getenv("ORCH_POLICY_DIR"); dir != "" {
		gate, err := policygate.Load(ctx, dir, meter)
		if err != nil {
			slog.Error("policy gate load failed, continuing with no policy enforcement", "error", err)
		} else {
			orch.SetPolicyGate(gate)
		}
	}

	var bus *eventbus.Bus
	if url := os.Getenv("ORCH_NATS_URL"); url != "" {
		bus, err = eventbus.Connect(url)
		if err != nil {
			slog.Error("event bus connect failed, continuing without notifications", "error", err)
			bus = nil
		} else {
			defer bus.Close()
		}
	}
	orch.SetEventBus(bus)

	w := watcher.New(st, bb, meter)
	w.SetEventBus(bus)
	go w.Run(ctx)

	wd := cleanup.New(st, reg, meter)
	if err := wd.Start(ctx); err != nil {
		slog.Error("cleanup watchdog start failed", "error", err)
		os.Exit(1)
	}

	var jwtSecret []byte
	if s := os.Getenv("ORCH_JWT_SECRET"); s != "" {
		jwtSecret = []byte(s)
	}
	api := httpapi.New(orch, st, bb, reg, jwtSecret, meter)

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	srv := &http.Server{
		Addr:         ":" + getEnv("ORCH_PORT", "8080"),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting orchestratord", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if err := wd.Stop(shutdownCtx); err != nil {
		slog.Error("cleanup watchdog stop error", "error", err)
	}

	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
