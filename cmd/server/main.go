package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/omochice/framechat/internal/config"
	"github.com/omochice/framechat/internal/logger"
	"github.com/omochice/framechat/internal/metrics"
	"github.com/omochice/framechat/internal/server"
	"github.com/omochice/framechat/internal/tracing"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.FromEnv()

	cmd := &cobra.Command{
		Use:          "framechat-server",
		Short:        "Run the chat server",
		Long:         "Serve the chat on one port, accepting raw frame streams and WebSocket upgrades.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to accept chat connections on")
	f.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "address for /metrics and /healthz (disabled when empty)")
	f.IntVar(&cfg.FanoutCapacity, "fanout-capacity", cfg.FanoutCapacity, "messages buffered per subscriber before it is dropped")
	f.IntVar(&cfg.StatusCapacity, "status-capacity", cfg.StatusCapacity, "buffered presence updates")
	f.IntVar(&cfg.ReadBufferSize, "read-buffer", cfg.ReadBufferSize, "initial receive buffer per connection in bytes")
	f.IntVar(&cfg.MaxBulkLen, "max-bulk", cfg.MaxBulkLen, "largest accepted bulk string in bytes")
	f.IntVar(&cfg.MaxArrayLen, "max-array", cfg.MaxArrayLen, "largest accepted array")
	f.IntVar(&cfg.MaxDepth, "max-depth", cfg.MaxDepth, "deepest accepted array nesting")
	f.IntVar(&cfg.MaxFrameLen, "max-frame", cfg.MaxFrameLen, "largest accepted frame in bytes")
	f.BoolVar(&cfg.WebSocket, "websocket", cfg.WebSocket, "accept WebSocket upgrades on the same port")
	f.StringVar(&cfg.WebSocketPath, "ws-path", cfg.WebSocketPath, "request path for WebSocket upgrades")
	f.StringVar(&cfg.Welcome, "welcome", cfg.Welcome, "text sent to a client after login")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	f.StringVar(&cfg.TraceExporter, "trace-exporter", cfg.TraceExporter, "none or stdout (spans written to stderr)")

	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewProvider(cfg.TraceExporter, os.Stderr)
	if err != nil {
		return err
	}
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx, tp); err != nil {
			log.Warn("failed to flush spans", "err", err)
		}
	}()

	reg := metrics.NewRegistry()
	srv := server.New(cfg,
		server.WithLogger(log),
		server.WithMetrics(metrics.New(reg)),
		server.WithTracer(tp.Tracer("github.com/omochice/framechat")),
	)
	if err := srv.Listen(); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		admin := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Router(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("admin server listening", "addr", cfg.MetricsAddr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(shutdownCtx)
		}()
	}

	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
