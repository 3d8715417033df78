// Package config defines the server's runtime defaults, environment
// overrides and validation.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/omochice/framechat/internal/logger"
	"github.com/omochice/framechat/internal/tracing"
	"github.com/omochice/framechat/pkg/frame"
)

// Config holds the server configuration.
type Config struct {
	ListenAddr  string
	MetricsAddr string

	FanoutCapacity int
	StatusCapacity int
	ReadBufferSize int

	MaxBulkLen  int
	MaxArrayLen int
	MaxDepth    int
	MaxFrameLen int

	WebSocket     bool
	WebSocketPath string
	Welcome       string

	LogLevel  string
	LogFormat string

	TraceExporter string
}

// Default returns the built-in configuration.
func Default() Config {
	limits := frame.DefaultLimits()
	return Config{
		ListenAddr:     "127.0.0.1:8080",
		FanoutCapacity: 32,
		StatusCapacity: 16,
		ReadBufferSize: 512 * 1024,
		MaxBulkLen:     limits.MaxBulkLen,
		MaxArrayLen:    limits.MaxArrayLen,
		MaxDepth:       limits.MaxDepth,
		MaxFrameLen:    limits.MaxFrameLen,
		WebSocket:      true,
		WebSocketPath:  "/ws",
		Welcome:        "Welcome!",
		LogLevel:       "info",
		LogFormat:      logger.FormatText,
		TraceExporter:  tracing.ExporterNone,
	}
}

// FromEnv returns the defaults overridden by FRAMECHAT_* environment
// variables. Values that do not parse keep their default.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("FRAMECHAT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FRAMECHAT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	cfg.FanoutCapacity = intEnv("FRAMECHAT_FANOUT_CAPACITY", cfg.FanoutCapacity)
	cfg.StatusCapacity = intEnv("FRAMECHAT_STATUS_CAPACITY", cfg.StatusCapacity)
	cfg.ReadBufferSize = intEnv("FRAMECHAT_READ_BUFFER", cfg.ReadBufferSize)
	cfg.MaxBulkLen = intEnv("FRAMECHAT_MAX_BULK", cfg.MaxBulkLen)
	cfg.MaxArrayLen = intEnv("FRAMECHAT_MAX_ARRAY", cfg.MaxArrayLen)
	cfg.MaxDepth = intEnv("FRAMECHAT_MAX_DEPTH", cfg.MaxDepth)
	cfg.MaxFrameLen = intEnv("FRAMECHAT_MAX_FRAME", cfg.MaxFrameLen)

	if v := os.Getenv("FRAMECHAT_WEBSOCKET"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WebSocket = b
		}
	}
	if v := os.Getenv("FRAMECHAT_WS_PATH"); v != "" {
		cfg.WebSocketPath = v
	}
	if v := os.Getenv("FRAMECHAT_WELCOME"); v != "" {
		cfg.Welcome = v
	}
	if v := os.Getenv("FRAMECHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FRAMECHAT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("FRAMECHAT_TRACE_EXPORTER"); v != "" {
		cfg.TraceExporter = v
	}

	return cfg
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return def
}

// Limits returns the inbound frame limits.
func (c Config) Limits() frame.Limits {
	return frame.Limits{
		MaxBulkLen:  c.MaxBulkLen,
		MaxArrayLen: c.MaxArrayLen,
		MaxDepth:    c.MaxDepth,
		MaxFrameLen: c.MaxFrameLen,
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen address %q: %w", c.ListenAddr, err))
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("metrics address %q: %w", c.MetricsAddr, err))
		}
	}
	for name, v := range map[string]int{
		"fan-out capacity":  c.FanoutCapacity,
		"status capacity":   c.StatusCapacity,
		"read buffer size":  c.ReadBufferSize,
		"max bulk length":   c.MaxBulkLen,
		"max array length":  c.MaxArrayLen,
		"max nesting depth": c.MaxDepth,
		"max frame length":  c.MaxFrameLen,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if c.MaxFrameLen > 0 && c.MaxFrameLen < c.MaxBulkLen {
		errs = append(errs, fmt.Errorf("max frame length %d is below max bulk length %d", c.MaxFrameLen, c.MaxBulkLen))
	}
	if c.WebSocket && !strings.HasPrefix(c.WebSocketPath, "/") {
		errs = append(errs, fmt.Errorf("websocket path %q must start with /", c.WebSocketPath))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", logger.FormatText, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if _, err := tracing.ParseExporter(c.TraceExporter); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
