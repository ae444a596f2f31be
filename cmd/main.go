// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main provides a reference orchestrator that drives one
// transport backend from a single polling loop, with reconnect
// backoff, a circuit breaker, rate-limited telemetry, Prometheus
// metrics, and health endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/absmach/devlink"
	"github.com/absmach/devlink/examples/simple"
	"github.com/absmach/devlink/pkg/backend"
	"github.com/absmach/devlink/pkg/breaker"
	"github.com/absmach/devlink/pkg/coap"
	"github.com/absmach/devlink/pkg/health"
	"github.com/absmach/devlink/pkg/metrics"
	"github.com/absmach/devlink/pkg/mqtt"
	"github.com/absmach/devlink/pkg/ratelimit"
)

const envPrefix = "DEVLINK_"

// appConfig holds orchestrator-level settings; the backend connection
// itself is configured through devlink.Config under the same prefix.
type appConfig struct {
	Protocol string `env:"PROTOCOL" envDefault:"mqtt"`

	PollInterval      time.Duration `env:"POLL_INTERVAL"      envDefault:"500ms"`
	TelemetryInterval time.Duration `env:"TELEMETRY_INTERVAL" envDefault:"10s"`

	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`

	RateCapacity int64 `env:"RATE_CAPACITY" envDefault:"60"`
	RateRefill   int64 `env:"RATE_REFILL"   envDefault:"1"`

	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
}

// telemetry is the sample uplink message body.
type telemetry struct {
	Seq       uint64 `json:"seq"`
	UptimeSec int64  `json:"uptime_sec"`
	Timestamp int64  `json:"ts"`
}

func main() {
	// A .env file is optional; deployments configure through the environment.
	_ = godotenv.Load()

	var cfg appConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)

	connCfg, err := devlink.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		logger.Error("failed to load connection config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	backendCfg, err := connCfg.Backend()
	if err != nil {
		logger.Error("failed to build backend config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New("devlink")
	backendCfg.Logger = logger
	backendCfg.Metrics = m

	var be backend.Backend
	switch cfg.Protocol {
	case "coap":
		be = coap.New()
	case "mqtt":
		be = mqtt.New()
	default:
		logger.Error("unknown protocol", slog.String("protocol", cfg.Protocol))
		os.Exit(1)
	}

	// Session flags flipped by backend events and read by the poll loop.
	var connected, degraded, rebootRequested atomic.Bool

	logHandler := simple.New(logger)
	eventHandler := func(evt backend.Event) {
		logHandler.Handle(evt)
		switch evt.Type {
		case backend.EventReady:
			connected.Store(true)
		case backend.EventDisconnected:
			connected.Store(false)
			degraded.Store(true)
		case backend.EventError:
			degraded.Store(true)
		case backend.EventFotaDone:
			rebootRequested.Store(true)
		}
	}

	if err := be.Init(backendCfg, eventHandler); err != nil {
		logger.Error("backend init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	cb := breaker.New(breaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
	})
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	})

	limiter := ratelimit.NewTokenBucket(cfg.RateCapacity, cfg.RateRefill)

	checker := health.NewChecker(5 * time.Second)
	checker.Register("backend", func(ctx context.Context) error {
		if !connected.Load() {
			return fmt.Errorf("%s backend not connected", cfg.Protocol)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveHTTP(ctx, cfg.MetricsPort, promhttp.Handler(), logger, "metrics")
	})
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", checker.Handler())
		mux.HandleFunc("/live", health.LivenessHandler())
		return serveHTTP(ctx, cfg.HealthPort, mux, logger, "health")
	})
	g.Go(func() error {
		return run(ctx, cfg, be, cb, limiter, logger, &connected, &degraded, &rebootRequested)
	})
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("devlink terminated with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("devlink stopped")
}

// run owns the backend for its whole lifetime: connect with backoff,
// poll for input, ping before the keep-alive deadline, publish
// telemetry, and reconnect when the session degrades.
func run(ctx context.Context, cfg appConfig, be backend.Backend, cb *breaker.CircuitBreaker,
	limiter *ratelimit.TokenBucket, logger *slog.Logger,
	connected, degraded, rebootRequested *atomic.Bool,
) error {
	defer be.Disconnect()

	var seq uint64
	start := time.Now()

	poll := time.NewTicker(cfg.PollInterval)
	defer poll.Stop()
	uplink := time.NewTicker(cfg.TelemetryInterval)
	defer uplink.Stop()

	if err := connect(ctx, be, cb, logger); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-poll.C:
			if rebootRequested.Load() {
				logger.Info("firmware update complete, exiting for reboot")
				return nil
			}

			if degraded.Load() {
				degraded.Store(false)
				connected.Store(false)
				be.Disconnect()
				if err := connect(ctx, be, cb, logger); err != nil {
					return err
				}
				continue
			}

			if err := be.Input(); err != nil {
				logger.Error("input failed", slog.String("error", err.Error()))
			}
			if be.KeepaliveTimeLeft() < 2*cfg.PollInterval {
				if err := be.Ping(); err != nil {
					logger.Error("ping failed", slog.String("error", err.Error()))
					degraded.Store(true)
				}
			}

		case <-uplink.C:
			if !connected.Load() {
				continue
			}
			if !limiter.Allow() {
				logger.Warn("telemetry rate limited")
				continue
			}

			seq++
			body, err := json.Marshal(telemetry{
				Seq:       seq,
				UptimeSec: int64(time.Since(start).Seconds()),
				Timestamp: time.Now().Unix(),
			})
			if err != nil {
				logger.Error("failed to encode telemetry", slog.String("error", err.Error()))
				continue
			}

			sendCtx, sendCancel := context.WithTimeout(ctx, 10*time.Second)
			err = be.Send(sendCtx, backend.TxData{
				Payload: body,
				Topic:   backend.TopicMsg,
				QoS:     backend.QoSAtLeastOnce,
			})
			sendCancel()
			if err != nil {
				logger.Error("send failed", slog.String("error", err.Error()))
				degraded.Store(true)
			}
		}
	}
}

// connect retries the backend connect under exponential backoff and the
// circuit breaker until it succeeds or the context ends.
func connect(ctx context.Context, be backend.Backend, cb *breaker.CircuitBreaker, logger *slog.Logger) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry until cancelled

	op := func() error {
		if err := cb.Allow(); err != nil {
			return err
		}

		connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
		err := be.Connect(connectCtx)
		connectCancel()
		if err != nil {
			cb.Failure()
			logger.Warn("connect attempt failed", slog.String("error", err.Error()))
			return err
		}

		cb.Success()
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	logger.Info("backend connected")
	return nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func serveHTTP(ctx context.Context, port int, handler http.Handler, logger *slog.Logger, name string) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("server started", slog.String("name", name), slog.String("address", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
