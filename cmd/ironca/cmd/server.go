package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmcleod/ironca/api"
	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/telemetry"
)

const limiterSweepInterval = 5 * time.Minute

// sweeper is implemented by every api service.
type sweeper interface{ SweepLimiter() }

// serve runs handler on sc until SIGINT/SIGTERM, then shuts down within
// sc.ShutdownTimeout. onStop runs after the listener has drained.
func serve(ctx context.Context, name string, sc config.ServerConfig, handler http.Handler, svc sweeper, logger *slog.Logger, onStop func()) error {
	var tlsConfig *tls.Config
	if sc.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(sc.TLSCert, sc.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("serving plain HTTP; terminate TLS in front of this listener", "service", name)
	}

	server := &http.Server{
		Addr:              sc.Listen,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       sc.ReadTimeout,
		WriteTimeout:      sc.WriteTimeout,
		IdleTimeout:       sc.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		t := time.NewTicker(limiterSweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				svc.SweepLimiter()
			}
		}
	}()

	done := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(name)
	logger.Info("server started", "service", name, "listen", sc.Listen, "tls", tlsConfig != nil)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "service", name, "signal", sig.String())
		sctx, scancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
		defer scancel()
		if err := server.Shutdown(sctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		if onStop != nil {
			onStop()
		}
		return nil
	case err := <-done:
		if onStop != nil {
			onStop()
		}
		return err
	}
}

// boundary is the shared api wiring of one service.
type boundary struct {
	opts    []api.Option
	alerts  *api.Alerts
	cleanup func()
}

// newBoundary builds the shared api options from config.
func newBoundary(rt *runtime, sc config.ServerConfig) (*boundary, error) {
	proxies, err := api.ParseTrustedProxies(sc.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted_proxies: %w", err)
	}
	opts := []api.Option{api.WithLogger(rt.logger), api.WithTrustedProxies(proxies)}

	cleanup := func() {}
	var alertFn api.AlertFunc
	if url := rt.cfg.Alerts.WebhookURL; url != "" {
		wh := api.NewAlertWebhook(url, rt.cfg.Alerts.WebhookAuthHeader)
		alertFn = wh.Notify
		cleanup = wh.Close
	} else {
		alertFn = func(e api.AlertEvent) {
			rt.logger.Warn("alert", "type", string(e.Type), "message", e.Message, "count", e.Count)
		}
	}
	alerts := api.NewAlerts(alertFn)
	opts = append(opts, api.WithAlerts(alerts))
	return &boundary{opts: opts, alerts: alerts, cleanup: cleanup}, nil
}

// startTelemetry initialises OTLP export and the shared instruments.
func startTelemetry(ctx context.Context, rt *runtime) (*telemetry.Metrics, func(), error) {
	tc := rt.cfg.Telemetry
	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    tc.Endpoint,
		Insecure:    tc.Insecure,
		Interval:    tc.Interval,
		ServiceName: tc.ServiceName,
		Version:     Version,
	}, rt.logger)
	if err != nil {
		return nil, nil, err
	}
	m, err := telemetry.NewMetrics(nil)
	if err != nil {
		return nil, nil, err
	}
	stop := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			rt.logger.Warn("telemetry shutdown", "error", err)
		}
	}
	return m, stop, nil
}
