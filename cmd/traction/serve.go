package main

import (
	"context"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"traction/internal/adapters/runs"
	"traction/internal/core"
)

func newServeCommand(a *app) *cobra.Command {
	var trace bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run construction HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := a.logger(cmd.ErrOrStderr())
			recorder, metrics := newMetrics(a.cfg.Metrics.Backend)
			opts := []core.Option{core.WithMetricsRecorder(recorder)}
			if trace {
				opts = append(opts, core.WithTracer(core.NewJSONTracer(cmd.ErrOrStderr())))
			}
			d, err := a.build(ctx, logger, opts...)
			if err != nil {
				return err
			}
			defer func() {
				if err := d.Close(); err != nil {
					logger.Warn("close resources", "error", err)
				}
			}()

			e := newServer(d.service, logger, metrics)
			errCh := make(chan error, 1)
			go func() {
				logger.Info("starting traction", "addr", a.cfg.HTTP.Addr)
				errCh <- e.Start(a.cfg.HTTP.Addr)
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			logger.Info("shutting down")
			return e.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().Bool("archive", false, "archive committed submissions in the blob store")
	cmd.Flags().String("redis-addr", "", "Redis address for cross-process run locks")
	cmd.Flags().BoolVar(&trace, "trace", false, "write JSON spans to stderr")
	cmd.Flags().String("metrics", "prometheus", "metrics backend (prometheus|expvar)")
	_ = a.v.BindPFlag("metrics.backend", cmd.Flags().Lookup("metrics"))
	_ = a.v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	_ = a.v.BindPFlag("archive", cmd.Flags().Lookup("archive"))
	_ = a.v.BindPFlag("redis.addr", cmd.Flags().Lookup("redis-addr"))
	return cmd
}

// metricsEndpoint is the route serving recorder output.
type metricsEndpoint struct {
	path    string
	handler http.Handler
}

// newMetrics returns the recorder for backend and the endpoint exposing it.
func newMetrics(backend string) (core.MetricsRecorder, metricsEndpoint) {
	if backend == "expvar" {
		return core.NewExpvarMetricsRecorder(""), metricsEndpoint{path: "/debug/vars", handler: expvar.Handler()}
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return core.NewPrometheusMetricsRecorder(reg), metricsEndpoint{
		path:    "/metrics",
		handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

// newServer builds the HTTP server: the run API, health and metrics.
func newServer(svc runs.Service, logger *slog.Logger, metrics metricsEndpoint) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status,
				"latency", v.Latency.Round(time.Microsecond), "request_id", v.RequestID)
			return nil
		},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "traction"})
	})
	if metrics.handler != nil {
		e.GET(metrics.path, echo.WrapHandler(metrics.handler))
	}
	runs.NewHandler(svc).Register(e)
	return e
}
