package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/distlock/lockkeeper/internal/svcfields"
	"github.com/distlock/lockkeeper/memlock"
	"github.com/distlock/lockkeeper/metrics"
	"github.com/distlock/lockkeeper/worker"
)

func newServeCommand(baseLogger pslog.Logger) *cobra.Command {
	v := newViper("LOCKKEEPER")
	var lockName string
	var metricsListen string
	var statsInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve -- <command> [args...]",
		Short: "Hold the lock indefinitely, re-running the command each time it is acquired",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := settingsFromViper(v)
			if err != nil {
				return err
			}
			logger := svcfields.WithSubsystem(baseLogger, "cli.serve")

			payload := func(ctx context.Context) error {
				c := commandFromArgs(ctx, args)
				return c.Run()
			}

			registry := prometheus.NewRegistry()
			sink := metrics.NewPrometheusSink("lockkeeper", registry)

			w := worker.New(lockName, memlock.New(nil), settings, payload,
				worker.WithLogger(logger),
			)
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()

			var srv *http.Server
			var ln net.Listener
			if metricsListen != "" {
				srv, ln, err = startMetricsServer(metricsListen, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)
				if err != nil {
					return err
				}
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(ctx)
					_ = ln.Close()
				}()
			}

			if statsInterval <= 0 {
				statsInterval = 10 * time.Second
			}
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					w.Locker().Statistics().Dump(sink)
					return nil
				case <-ticker.C:
					w.Locker().Statistics().Dump(sink)
				}
			}
		},
	}
	cmd.Flags().StringVar(&lockName, "name", "lockkeeper-serve", "lock name shared by cooperating processes")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "address to serve /metrics on, e.g. :9090 (disabled if empty)")
	cmd.Flags().DurationVar(&statsInterval, "stats-interval", 10*time.Second, "how often to dump locker statistics into the metrics sink")
	addSettingsFlags(cmd, v)
	return cmd
}

func startMetricsServer(addr string, handler http.Handler, logger pslog.Logger) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("lockkeeper: metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("lockkeeper.metrics.serve_error", "error", err)
		}
	}()
	logger.Info("lockkeeper.metrics.enabled", "listen", addr)
	return srv, ln, nil
}
