package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/parcelsync/parcelsync.go/pkg/logger"
	"github.com/parcelsync/parcelsync.go/pkg/metrics"
)

type globalFlags struct {
	configPath  string
	logLevel    string
	logFile     string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "parcelsync",
		Short: "Offline-tolerant client for the plots API",
		Long: `parcelsync keeps plot listings available when the API is not.

Configuration is read from defaults, then --config, then PARCELSYNC_*
environment variables (for example PARCELSYNC_BASE_URL).

Examples:
  parcelsync fake-server --addr 127.0.0.1:8080
  PARCELSYNC_BASE_URL=http://127.0.0.1:8080 parcelsync watch --city Lisbon`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "append logs to this file instead of stdout")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(newWatchCmd(flags))
	root.AddCommand(newFakeServerCmd(flags))
	return root
}

// newLogger builds the zerolog logger selected by the global flags.
func (f *globalFlags) newLogger() (*logger.LogData, error) {
	level, err := zerolog.ParseLevel(f.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	build := logger.FromBuild().WithLevel(level)
	if f.logFile != "" {
		build = build.FromPath(f.logFile)
	}
	return build.Make()
}

// newMetrics registers the parcelsync collectors and, when --metrics-addr
// is set, serves them until the returned stop function is called.
func (f *globalFlags) newMetrics(log logger.Logger) (*metrics.Metrics, func(), error) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, nil, err
	}
	if f.metricsAddr == "" {
		return m, func() {}, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: f.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	log.Info("serving metrics", "addr", f.metricsAddr)
	return m, func() { _ = srv.Close() }, nil
}
