package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/parcelsync/parcelsync.go/internal/fakeplots"
)

type fakeServerFlags struct {
	addr     string
	failures []string
	churn    time.Duration
}

func newFakeServerCmd(global *globalFlags) *cobra.Command {
	flags := &fakeServerFlags{}

	cmd := &cobra.Command{
		Use:   "fake-server",
		Short: "Serve a fake plots API for local demos",
		Long: `Serves the plots REST API, the /api/events stream and the /api/ws
WebSocket, seeded with the bundled dataset.

Failures are injected with --fail route=kind, where kind is a status code,
drop, malformed, empty or a delay such as 20s. Routes: plots, plot, nearby,
similar, stats, leads, dashboard, events, ws.

Examples:
  parcelsync fake-server --addr 127.0.0.1:8080 --churn 10s
  parcelsync fake-server --fail plots=503 --fail stats=drop`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFakeServer(cmd, global, flags)
		},
	}
	cmd.Flags().StringVar(&flags.addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringArrayVar(&flags.failures, "fail", nil, "inject a failure, route=kind (repeatable)")
	cmd.Flags().DurationVar(&flags.churn, "churn", 0, "update a plot price at this interval")
	return cmd
}

// parseFailure parses route=kind.
func parseFailure(s string) (fakeplots.Route, fakeplots.FailureConfig, error) {
	route, kind, ok := strings.Cut(s, "=")
	if !ok {
		return "", fakeplots.FailureConfig{}, fmt.Errorf("invalid failure %q, want route=kind", s)
	}

	switch kind {
	case "drop":
		return fakeplots.Route(route), fakeplots.Drop(), nil
	case "malformed":
		return fakeplots.Route(route), fakeplots.Malformed(), nil
	case "empty":
		return fakeplots.Route(route), fakeplots.Empty(), nil
	}
	if code, err := strconv.Atoi(kind); err == nil {
		return fakeplots.Route(route), fakeplots.Status(code), nil
	}
	if d, err := time.ParseDuration(kind); err == nil {
		return fakeplots.Route(route), fakeplots.Delay(d), nil
	}
	return "", fakeplots.FailureConfig{}, fmt.Errorf("invalid failure kind %q", kind)
}

func runFakeServer(cmd *cobra.Command, global *globalFlags, flags *fakeServerFlags) error {
	ctx := cmd.Context()

	logData, err := global.newLogger()
	if err != nil {
		return err
	}
	defer logData.Close()
	log := logData.Logger

	server := fakeplots.NewServer(flags.addr, fakeplots.WithLogger(log))
	for _, f := range flags.failures {
		route, cfg, err := parseFailure(f)
		if err != nil {
			return err
		}
		server.SetFailure(route, cfg)
	}
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()
	log.Info("fake plots API listening", "url", server.URL())

	var tick <-chan time.Time
	if flags.churn > 0 {
		ticker := time.NewTicker(flags.churn)
		defer ticker.Stop()
		tick = ticker.C
	}
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			churn(server, i)
		}
	}
}

// churn nudges the price of one plot, round robin, publishing plot_updated.
func churn(server *fakeplots.Server, i int) {
	plots := server.Plots()
	if len(plots) == 0 {
		return
	}
	p := plots[i%len(plots)]
	p.Price += 1000
	p.UpdatedAt = time.Time{}
	server.PutPlot(p)
}
