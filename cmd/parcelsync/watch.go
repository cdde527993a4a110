package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/parcelsync/parcelsync.go"
	"github.com/parcelsync/parcelsync.go/pkg/config"
	"github.com/parcelsync/parcelsync.go/pkg/models"
)

type watchFlags struct {
	baseURL   string
	transport string
	city      string
	minPrice  float64
	maxPrice  float64
	statuses  []string
	sort      string
	every     time.Duration
}

func newWatchCmd(global *globalFlags) *cobra.Command {
	flags := &watchFlags{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a filtered plot list and log every update",
		Long: `Resolves a plot list, then re-resolves it on every poll and every push
notification, logging where each result came from (live, fallback or
stale-served) and when live data comes back.

Examples:
  parcelsync watch --city Lisbon
  parcelsync watch --status available,reserved --sort price_asc --transport websocket`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, global, flags)
		},
	}
	cmd.Flags().StringVar(&flags.baseURL, "base-url", "", "API base URL (overrides config)")
	cmd.Flags().StringVar(&flags.transport, "transport", "", "push transport: sse or websocket (overrides config)")
	cmd.Flags().StringVar(&flags.city, "city", "", "only plots in this city")
	cmd.Flags().Float64Var(&flags.minPrice, "min-price", 0, "minimum price")
	cmd.Flags().Float64Var(&flags.maxPrice, "max-price", 0, "maximum price")
	cmd.Flags().StringSliceVar(&flags.statuses, "status", nil, "statuses to include (available, reserved, sold)")
	cmd.Flags().StringVar(&flags.sort, "sort", "", "newest, price_asc or price_desc")
	cmd.Flags().DurationVar(&flags.every, "diagnostics-every", 0, "log session diagnostics at this interval")
	return cmd
}

func (f *watchFlags) filter() (models.PlotFilter, error) {
	filter := models.PlotFilter{
		City:     f.city,
		MinPrice: f.minPrice,
		MaxPrice: f.maxPrice,
		Sort:     models.SortOrder(f.sort),
	}
	for _, s := range f.statuses {
		status := models.PlotStatus(strings.TrimSpace(s))
		if !status.Valid() {
			return models.PlotFilter{}, fmt.Errorf("unknown status %q", s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	switch filter.Sort {
	case "", models.SortNewest, models.SortPriceAsc, models.SortPriceDesc:
	default:
		return models.PlotFilter{}, fmt.Errorf("unknown sort %q", f.sort)
	}
	return filter.Normalize(), nil
}

func (f *watchFlags) options(path string) (config.Options, error) {
	opts := config.Default()
	if path != "" {
		if err := opts.LoadFile(path); err != nil {
			return config.Options{}, err
		}
	}
	if err := opts.LoadEnv(); err != nil {
		return config.Options{}, err
	}
	if f.baseURL != "" {
		opts.BaseURL = f.baseURL
	}
	if f.transport != "" {
		opts.Transport = f.transport
	}
	return opts, opts.Validate()
}

func runWatch(cmd *cobra.Command, global *globalFlags, flags *watchFlags) error {
	ctx := cmd.Context()

	filter, err := flags.filter()
	if err != nil {
		return err
	}
	opts, err := flags.options(global.configPath)
	if err != nil {
		return err
	}

	logData, err := global.newLogger()
	if err != nil {
		return err
	}
	defer logData.Close()
	log := logData.Logger

	m, stopMetrics, err := global.newMetrics(log)
	if err != nil {
		return err
	}
	defer stopMetrics()

	session, err := parcelsync.New(opts, parcelsync.WithLogger(log), parcelsync.WithMetrics(m))
	if err != nil {
		return err
	}
	defer session.Close()

	session.OnRecovered(func(ev models.ProvenanceTransitionEvent) {
		log.Info("live data is back", "key", ev.Key, "items", ev.ItemCount)
	})
	session.OnOutdated(func(n models.StalenessNotice) {
		log.Warn("showing outdated data", "key", n.Key, "status", n.StatusCode)
	})

	if err := session.Start(ctx); err != nil {
		return err
	}

	err = session.WatchPlots(ctx, filter, func(res models.FetchResult[[]models.Plot]) {
		ids := make([]string, 0, len(res.Data))
		for _, p := range res.Data {
			ids = append(ids, p.ID)
		}
		log.Info("plots",
			"freshness", string(res.Freshness()),
			"count", len(res.Data),
			"ids", strings.Join(ids, ","),
			"fetchedAt", res.FetchedAt.Format(time.RFC3339),
		)
	})
	if err != nil {
		return err
	}

	var tick <-chan time.Time
	if flags.every > 0 {
		ticker := time.NewTicker(flags.every)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			d := session.Diagnostics()
			log.Info("diagnostics",
				"online", d.Online,
				"channel", d.Channel,
				"backoff", d.BackoffDelay.String(),
				"cached", len(d.CachedKeys),
				"recovering", len(d.Recovering),
			)
		}
	}
}
