package parcelsync

import (
	"context"

	"github.com/parcelsync/parcelsync.go/pkg/fetcher"
	"github.com/parcelsync/parcelsync.go/pkg/models"
)

// Every accessor resolves through the query cache and never fails: when the
// API cannot be used the result comes from the bundled dataset, tagged
// ProvenanceFallback.

// Plots lists the plots matching filter.
func (s *Session) Plots(ctx context.Context, filter models.PlotFilter) models.FetchResult[[]models.Plot] {
	return fetcher.ResolveList(ctx, s.fetcher, s.sources.PlotList(filter))
}

// Plot returns one plot. A plot unknown to both sources is the zero Plot.
func (s *Session) Plot(ctx context.Context, id string) models.FetchResult[models.Plot] {
	return fetcher.Resolve(ctx, s.fetcher, s.sources.Plot(id))
}

// ViewPlot returns one plot and records it as recently viewed.
func (s *Session) ViewPlot(ctx context.Context, id string) models.FetchResult[models.Plot] {
	res := s.Plot(ctx, id)
	if res.Data.ID != "" {
		if err := s.favorites.MarkViewed(id); err != nil {
			s.logger.Warn("parcelsync.Session failed to record a viewed plot", "plotId", id, "error", err)
		}
	}
	return res
}

// PrefetchPlot warms the cache for a plot's detail view: the plot itself,
// its nearby plots and similar plots. Fresh entries are not refetched.
func (s *Session) PrefetchPlot(ctx context.Context, id string) {
	fetcher.Prefetch(ctx, s.fetcher, s.sources.Plot(id))
	fetcher.PrefetchList(ctx, s.fetcher, s.sources.Nearby(id))
	fetcher.PrefetchList(ctx, s.fetcher, s.sources.Similar(id))
}

func (s *Session) Nearby(ctx context.Context, id string) models.FetchResult[[]models.Plot] {
	return fetcher.ResolveList(ctx, s.fetcher, s.sources.Nearby(id))
}

func (s *Session) Similar(ctx context.Context, id string) models.FetchResult[[]models.Plot] {
	return fetcher.ResolveList(ctx, s.fetcher, s.sources.Similar(id))
}

func (s *Session) Stats(ctx context.Context, filter models.PlotFilter) models.FetchResult[models.Stats] {
	return fetcher.Resolve(ctx, s.fetcher, s.sources.Stats(filter))
}

func (s *Session) Leads(ctx context.Context) models.FetchResult[[]models.Lead] {
	return fetcher.ResolveList(ctx, s.fetcher, s.sources.Leads())
}

func (s *Session) Dashboard(ctx context.Context) models.FetchResult[models.Dashboard] {
	return fetcher.Resolve(ctx, s.fetcher, s.sources.Dashboard())
}
