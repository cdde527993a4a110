package fetcher

import (
	"context"
	"time"

	"github.com/parcelsync/parcelsync.go/pkg/fallback"
	"github.com/parcelsync/parcelsync.go/pkg/httpclient"
	"github.com/parcelsync/parcelsync.go/pkg/models"
	"github.com/parcelsync/parcelsync.go/pkg/resourcekey"
)

// Sources builds the requests for every parcelsync resource from the REST
// client and the bundled dataset.
type Sources struct {
	Client  *httpclient.Client
	Dataset *fallback.Dataset
	// Now decides "today" for the fallback dashboard.
	Now func() time.Time
}

// PlotList requests the plots matching filter. An unfiltered list is never
// expected to be empty, so an empty live answer falls back.
func (s Sources) PlotList(filter models.PlotFilter) Request[[]models.Plot] {
	filter = filter.Normalize()
	return Request[[]models.Plot]{
		Key: resourcekey.PlotList(filter),
		Primary: func(ctx context.Context) ([]models.Plot, error) {
			return s.Client.ListPlots(ctx, filter)
		},
		Fallback:       func() []models.Plot { return s.Dataset.Plots(filter) },
		ExpectNonEmpty: filter.IsZero(),
	}
}

func (s Sources) Plot(id string) Request[models.Plot] {
	return Request[models.Plot]{
		Key: resourcekey.Plot(id),
		Primary: func(ctx context.Context) (models.Plot, error) {
			return s.Client.GetPlot(ctx, id)
		},
		Fallback: func() models.Plot {
			p, _ := s.Dataset.Plot(id)
			return p
		},
	}
}

func (s Sources) Nearby(id string) Request[[]models.Plot] {
	return Request[[]models.Plot]{
		Key: resourcekey.Nearby(id),
		Primary: func(ctx context.Context) ([]models.Plot, error) {
			return s.Client.Nearby(ctx, id)
		},
		Fallback: func() []models.Plot { return s.Dataset.Nearby(id) },
	}
}

func (s Sources) Similar(id string) Request[[]models.Plot] {
	return Request[[]models.Plot]{
		Key: resourcekey.Similar(id),
		Primary: func(ctx context.Context) ([]models.Plot, error) {
			return s.Client.Similar(ctx, id)
		},
		Fallback: func() []models.Plot { return s.Dataset.Similar(id) },
	}
}

func (s Sources) Stats(filter models.PlotFilter) Request[models.Stats] {
	filter = filter.Normalize()
	return Request[models.Stats]{
		Key: resourcekey.Stats(filter),
		Primary: func(ctx context.Context) (models.Stats, error) {
			return s.Client.Stats(ctx, filter)
		},
		Fallback: func() models.Stats { return s.Dataset.Stats(filter) },
	}
}

func (s Sources) Leads() Request[[]models.Lead] {
	return Request[[]models.Lead]{
		Key:      resourcekey.Leads(),
		Primary:  s.Client.ListLeads,
		Fallback: s.Dataset.Leads,
	}
}

func (s Sources) Dashboard() Request[models.Dashboard] {
	return Request[models.Dashboard]{
		Key:     resourcekey.AdminDashboard(),
		Primary: s.Client.Dashboard,
		Fallback: func() models.Dashboard {
			now := time.Now
			if s.Now != nil {
				now = s.Now
			}
			return s.Dataset.Dashboard(now())
		},
	}
}
