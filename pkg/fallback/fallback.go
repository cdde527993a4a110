// Package fallback serves the plots dataset bundled with the binary. It is
// read when the primary source cannot be reached and applies the same
// filter and sort semantics as the API, so its results have the same shape
// as live ones.
//
// Nothing in this package returns an error. A dataset that cannot be read
// behaves as an empty one.
package fallback

import (
	_ "embed"
	"math"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/parcelsync/parcelsync.go/pkg/models"
)

//go:embed plots.json
var bundled []byte

// SimilarPriceRange is the relative price distance Similar accepts.
const SimilarPriceRange = 0.25

// Dataset is an immutable plot collection. A nil *Dataset is empty.
type Dataset struct {
	plots []models.Plot
	err   error
}

// Bundled parses the embedded dataset.
func Bundled() *Dataset {
	return Parse(bundled)
}

// Parse builds a dataset from a JSON array of plots. Malformed input gives
// an empty dataset whose Err reports why.
func Parse(raw []byte) *Dataset {
	var plots []models.Plot
	if err := json.Unmarshal(raw, &plots); err != nil {
		return &Dataset{err: err}
	}
	return &Dataset{plots: plots}
}

func New(plots []models.Plot) *Dataset {
	return &Dataset{plots: append([]models.Plot(nil), plots...)}
}

// Err reports why the dataset is unavailable, if it is.
func (d *Dataset) Err() error {
	if d == nil {
		return nil
	}
	return d.err
}

func (d *Dataset) all() []models.Plot {
	if d == nil {
		return nil
	}
	return d.plots
}

// Len is the number of bundled plots.
func (d *Dataset) Len() int {
	return len(d.all())
}

// Plots returns the plots matching f in f's order.
func (d *Dataset) Plots(f models.PlotFilter) []models.Plot {
	return f.Apply(d.all())
}

// Plot finds a plot by id.
func (d *Dataset) Plot(id string) (models.Plot, bool) {
	for _, p := range d.all() {
		if p.ID == id {
			return p, true
		}
	}
	return models.Plot{}, false
}

// Nearby returns the other plots in the same city as id, closest first.
func (d *Dataset) Nearby(id string) []models.Plot {
	origin, ok := d.Plot(id)
	if !ok {
		return []models.Plot{}
	}

	out := []models.Plot{}
	for _, p := range d.all() {
		if p.ID != id && sameCity(p.City, origin.City) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		di := origin.Location.DistanceKm(out[i].Location)
		dj := origin.Location.DistanceKm(out[j].Location)
		if di != dj {
			return di < dj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Similar returns the other plots with the same status as id and a price
// within SimilarPriceRange of it, closest price first.
func (d *Dataset) Similar(id string) []models.Plot {
	origin, ok := d.Plot(id)
	if !ok {
		return []models.Plot{}
	}

	lo := origin.Price * (1 - SimilarPriceRange)
	hi := origin.Price * (1 + SimilarPriceRange)
	out := []models.Plot{}
	for _, p := range d.all() {
		if p.ID == id || p.Status != origin.Status {
			continue
		}
		if p.Price >= lo && p.Price <= hi {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		di := math.Abs(out[i].Price - origin.Price)
		dj := math.Abs(out[j].Price - origin.Price)
		if di != dj {
			return di < dj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats aggregates the plots matching f.
func (d *Dataset) Stats(f models.PlotFilter) models.Stats {
	return models.ComputeStats(f.Apply(d.all()))
}

// Leads is always empty: leads are never bundled.
func (d *Dataset) Leads() []models.Lead {
	return []models.Lead{}
}

// Dashboard aggregates the bundled plots with no leads.
func (d *Dataset) Dashboard(now time.Time) models.Dashboard {
	return models.ComputeDashboard(d.all(), nil, now)
}

func sameCity(a, b string) bool {
	return normalizeCity(a) == normalizeCity(b)
}

func normalizeCity(c string) string {
	return models.PlotFilter{City: c}.Normalize().City
}
