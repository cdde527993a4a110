// Package resourcekey derives the canonical identifiers used to address
// cached query results.
//
// A key is "<family>" or "<family>?<canonical query>" for collections and
// "<family>:<id>" for single resources. Two logically identical requests
// always produce the same key, so cache lookups and invalidations target
// the same entry.
package resourcekey

import (
	"net/url"
	"sort"
	"strings"

	"github.com/parcelsync/parcelsync.go/pkg/models"
)

// Families.
const (
	FamilyPlots          = "plots"
	FamilyPlot           = "plot"
	FamilyNearby         = "nearby"
	FamilySimilar        = "similar"
	FamilyStats          = "stats"
	FamilyLeads          = "leads"
	FamilyAdminDashboard = "admin-dashboard"
)

// Key is an opaque, deterministic resource identifier.
type Key string

func (k Key) String() string {
	return string(k)
}

// Family returns the resource family of k.
func (k Key) Family() string {
	s := string(k)
	if i := strings.IndexAny(s, "?:"); i >= 0 {
		return s[:i]
	}
	return s
}

// ID returns the resource id of a single-resource key, or "".
func (k Key) ID() string {
	s := string(k)
	if strings.Contains(s, "?") {
		return ""
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// New builds a collection key. params are encoded with sorted keys, and the
// values for each key are sorted, so parameter order never matters.
func New(family string, params url.Values) Key {
	if len(params) == 0 {
		return Key(family)
	}
	canonical := make(url.Values, len(params))
	for k, vs := range params {
		if len(vs) == 0 {
			continue
		}
		sorted := append([]string(nil), vs...)
		sort.Strings(sorted)
		canonical[k] = sorted
	}
	if len(canonical) == 0 {
		return Key(family)
	}
	return Key(family + "?" + canonical.Encode())
}

// Single builds a single-resource key.
func Single(family, id string) Key {
	return Key(family + ":" + id)
}

// PlotList is the key of a filtered plot collection.
func PlotList(f models.PlotFilter) Key {
	return New(FamilyPlots, f.Query())
}

func Plot(id string) Key {
	return Single(FamilyPlot, id)
}

func Nearby(id string) Key {
	return Single(FamilyNearby, id)
}

func Similar(id string) Key {
	return Single(FamilySimilar, id)
}

// Stats is the key of the aggregate statistics for a filter.
func Stats(f models.PlotFilter) Key {
	q := f.Query()
	q.Del(models.ParamSort)
	return New(FamilyStats, q)
}

func Leads() Key {
	return Key(FamilyLeads)
}

func AdminDashboard() Key {
	return Key(FamilyAdminDashboard)
}
