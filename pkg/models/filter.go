package models

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

type SortOrder string

const (
	SortNewest    SortOrder = "newest"
	SortPriceAsc  SortOrder = "price_asc"
	SortPriceDesc SortOrder = "price_desc"
)

// Query parameter names understood by GET /api/plots.
const (
	ParamCity     = "city"
	ParamMinPrice = "min_price"
	ParamMaxPrice = "max_price"
	ParamStatus   = "status"
	ParamSort     = "sort"
)

// PlotFilter selects and orders plots. The zero value matches every plot and
// orders newest first.
//
// Semantics, shared by the API and the bundled fallback dataset:
//   - City matches case-insensitively after trimming; empty matches any city.
//   - MinPrice and MaxPrice are inclusive; zero means unbounded.
//   - Statuses is a set; empty matches any status.
type PlotFilter struct {
	City     string
	MinPrice float64
	MaxPrice float64
	Statuses []PlotStatus
	Sort     SortOrder
}

// Normalize returns the canonical form of f. Two filters that select and
// order the same plots normalize to equal values.
func (f PlotFilter) Normalize() PlotFilter {
	n := PlotFilter{
		City:     strings.ToLower(strings.TrimSpace(f.City)),
		MinPrice: f.MinPrice,
		MaxPrice: f.MaxPrice,
		Sort:     f.Sort,
	}
	if n.MinPrice < 0 {
		n.MinPrice = 0
	}
	if n.MaxPrice < 0 {
		n.MaxPrice = 0
	}
	if n.Sort == "" {
		n.Sort = SortNewest
	}

	seen := make(map[PlotStatus]struct{}, len(f.Statuses))
	for _, s := range f.Statuses {
		s = PlotStatus(strings.ToLower(strings.TrimSpace(string(s))))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		n.Statuses = append(n.Statuses, s)
	}
	sort.Slice(n.Statuses, func(i, j int) bool { return n.Statuses[i] < n.Statuses[j] })

	return n
}

// Query encodes the canonical filter. Unset fields and the default sort are
// omitted, and url.Values.Encode orders keys, so the encoded string is
// deterministic.
func (f PlotFilter) Query() url.Values {
	n := f.Normalize()
	q := url.Values{}
	if n.City != "" {
		q.Set(ParamCity, n.City)
	}
	if n.MinPrice > 0 {
		q.Set(ParamMinPrice, strconv.FormatFloat(n.MinPrice, 'f', -1, 64))
	}
	if n.MaxPrice > 0 {
		q.Set(ParamMaxPrice, strconv.FormatFloat(n.MaxPrice, 'f', -1, 64))
	}
	if len(n.Statuses) > 0 {
		statuses := make([]string, len(n.Statuses))
		for i, s := range n.Statuses {
			statuses[i] = string(s)
		}
		q.Set(ParamStatus, strings.Join(statuses, ","))
	}
	if n.Sort != SortNewest {
		q.Set(ParamSort, string(n.Sort))
	}
	return q
}

// ParsePlotFilter is the inverse of Query.
func ParsePlotFilter(q url.Values) (PlotFilter, error) {
	f := PlotFilter{City: q.Get(ParamCity), Sort: SortOrder(q.Get(ParamSort))}

	var err error
	if v := q.Get(ParamMinPrice); v != "" {
		if f.MinPrice, err = strconv.ParseFloat(v, 64); err != nil {
			return PlotFilter{}, fmt.Errorf("invalid %s: %w", ParamMinPrice, err)
		}
	}
	if v := q.Get(ParamMaxPrice); v != "" {
		if f.MaxPrice, err = strconv.ParseFloat(v, 64); err != nil {
			return PlotFilter{}, fmt.Errorf("invalid %s: %w", ParamMaxPrice, err)
		}
	}
	if v := q.Get(ParamStatus); v != "" {
		for _, s := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, PlotStatus(s))
		}
	}
	switch f.Sort {
	case "", SortNewest, SortPriceAsc, SortPriceDesc:
	default:
		return PlotFilter{}, fmt.Errorf("invalid %s: %q", ParamSort, f.Sort)
	}

	return f.Normalize(), nil
}

// IsZero reports whether f selects every plot. Sort order is ignored.
func (f PlotFilter) IsZero() bool {
	n := f.Normalize()
	return n.City == "" && n.MinPrice <= 0 && n.MaxPrice <= 0 && len(n.Statuses) == 0
}

// Match reports whether p is selected by f.
func (f PlotFilter) Match(p Plot) bool {
	n := f.Normalize()
	return n.match(p)
}

func (f PlotFilter) match(p Plot) bool {
	if f.City != "" && strings.ToLower(strings.TrimSpace(p.City)) != f.City {
		return false
	}
	if f.MinPrice > 0 && p.Price < f.MinPrice {
		return false
	}
	if f.MaxPrice > 0 && p.Price > f.MaxPrice {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if p.Status == s {
			return true
		}
	}
	return false
}

// Apply returns the plots selected by f in f's order. plots is not modified.
func (f PlotFilter) Apply(plots []Plot) []Plot {
	n := f.Normalize()

	out := make([]Plot, 0, len(plots))
	for _, p := range plots {
		if n.match(p) {
			out = append(out, p)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch n.Sort {
		case SortPriceAsc:
			if a.Price != b.Price {
				return a.Price < b.Price
			}
		case SortPriceDesc:
			if a.Price != b.Price {
				return a.Price > b.Price
			}
		default:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
		}
		return a.ID < b.ID
	})

	return out
}
