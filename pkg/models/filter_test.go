package models

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlots() []Plot {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []Plot{
		{ID: "p1", City: "Austin", Price: 120000, Status: PlotStatusAvailable, UpdatedAt: base.Add(3 * time.Hour)},
		{ID: "p2", City: "austin ", Price: 90000, Status: PlotStatusSold, UpdatedAt: base.Add(1 * time.Hour)},
		{ID: "p3", City: "Denver", Price: 150000, Status: PlotStatusReserved, UpdatedAt: base.Add(2 * time.Hour)},
		{ID: "p4", City: "Austin", Price: 150000, Status: PlotStatusAvailable, UpdatedAt: base.Add(2 * time.Hour)},
	}
}

func ids(plots []Plot) []string {
	out := make([]string, len(plots))
	for i, p := range plots {
		out[i] = p.ID
	}
	return out
}

func TestPlotFilterQueryIsCanonical(t *testing.T) {
	a := PlotFilter{City: " Austin", Statuses: []PlotStatus{"sold", "available", "sold"}, MaxPrice: 150000}
	b := PlotFilter{City: "austin", Statuses: []PlotStatus{"available", "sold"}, MaxPrice: 150000, Sort: SortNewest}

	assert.Equal(t, a.Query().Encode(), b.Query().Encode())
	assert.Equal(t, "city=austin&max_price=150000&status=available%2Csold", a.Query().Encode())
	assert.Equal(t, "", PlotFilter{}.Query().Encode())
}

func TestParsePlotFilterRoundTrip(t *testing.T) {
	f := PlotFilter{City: "Denver", MinPrice: 1000.5, Statuses: []PlotStatus{PlotStatusReserved}, Sort: SortPriceDesc}

	parsed, err := ParsePlotFilter(f.Query())
	require.NoError(t, err)
	assert.Equal(t, f.Normalize(), parsed)

	_, err = ParsePlotFilter(url.Values{ParamMinPrice: {"cheap"}})
	assert.Error(t, err)

	_, err = ParsePlotFilter(url.Values{ParamSort: {"random"}})
	assert.Error(t, err)
}

func TestPlotFilterApply(t *testing.T) {
	plots := testPlots()

	t.Run("zero filter orders newest first", func(t *testing.T) {
		assert.Equal(t, []string{"p1", "p3", "p4", "p2"}, ids(PlotFilter{}.Apply(plots)))
	})

	t.Run("city is case-insensitive and trimmed", func(t *testing.T) {
		assert.Equal(t, []string{"p1", "p4", "p2"}, ids(PlotFilter{City: "AUSTIN"}.Apply(plots)))
	})

	t.Run("price range is inclusive", func(t *testing.T) {
		got := PlotFilter{MinPrice: 90000, MaxPrice: 120000, Sort: SortPriceAsc}.Apply(plots)
		assert.Equal(t, []string{"p2", "p1"}, ids(got))
	})

	t.Run("status set", func(t *testing.T) {
		got := PlotFilter{Statuses: []PlotStatus{PlotStatusReserved, PlotStatusSold}}.Apply(plots)
		assert.Equal(t, []string{"p3", "p2"}, ids(got))
	})

	t.Run("price desc breaks ties by id", func(t *testing.T) {
		got := PlotFilter{Sort: SortPriceDesc}.Apply(plots)
		assert.Equal(t, []string{"p3", "p4", "p1", "p2"}, ids(got))
	})

	t.Run("input is not modified", func(t *testing.T) {
		before := ids(plots)
		PlotFilter{Sort: SortPriceAsc}.Apply(plots)
		assert.Equal(t, before, ids(plots))
	})
}

func TestPlotFilterMatch(t *testing.T) {
	p := Plot{City: "Austin", Price: 100, Status: PlotStatusAvailable}
	assert.True(t, PlotFilter{}.Match(p))
	assert.True(t, PlotFilter{City: "austin", MinPrice: 100, MaxPrice: 100}.Match(p))
	assert.False(t, PlotFilter{MinPrice: 101}.Match(p))
	assert.False(t, PlotFilter{Statuses: []PlotStatus{PlotStatusSold}}.Match(p))
}
