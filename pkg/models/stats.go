package models

import (
	"sort"
	"strings"
	"time"
)

// ComputeStats aggregates plots the same way the API does.
func ComputeStats(plots []Plot) Stats {
	stats := Stats{TotalPlots: len(plots), Cities: []string{}}
	if len(plots) == 0 {
		return stats
	}

	seen := make(map[string]struct{})
	var sum float64
	for _, p := range plots {
		switch p.Status {
		case PlotStatusAvailable:
			stats.Available++
		case PlotStatusReserved:
			stats.Reserved++
		case PlotStatusSold:
			stats.Sold++
		}
		sum += p.Price

		city := strings.TrimSpace(p.City)
		if city == "" {
			continue
		}
		if _, ok := seen[strings.ToLower(city)]; ok {
			continue
		}
		seen[strings.ToLower(city)] = struct{}{}
		stats.Cities = append(stats.Cities, city)
	}
	stats.AveragePrice = sum / float64(len(plots))
	sort.Strings(stats.Cities)

	return stats
}

// ComputeDashboard builds the admin overview. now decides what "today" is.
func ComputeDashboard(plots []Plot, leads []Lead, now time.Time) Dashboard {
	d := Dashboard{Stats: ComputeStats(plots), TotalLeads: len(leads)}
	y, m, day := now.Date()
	for _, l := range leads {
		ly, lm, ld := l.CreatedAt.In(now.Location()).Date()
		if ly == y && lm == m && ld == day {
			d.LeadsToday++
		}
	}
	return d
}
