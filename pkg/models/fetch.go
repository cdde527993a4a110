package models

import "time"

// Provenance tells where a fetched value came from.
type Provenance string

const (
	// ProvenanceLive is data returned by the primary source.
	ProvenanceLive Provenance = "live"
	// ProvenanceFallback is data read from the bundled offline dataset.
	ProvenanceFallback Provenance = "fallback"
)

// FetchResult is a resolved resource tagged with its provenance.
//
// StaleServed is set when the primary source answered with a server error
// and a previously cached live value was returned in its place. Provenance
// then still reads ProvenanceLive, because that is where the data came from.
type FetchResult[T any] struct {
	Data        T          `json:"data"`
	Provenance  Provenance `json:"provenance"`
	FetchedAt   time.Time  `json:"fetchedAt"`
	StaleServed bool       `json:"staleServed,omitempty"`
}

// IsLive reports whether the result came fresh from the primary source.
func (r FetchResult[T]) IsLive() bool {
	return r.Provenance == ProvenanceLive && !r.StaleServed
}

// ProvenanceTransitionEvent is published once each time a resource moves
// from fallback data back to live data.
type ProvenanceTransitionEvent struct {
	Key       string    `json:"key"`
	ItemCount int       `json:"itemCount"`
	At        time.Time `json:"at"`
}

// StalenessNotice tells notification surfaces that the data shown for Key
// may be outdated: the primary source failed and a cached value was reused.
type StalenessNotice struct {
	Key        string    `json:"key"`
	StatusCode int       `json:"statusCode,omitempty"`
	At         time.Time `json:"at"`
}

// Freshness classifies a fetch result for the recovery policy.
type Freshness string

const (
	FreshnessLive        Freshness = "live"
	FreshnessFallback    Freshness = "fallback"
	FreshnessStaleServed Freshness = "stale-served"
)

// Freshness classifies r. A stale-served result is never live or fallback.
func (r FetchResult[T]) Freshness() Freshness {
	switch {
	case r.StaleServed:
		return FreshnessStaleServed
	case r.Provenance == ProvenanceFallback:
		return FreshnessFallback
	default:
		return FreshnessLive
	}
}
