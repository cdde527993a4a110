// Package models contains the data types exchanged with the parcel API and
// the push channel: plots, leads, aggregate statistics, the canonical plot
// filter, fetch results tagged with their provenance, and push events.
//
// Values returned by parcelsync are shared between readers through the query
// cache and must be treated as immutable. Functions in this package that
// filter or sort always return new slices.
package models
