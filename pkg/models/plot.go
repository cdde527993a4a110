package models

import "time"

type PlotStatus string

const (
	PlotStatusAvailable PlotStatus = "available"
	PlotStatusReserved  PlotStatus = "reserved"
	PlotStatusSold      PlotStatus = "sold"
)

// Valid reports whether s is one of the statuses the API knows about.
func (s PlotStatus) Valid() bool {
	switch s {
	case PlotStatusAvailable, PlotStatusReserved, PlotStatusSold:
		return true
	}
	return false
}

// Plot is a single real-estate parcel.
type Plot struct {
	ID        string        `json:"id" cbor:"id"`
	Title     string        `json:"title" cbor:"title"`
	City      string        `json:"city" cbor:"city"`
	Price     float64       `json:"price" cbor:"price"`
	AreaSqm   float64       `json:"areaSqm" cbor:"areaSqm"`
	Status    PlotStatus    `json:"status" cbor:"status"`
	Location  GeometryPoint `json:"location" cbor:"location"`
	UpdatedAt time.Time     `json:"updatedAt" cbor:"updatedAt"`
}

// Lead is an enquiry left by a prospective buyer.
type Lead struct {
	ID        string    `json:"id" cbor:"id"`
	PlotID    string    `json:"plotId" cbor:"plotId"`
	Name      string    `json:"name" cbor:"name"`
	Email     string    `json:"email" cbor:"email"`
	CreatedAt time.Time `json:"createdAt" cbor:"createdAt"`
}

// Stats aggregates a plot collection.
type Stats struct {
	TotalPlots   int      `json:"totalPlots"`
	Available    int      `json:"available"`
	Reserved     int      `json:"reserved"`
	Sold         int      `json:"sold"`
	AveragePrice float64  `json:"averagePrice"`
	Cities       []string `json:"cities"`
}

// Dashboard is the admin overview.
type Dashboard struct {
	Stats      Stats `json:"stats"`
	TotalLeads int   `json:"totalLeads"`
	LeadsToday int   `json:"leadsToday"`
}
