// Package listing holds the core domain types: candidate marketplace
// listings recovered from event actions, and the per-user filters they are
// matched against.
package listing

import (
	"github.com/shopspring/decimal"
)

// Listing is a candidate marketplace offer recovered from one event action.
// A Listing is immutable after construction; enrichment builds a new one via
// Merge rather than mutating in place.
type Listing struct {
	AssetID       string          // required
	Price         decimal.Decimal // in TON, valid only when HasPrice
	HasPrice      bool
	MarketAccount string // watched account the action targeted
	MarketLabel   string // display label ("Market" when unconfigured)
	Model         string
	Background    string
	Serial        string
	CollectionID  string
	ImageURL      string
}

// Merge returns a copy of l with every empty field filled from other.
// Fields already present on l win.
func (l Listing) Merge(other Listing) Listing {
	if !l.HasPrice && other.HasPrice {
		l.Price, l.HasPrice = other.Price, true
	}
	if l.Model == "" {
		l.Model = other.Model
	}
	if l.Background == "" {
		l.Background = other.Background
	}
	if l.Serial == "" {
		l.Serial = other.Serial
	}
	if l.CollectionID == "" {
		l.CollectionID = other.CollectionID
	}
	if l.ImageURL == "" {
		l.ImageURL = other.ImageURL
	}
	return l
}

// Filter tabs. Only TabListing produces alerts from this pipeline.
const (
	TabListing = "listing"
	TabFloor   = "floor"
	TabOff     = "off"
)

// Filters is a user's notification preferences, fetched fresh per dispatch
// cycle. Concurrent edits by the user show up on the next fetch; within one
// cycle the struct is a snapshot.
type Filters struct {
	Tab    string          `json:"tab"`
	MinTon decimal.Decimal `json:"minTon"`
	MaxTon decimal.Decimal `json:"maxTon"`
	Models []string        `json:"models"`
}
