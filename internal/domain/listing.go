package domain

import (
	"time"
)

// Listing is an item offered for sale on the marketplace.
// Listings are never modified after creation, only added and removed.
type Listing struct {
	ID         string  `json:"id"`
	ItemID     string  `json:"itemId"`
	SellerID   string  `json:"sellerId"`
	SellerName string  `json:"sellerName"`
	Price      float64 `json:"price"`
	Timestamp  int64   `json:"timestamp"` // unix milliseconds
}

// CreatedAt returns the listing creation time
func (l Listing) CreatedAt() time.Time {
	return time.UnixMilli(l.Timestamp)
}

// Expired reports whether the listing is at least ttl old at now
func (l Listing) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.CreatedAt()) >= ttl
}

// Snapshot is the persisted form of the ledger
type Snapshot struct {
	Listings []Listing         `json:"listings"`
	Players  map[string]Player `json:"players"`
}

// NewSnapshot returns an empty snapshot
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Listings: []Listing{},
		Players:  make(map[string]Player),
	}
}

// MarketStats summarizes the marketplace for the stats endpoint
type MarketStats struct {
	TotalListings int `json:"totalListings"`
	OnlinePlayers int `json:"onlinePlayers"`
	TotalPlayers  int `json:"totalPlayers"`
}
