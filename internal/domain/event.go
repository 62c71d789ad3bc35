package domain

import "time"

// EventType classifies ledger changes published to the event stream
type EventType string

const (
	EventListingCreated   EventType = "listing_created"
	EventListingCancelled EventType = "listing_cancelled"
	EventListingPurchased EventType = "listing_purchased"
	EventListingExpired   EventType = "listing_expired"
)

// MarketEvent records one ledger change for auditing and analytics
type MarketEvent struct {
	Type      EventType `json:"type"`
	ListingID string    `json:"listing_id"`
	ItemID    string    `json:"item_id"`
	SellerID  string    `json:"seller_id"`
	BuyerID   string    `json:"buyer_id,omitempty"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMarketEvent builds an event for a listing
func NewMarketEvent(eventType EventType, l Listing, buyerID string) MarketEvent {
	return MarketEvent{
		Type:      eventType,
		ListingID: l.ID,
		ItemID:    l.ItemID,
		SellerID:  l.SellerID,
		BuyerID:   buyerID,
		Price:     l.Price,
		Timestamp: time.Now(),
	}
}
