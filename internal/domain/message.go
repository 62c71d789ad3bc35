package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client to server message types
const (
	MsgRegister        = "register"
	MsgGetListings     = "get-listings"
	MsgGetMyListings   = "get-my-listings"
	MsgCreateListing   = "create-listing"
	MsgCancelListing   = "cancel-listing"
	MsgBuyListing      = "buy-listing"
	MsgUpdateGameState = "update-game-state"
	MsgPing            = "ping"
)

// Server to client message types
const (
	MsgRegistered        = "registered"
	MsgMarketplaceUpdate = "marketplace-update"
	MsgOnlineCountUpdate = "online-count-update"
	MsgMyListings        = "my-listings"
	MsgListingAdded      = "listing-added"
	MsgListingCreated    = "listing-created"
	MsgListingRemoved    = "listing-removed"
	MsgListingCancelled  = "listing-cancelled"
	MsgListingPurchased  = "listing-purchased"
	MsgPurchaseSuccess   = "purchase-success"
	MsgListingExpired    = "listing-expired"
	MsgPong              = "pong"
	MsgError             = "error"
)

// Message is an outbound WebSocket message
type Message struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage builds a message stamped with the current time
func NewMessage(msgType, requestID string, data interface{}) Message {
	return Message{
		Type:      msgType,
		RequestID: requestID,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// Envelope is a received WebSocket message whose payload is decoded lazily
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the payload into v
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing payload: %w", e.Type, ErrInvalidRequest)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %v: %w", e.Type, err, ErrInvalidRequest)
	}
	return nil
}

// RegisterRequest is the payload of a register message
type RegisterRequest struct {
	PlayerID     string `json:"playerId,omitempty"`
	PlayerName   string `json:"playerName"`
	Civilization string `json:"civilization"`
}

// Registered confirms a registration
type Registered struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

// MarketplaceUpdate is a full marketplace snapshot
type MarketplaceUpdate struct {
	Listings    []Listing `json:"listings"`
	OnlineCount int       `json:"onlineCount"`
}

// OnlineCountUpdate announces the number of online players
type OnlineCountUpdate struct {
	Count int `json:"count"`
}

// CreateListingRequest is the payload of a create-listing message
type CreateListingRequest struct {
	ItemID string  `json:"itemId"`
	Price  float64 `json:"price"`
}

// ListingRef identifies a listing. It is used by cancel-listing and buy-listing
// requests and by listing-removed and listing-cancelled messages.
type ListingRef struct {
	ListingID string `json:"listingId"`
}

// ListingPurchased is broadcast when a listing is bought
type ListingPurchased struct {
	ListingID  string  `json:"listingId"`
	BuyerID    string  `json:"buyerId"`
	BuyerName  string  `json:"buyerName"`
	SellerID   string  `json:"sellerId"`
	SellerName string  `json:"sellerName"`
	ItemID     string  `json:"itemId"`
	Price      float64 `json:"price"`
}

// PurchaseSuccess confirms a purchase to the buyer
type PurchaseSuccess struct {
	ListingID string `json:"listingId"`
	ItemID    string `json:"itemId"`
}

// ListingExpired is broadcast when the sweeper evicts a listing
type ListingExpired struct {
	ListingID string `json:"listingId"`
	SellerID  string `json:"sellerId"`
	ItemID    string `json:"itemId"`
}

// GameStateUpdate carries the client's self-reported game state
type GameStateUpdate struct {
	GameState json.RawMessage `json:"gameState"`
}

// ErrorPayload reports a rejected request
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// NewErrorPayload converts err into an error payload
func NewErrorPayload(err error) ErrorPayload {
	code := ErrorCode(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = ErrInternalError.Error()
	}
	return ErrorPayload{Message: msg, Code: code}
}
