package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/clicker-market/internal/domain"
	"github.com/google/uuid"
)

// MaxListings is the number of listings a player may have open at once
const MaxListings = 5

// Local precondition failures. Nothing is sent when an intent fails one of these.
var (
	ErrNotInInventory    = errors.New("item not in inventory")
	ErrItemEquipped      = errors.New("item is equipped")
	ErrItemListed        = errors.New("item is listed")
	ErrNotEquipped       = errors.New("item not equipped")
	ErrListingCap        = errors.New("listing slots full")
	ErrInsufficientFunds = errors.New("not enough currency")
	ErrUnknownListing    = errors.New("listing not owned by this player")
)

// RemoteError is a server error reply
type RemoteError struct {
	RequestID string
	Code      string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server rejected request %s: %s (%s)", e.RequestID, e.Message, e.Code)
}

// OpKind identifies the intent behind a pending operation
type OpKind string

const (
	OpCreate OpKind = "create"
	OpCancel OpKind = "cancel"
	OpBuy    OpKind = "buy"
)

// pendingOp is an optimistic mutation waiting for the server's verdict
type pendingOp struct {
	kind      OpKind
	itemID    string
	price     float64
	listing   domain.Listing
	startedAt time.Time
}

// View is a copy of the local state
type View struct {
	PlayerID    string
	PlayerName  string
	Currency    float64
	Inventory   []string
	Equipped    []string
	Listings    []domain.Listing
	Marketplace []domain.Listing
	OnlineCount int
	Pending     int
}

// State is one player's local view of the marketplace. Intents mutate it
// optimistically and server messages fed to Apply commit or revert them.
// State is not safe for concurrent use.
type State struct {
	playerID    string
	playerName  string
	currency    float64
	inventory   []string
	equipped    []string
	listings    []domain.Listing
	marketplace []domain.Listing
	onlineCount int

	pending map[string]*pendingOp
	now     func() time.Time
}

// NewState creates a state holding the given currency and items
func NewState(currency float64, inventory []string) *State {
	return &State{
		currency:    currency,
		inventory:   slices.Clone(inventory),
		listings:    []domain.Listing{},
		marketplace: []domain.Listing{},
		pending:     make(map[string]*pendingOp),
		now:         time.Now,
	}
}

// SetClock replaces the time source used to age pending operations
func (s *State) SetClock(now func() time.Time) {
	s.now = now
}

// View returns a copy of the current state
func (s *State) View() View {
	return View{
		PlayerID:    s.playerID,
		PlayerName:  s.playerName,
		Currency:    s.currency,
		Inventory:   slices.Clone(s.inventory),
		Equipped:    slices.Clone(s.equipped),
		Listings:    slices.Clone(s.listings),
		Marketplace: slices.Clone(s.marketplace),
		OnlineCount: s.onlineCount,
		Pending:     len(s.pending),
	}
}

// GameState encodes the mirror sent with update-game-state
func (s *State) GameState() (json.RawMessage, error) {
	return json.Marshal(struct {
		Currency  float64          `json:"currency"`
		Inventory []string         `json:"inventory"`
		Equipped  []string         `json:"equippedItems"`
		Listings  []domain.Listing `json:"listings"`
	}{
		Currency:  s.currency,
		Inventory: s.inventory,
		Equipped:  s.equipped,
		Listings:  s.listings,
	})
}

// BeginCreate takes one instance of itemID out of the inventory and returns
// the request id to send with create-listing
func (s *State) BeginCreate(itemID string, price float64) (string, error) {
	if len(s.listings)+s.countPending(OpCreate) >= MaxListings {
		return "", ErrListingCap
	}
	if !slices.Contains(s.inventory, itemID) {
		return "", ErrNotInInventory
	}
	if slices.Contains(s.equipped, itemID) {
		return "", ErrItemEquipped
	}
	item, ok := domain.LookupItem(itemID)
	if !ok {
		return "", domain.ErrUnknownItem
	}
	if !item.PriceAllowed(price) {
		return "", domain.ErrInvalidPrice
	}

	s.inventory = removeOne(s.inventory, itemID)
	return s.track(&pendingOp{kind: OpCreate, itemID: itemID, price: price}), nil
}

// BeginCancel drops one of the player's listings and returns its item to the
// inventory
func (s *State) BeginCancel(listingID string) (string, error) {
	i := indexOf(s.listings, listingID)
	if i < 0 {
		return "", ErrUnknownListing
	}
	listing := s.listings[i]

	s.listings = slices.Delete(s.listings, i, i+1)
	s.inventory = append(s.inventory, listing.ItemID)
	return s.track(&pendingOp{kind: OpCancel, itemID: listing.ItemID, listing: listing}), nil
}

// BeginBuy debits the price of a marketplace listing and adds its item to the
// inventory
func (s *State) BeginBuy(listingID string) (string, error) {
	i := indexOf(s.marketplace, listingID)
	if i < 0 {
		return "", domain.ErrListingNotFound
	}
	listing := s.marketplace[i]
	if s.currency < listing.Price {
		return "", ErrInsufficientFunds
	}

	s.currency -= listing.Price
	s.inventory = append(s.inventory, listing.ItemID)
	return s.track(&pendingOp{kind: OpBuy, itemID: listing.ItemID, price: listing.Price, listing: listing}), nil
}

// Equip moves one instance of itemID from the inventory to the equipped set
func (s *State) Equip(itemID string) error {
	if !slices.Contains(s.inventory, itemID) {
		return ErrNotInInventory
	}
	if slices.ContainsFunc(s.listings, func(l domain.Listing) bool { return l.ItemID == itemID }) {
		return ErrItemListed
	}
	s.inventory = removeOne(s.inventory, itemID)
	s.equipped = append(s.equipped, itemID)
	return nil
}

// Unequip moves one instance of itemID back to the inventory
func (s *State) Unequip(itemID string) error {
	if !slices.Contains(s.equipped, itemID) {
		return ErrNotEquipped
	}
	s.equipped = removeOne(s.equipped, itemID)
	s.inventory = append(s.inventory, itemID)
	return nil
}

// Apply reconciles one server message. It returns a *RemoteError for error
// replies and a decode error for malformed payloads.
func (s *State) Apply(env domain.Envelope) error {
	switch env.Type {
	case domain.MsgRegistered:
		var data domain.Registered
		if err := env.Decode(&data); err != nil {
			return err
		}
		s.playerID = data.PlayerID
		s.playerName = data.PlayerName

	case domain.MsgMarketplaceUpdate:
		var data domain.MarketplaceUpdate
		if err := env.Decode(&data); err != nil {
			return err
		}
		s.marketplace = nonNil(data.Listings)
		s.onlineCount = data.OnlineCount

	case domain.MsgOnlineCountUpdate:
		var data domain.OnlineCountUpdate
		if err := env.Decode(&data); err != nil {
			return err
		}
		s.onlineCount = data.Count

	case domain.MsgListingAdded:
		var listing domain.Listing
		if err := env.Decode(&listing); err != nil {
			return err
		}
		if indexOf(s.marketplace, listing.ID) < 0 {
			s.marketplace = append(s.marketplace, listing)
		}

	case domain.MsgListingRemoved:
		var data domain.ListingRef
		if err := env.Decode(&data); err != nil {
			return err
		}
		s.marketplace = without(s.marketplace, data.ListingID)

	case domain.MsgListingExpired:
		var data domain.ListingExpired
		if err := env.Decode(&data); err != nil {
			return err
		}
		s.marketplace = without(s.marketplace, data.ListingID)
		s.listings = without(s.listings, data.ListingID)

	case domain.MsgListingPurchased:
		var data domain.ListingPurchased
		if err := env.Decode(&data); err != nil {
			return err
		}
		s.applyPurchased(data)

	case domain.MsgMyListings:
		var listings []domain.Listing
		if err := env.Decode(&listings); err != nil {
			return err
		}
		s.listings = slices.DeleteFunc(nonNil(listings), func(l domain.Listing) bool {
			return s.cancelPending(l.ID) != ""
		})

	case domain.MsgListingCreated:
		var listing domain.Listing
		if err := env.Decode(&listing); err != nil {
			return err
		}
		delete(s.pending, env.RequestID)
		if indexOf(s.listings, listing.ID) < 0 {
			s.listings = append(s.listings, listing)
		}

	case domain.MsgListingCancelled, domain.MsgPurchaseSuccess:
		delete(s.pending, env.RequestID)

	case domain.MsgError:
		var data domain.ErrorPayload
		if err := env.Decode(&data); err != nil {
			return err
		}
		s.revert(env.RequestID)
		return &RemoteError{RequestID: env.RequestID, Code: data.Code, Message: data.Message}
	}
	return nil
}

// applyPurchased credits the seller side of a sale
func (s *State) applyPurchased(data domain.ListingPurchased) {
	s.marketplace = without(s.marketplace, data.ListingID)

	if i := indexOf(s.listings, data.ListingID); i >= 0 {
		s.listings = slices.Delete(s.listings, i, i+1)
		s.currency += data.Price
		return
	}

	// Sold before our cancel reached the server: the item we took back is gone.
	if id := s.cancelPending(data.ListingID); id != "" {
		op := s.pending[id]
		delete(s.pending, id)
		s.takeBack(op.itemID)
		s.currency += data.Price
	}
}

// revert undoes the optimistic mutation of a rejected request
func (s *State) revert(requestID string) {
	op, ok := s.pending[requestID]
	if !ok {
		return
	}
	delete(s.pending, requestID)

	switch op.kind {
	case OpCreate:
		s.inventory = append(s.inventory, op.itemID)
	case OpCancel:
		if indexOf(s.listings, op.listing.ID) < 0 {
			s.listings = append(s.listings, op.listing)
		}
		s.takeBack(op.itemID)
	case OpBuy:
		s.currency += op.price
		s.takeBack(op.itemID)
	}
}

// ExpirePending commits operations that got no reply within maxAge and
// returns how many were dropped
func (s *State) ExpirePending(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	n := 0
	for id, op := range s.pending {
		if !op.startedAt.After(cutoff) {
			delete(s.pending, id)
			n++
		}
	}
	return n
}

func (s *State) track(op *pendingOp) string {
	id := uuid.NewString()
	op.startedAt = s.now()
	s.pending[id] = op
	return id
}

func (s *State) countPending(kind OpKind) int {
	n := 0
	for _, op := range s.pending {
		if op.kind == kind {
			n++
		}
	}
	return n
}

// cancelPending returns the request id of a pending cancel for listingID
func (s *State) cancelPending(listingID string) string {
	for id, op := range s.pending {
		if op.kind == OpCancel && op.listing.ID == listingID {
			return id
		}
	}
	return ""
}

// takeBack removes one instance of itemID, preferring the inventory
func (s *State) takeBack(itemID string) {
	if slices.Contains(s.inventory, itemID) {
		s.inventory = removeOne(s.inventory, itemID)
		return
	}
	s.equipped = removeOne(s.equipped, itemID)
}

func removeOne(items []string, itemID string) []string {
	if i := slices.Index(items, itemID); i >= 0 {
		return slices.Delete(items, i, i+1)
	}
	return items
}

func indexOf(listings []domain.Listing, id string) int {
	return slices.IndexFunc(listings, func(l domain.Listing) bool { return l.ID == id })
}

func without(listings []domain.Listing, id string) []domain.Listing {
	return slices.DeleteFunc(listings, func(l domain.Listing) bool { return l.ID == id })
}

func nonNil(listings []domain.Listing) []domain.Listing {
	if listings == nil {
		return []domain.Listing{}
	}
	return listings
}
