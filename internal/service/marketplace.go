package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clicker-market/internal/domain"
	"github.com/clicker-market/internal/ledger"
	"github.com/clicker-market/internal/metrics"
	"github.com/clicker-market/internal/presence"
)

// Broadcaster delivers a message to every connected client in call order
type Broadcaster interface {
	Broadcast(msg domain.Message)
}

// EventPublisher receives every ledger change
type EventPublisher interface {
	Publish(event domain.MarketEvent)
}

type noopPublisher struct{}

func (noopPublisher) Publish(domain.MarketEvent) {}

// Options holds marketplace rules
type Options struct {
	MaxListings      int
	Strict           bool
	BroadcastExpired bool
}

// Session is the identity bound to one connection by register
type Session struct {
	PlayerID   string
	PlayerName string
}

// Registered reports whether register has succeeded on the connection
func (s *Session) Registered() bool {
	return s.PlayerID != ""
}

// MarketService implements the marketplace protocol semantics.
//
// Mutations and the broadcasts they cause run under one mutex so every
// client observes ledger changes in the order they were applied.
type MarketService struct {
	mu sync.Mutex

	ledger      *ledger.Ledger
	presence    *presence.Registry
	broadcaster Broadcaster
	publisher   EventPublisher
	metrics     *metrics.Metrics
	opts        Options
	logger      *slog.Logger
}

// NewMarketService creates a new marketplace service
func NewMarketService(
	l *ledger.Ledger,
	reg *presence.Registry,
	broadcaster Broadcaster,
	opts Options,
	m *metrics.Metrics,
	logger *slog.Logger,
) *MarketService {
	s := &MarketService{
		ledger:      l,
		presence:    reg,
		broadcaster: broadcaster,
		publisher:   noopPublisher{},
		metrics:     m,
		opts:        opts,
		logger:      logger,
	}
	s.refreshGauges()
	return s
}

// SetPublisher routes ledger changes to an event stream
func (s *MarketService) SetPublisher(p EventPublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// Strict reports whether server-side validation is enabled
func (s *MarketService) Strict() bool {
	return s.opts.Strict
}

// Register binds a player to the session and marks it online.
// Registering a different player on the same session releases the old one first.
func (s *MarketService) Register(ctx context.Context, sess *Session, req domain.RegisterRequest) (domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	player, created, err := s.ledger.RegisterPlayer(ctx, req.PlayerID, req.PlayerName, req.Civilization)
	if err != nil {
		return domain.Player{}, fmt.Errorf("registering player: %w", err)
	}
	if created {
		s.logger.Info("player created", "player_id", player.ID, "name", player.Name)
	}

	if sess.PlayerID != player.ID {
		if sess.Registered() {
			s.presence.Disconnect(sess.PlayerID)
		}
		s.presence.Connect(player.ID)
	}

	sess.PlayerID = player.ID
	sess.PlayerName = player.Name
	if req.PlayerName != "" {
		sess.PlayerName = req.PlayerName
	}

	s.broadcastOnlineCount()
	return player, nil
}

// Disconnect releases the session's player from the online set
func (s *MarketService) Disconnect(sess *Session) {
	if !sess.Registered() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.presence.Disconnect(sess.PlayerID)
	s.broadcastOnlineCount()
}

// broadcastOnlineCount must be called with s.mu held
func (s *MarketService) broadcastOnlineCount() {
	count := s.presence.Count()
	s.metrics.OnlinePlayers.Set(float64(count))
	s.broadcaster.Broadcast(domain.NewMessage(domain.MsgOnlineCountUpdate, "", domain.OnlineCountUpdate{Count: count}))
}

// Marketplace evicts expired listings and returns the current snapshot
func (s *MarketService) Marketplace(ctx context.Context) (domain.MarketplaceUpdate, error) {
	var update domain.MarketplaceUpdate
	err := s.MarketplaceTo(ctx, func(u domain.MarketplaceUpdate) { update = u })
	return update, err
}

// MarketplaceTo evicts expired listings and passes the snapshot to reply
// with the mutation lock held, so the reply is queued ahead of broadcasts
// for any later mutation.
func (s *MarketService) MarketplaceTo(ctx context.Context, reply func(domain.MarketplaceUpdate)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.sweep(ctx); err != nil {
		return err
	}
	reply(domain.MarketplaceUpdate{
		Listings:    s.ledger.AllActive(),
		OnlineCount: s.presence.Count(),
	})
	return nil
}

// MyListings returns the session player's active listings
func (s *MarketService) MyListings(sess *Session) ([]domain.Listing, error) {
	var listings []domain.Listing
	err := s.MyListingsTo(sess, func(l []domain.Listing) { listings = l })
	return listings, err
}

// MyListingsTo passes the session player's active listings to reply with
// the mutation lock held
func (s *MarketService) MyListingsTo(sess *Session, reply func([]domain.Listing)) error {
	if !sess.Registered() {
		return domain.ErrNotRegistered
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	reply(s.ledger.ListingsBy(sess.PlayerID))
	return nil
}

// CreateListing lists an item for the session player
func (s *MarketService) CreateListing(ctx context.Context, sess *Session, req domain.CreateListingRequest) (domain.Listing, error) {
	if !sess.Registered() {
		return domain.Listing{}, domain.ErrNotRegistered
	}
	if req.ItemID == "" {
		return domain.Listing{}, fmt.Errorf("itemId is required: %w", domain.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.Strict {
		if err := domain.ValidateListing(req.ItemID, req.Price); err != nil {
			return domain.Listing{}, err
		}
		if s.opts.MaxListings > 0 && len(s.ledger.ListingsBy(sess.PlayerID)) >= s.opts.MaxListings {
			return domain.Listing{}, domain.ErrListingLimit
		}
	}

	listing, err := s.ledger.CreateListing(ctx, sess.PlayerID, sess.PlayerName, req.ItemID, req.Price)
	if err != nil {
		return domain.Listing{}, err
	}

	s.broadcaster.Broadcast(domain.NewMessage(domain.MsgListingAdded, "", listing))
	s.recordEvent(domain.EventListingCreated, listing, "")
	s.logger.Info("listing created",
		"listing_id", listing.ID,
		"player_id", sess.PlayerID,
		"item_id", listing.ItemID,
		"price", listing.Price,
	)
	return listing, nil
}

// CancelListing withdraws one of the session player's listings.
//
// Outside strict mode a missing or foreign listing is ignored and both return
// values are nil, so the requester gets no reply.
func (s *MarketService) CancelListing(ctx context.Context, sess *Session, listingID string) (*domain.Listing, error) {
	if !sess.Registered() {
		return nil, domain.ErrNotRegistered
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	listing, err := s.ledger.CancelListing(ctx, listingID, sess.PlayerID)
	if err != nil {
		if !s.opts.Strict && domain.IsClientError(err) {
			s.logger.Debug("cancel ignored", "listing_id", listingID, "player_id", sess.PlayerID, "reason", err)
			return nil, nil
		}
		return nil, err
	}

	s.broadcaster.Broadcast(domain.NewMessage(domain.MsgListingRemoved, "", domain.ListingRef{ListingID: listing.ID}))
	s.recordEvent(domain.EventListingCancelled, listing, "")
	s.logger.Info("listing cancelled", "listing_id", listing.ID, "player_id", sess.PlayerID)
	return &listing, nil
}

// BuyListing transfers a listing to the session player. The first valid
// request wins; later ones get ErrListingNotFound.
func (s *MarketService) BuyListing(ctx context.Context, sess *Session, listingID string) (domain.Listing, error) {
	if !sess.Registered() {
		return domain.Listing{}, domain.ErrNotRegistered
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.Strict {
		for _, own := range s.ledger.ListingsBy(sess.PlayerID) {
			if own.ID == listingID {
				return domain.Listing{}, fmt.Errorf("buying own listing: %w", domain.ErrUnauthorized)
			}
		}
	}

	listing, err := s.ledger.BuyListing(ctx, listingID, sess.PlayerID)
	if err != nil {
		return domain.Listing{}, err
	}

	s.broadcaster.Broadcast(domain.NewMessage(domain.MsgListingPurchased, "", domain.ListingPurchased{
		ListingID:  listing.ID,
		BuyerID:    sess.PlayerID,
		BuyerName:  sess.PlayerName,
		SellerID:   listing.SellerID,
		SellerName: listing.SellerName,
		ItemID:     listing.ItemID,
		Price:      listing.Price,
	}))
	s.recordEvent(domain.EventListingPurchased, listing, sess.PlayerID)
	s.logger.Info("listing purchased",
		"listing_id", listing.ID,
		"buyer_id", sess.PlayerID,
		"seller_id", listing.SellerID,
		"price", listing.Price,
	)
	return listing, nil
}

// UpdateGameState mirrors the client's reported game state
func (s *MarketService) UpdateGameState(sess *Session, state json.RawMessage) error {
	if !sess.Registered() {
		return domain.ErrNotRegistered
	}
	if len(state) == 0 {
		return fmt.Errorf("gameState is required: %w", domain.ErrInvalidRequest)
	}
	return s.ledger.UpdateGameState(sess.PlayerID, state)
}

// SweepExpired evicts expired listings and writes the ledger so game state
// mirrors reach storage even when nothing expired
func (s *MarketService) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.sweep(ctx)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		if err := s.ledger.Persist(ctx); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// sweep must be called with s.mu held
func (s *MarketService) sweep(ctx context.Context) (int, error) {
	expired, err := s.ledger.SweepExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired listings: %w", err)
	}

	for _, listing := range expired {
		if s.opts.BroadcastExpired {
			s.broadcaster.Broadcast(domain.NewMessage(domain.MsgListingExpired, "", domain.ListingExpired{
				ListingID: listing.ID,
				SellerID:  listing.SellerID,
				ItemID:    listing.ItemID,
			}))
		}
		s.recordEvent(domain.EventListingExpired, listing, "")
	}
	if len(expired) > 0 {
		s.logger.Info("expired listings removed", "count", len(expired))
	}
	return len(expired), nil
}

// Persist writes the ledger to storage
func (s *MarketService) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Persist(ctx)
}

// recordEvent must be called with s.mu held
func (s *MarketService) recordEvent(eventType domain.EventType, listing domain.Listing, buyerID string) {
	s.metrics.ListingEvents.WithLabelValues(string(eventType)).Inc()
	s.refreshGauges()
	s.publisher.Publish(domain.NewMarketEvent(eventType, listing, buyerID))
}

func (s *MarketService) refreshGauges() {
	listings, _ := s.ledger.Stats()
	s.metrics.ActiveListings.Set(float64(listings))
}

var knownMessages = map[string]bool{
	domain.MsgRegister:        true,
	domain.MsgGetListings:     true,
	domain.MsgGetMyListings:   true,
	domain.MsgCreateListing:   true,
	domain.MsgCancelListing:   true,
	domain.MsgBuyListing:      true,
	domain.MsgUpdateGameState: true,
	domain.MsgPing:            true,
}

// CountMessage counts an inbound message by type
func (s *MarketService) CountMessage(msgType string) {
	if !knownMessages[msgType] {
		msgType = "unknown"
	}
	s.metrics.Messages.WithLabelValues(msgType).Inc()
}

// RecordError counts a rejected request by its client-facing code
func (s *MarketService) RecordError(err error) {
	s.metrics.RequestErrors.WithLabelValues(domain.ErrorCode(err)).Inc()
}

// Listings returns every active listing
func (s *MarketService) Listings() []domain.Listing {
	return s.ledger.AllActive()
}

// PlayerListings returns the active listings of one player
func (s *MarketService) PlayerListings(playerID string) []domain.Listing {
	return s.ledger.ListingsBy(playerID)
}

// OnlineCount returns the number of online players
func (s *MarketService) OnlineCount() int {
	return s.presence.Count()
}

// Stats summarizes the marketplace
func (s *MarketService) Stats() domain.MarketStats {
	listings, players := s.ledger.Stats()
	return domain.MarketStats{
		TotalListings: listings,
		OnlinePlayers: s.presence.Count(),
		TotalPlayers:  players,
	}
}
