package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/clicker-market/internal/domain"
	"github.com/google/uuid"
)

// Store persists ledger snapshots. Save replaces whatever was stored before
// and must not retain the snapshot after it returns.
type Store interface {
	Load(ctx context.Context) (*domain.Snapshot, error)
	Save(ctx context.Context, snapshot *domain.Snapshot) error
}

// Ledger is the authoritative set of active listings and known players.
//
// Every mutation is write-through: the changed state is handed to the Store
// and committed in memory only once the write succeeded, so a failed write
// leaves the ledger exactly as it was.
type Ledger struct {
	mu       sync.RWMutex
	listings []domain.Listing
	players  map[string]domain.Player

	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty ledger backed by store
func New(store Store, ttl time.Duration, logger *slog.Logger) *Ledger {
	return &Ledger{
		listings: []domain.Listing{},
		players:  make(map[string]domain.Player),
		store:    store,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock replaces the time source
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// TTL returns the maximum listing age
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Load replaces the in-memory state with the stored snapshot
func (l *Ledger) Load(ctx context.Context) error {
	snap, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.listings = []domain.Listing{}
	if snap.Listings != nil {
		l.listings = snap.Listings
	}
	l.players = make(map[string]domain.Player, len(snap.Players))
	for id, p := range snap.Players {
		l.players[id] = p
	}

	l.logger.Info("ledger loaded", "listings", len(l.listings), "players", len(l.players))
	return nil
}

// Persist writes the current state to the store
func (l *Ledger) Persist(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save(ctx, l.listings)
}

// save must be called with the write lock held
func (l *Ledger) save(ctx context.Context, listings []domain.Listing) error {
	snap := &domain.Snapshot{
		Listings: listings,
		Players:  l.players,
	}
	if err := l.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("persisting ledger: %w", err)
	}
	return nil
}

// RegisterPlayer returns the player record for id, creating it if needed.
// An empty id gets a generated one and an empty name a derived one.
func (l *Ledger) RegisterPlayer(ctx context.Context, id, name, civilization string) (domain.Player, bool, error) {
	if id == "" {
		id = "player_" + uuid.NewString()
	}
	if name == "" {
		name = domain.DefaultPlayerName(id)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.players[id]; ok {
		return p, false, nil
	}

	p := domain.Player{
		ID:           id,
		Name:         name,
		Civilization: civilization,
		JoinedAt:     l.now().UnixMilli(),
	}
	l.players[id] = p
	if err := l.save(ctx, l.listings); err != nil {
		delete(l.players, id)
		return domain.Player{}, false, err
	}
	return p, true, nil
}

// Player looks up a player record
func (l *Ledger) Player(id string) (domain.Player, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.players[id]
	return p, ok
}

// UpdateGameState stores the client's reported game state on the player record.
// The mirror is written with the next snapshot rather than immediately.
func (l *Ledger) UpdateGameState(id string, state json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.players[id]
	if !ok {
		return domain.ErrPlayerNotFound
	}
	p.GameState = append(json.RawMessage(nil), state...)
	l.players[id] = p
	return nil
}

// CreateListing adds a listing for a registered seller
func (l *Ledger) CreateListing(ctx context.Context, sellerID, sellerName, itemID string, price float64) (domain.Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.players[sellerID]; !ok {
		return domain.Listing{}, domain.ErrNotRegistered
	}

	listing := domain.Listing{
		ID:         "listing_" + uuid.NewString(),
		ItemID:     itemID,
		SellerID:   sellerID,
		SellerName: sellerName,
		Price:      price,
		Timestamp:  l.now().UnixMilli(),
	}

	next := append(slices.Clip(l.listings), listing)
	if err := l.save(ctx, next); err != nil {
		return domain.Listing{}, err
	}
	l.listings = next
	return listing, nil
}

// CancelListing removes a listing on behalf of its seller.
// A missing listing yields ErrListingNotFound and a listing owned by someone
// else yields ErrUnauthorized; the ledger is unchanged in both cases.
func (l *Ledger) CancelListing(ctx context.Context, listingID, requesterID string) (domain.Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexActive(listingID)
	if i < 0 {
		return domain.Listing{}, domain.ErrListingNotFound
	}
	listing := l.listings[i]
	if listing.SellerID != requesterID {
		return domain.Listing{}, domain.ErrUnauthorized
	}

	if err := l.remove(ctx, i); err != nil {
		return domain.Listing{}, err
	}
	return listing, nil
}

// BuyListing removes a listing on behalf of a buyer. When two buyers race
// for the same listing the second one gets ErrListingNotFound.
func (l *Ledger) BuyListing(ctx context.Context, listingID, buyerID string) (domain.Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexActive(listingID)
	if i < 0 {
		return domain.Listing{}, domain.ErrListingNotFound
	}
	listing := l.listings[i]

	if err := l.remove(ctx, i); err != nil {
		return domain.Listing{}, err
	}
	l.logger.Debug("listing bought", "listing_id", listingID, "buyer_id", buyerID)
	return listing, nil
}

// remove must be called with the write lock held
func (l *Ledger) remove(ctx context.Context, i int) error {
	next := slices.Delete(slices.Clone(l.listings), i, i+1)
	if err := l.save(ctx, next); err != nil {
		return err
	}
	l.listings = next
	return nil
}

// indexActive returns the position of a listing that has not expired, or -1
func (l *Ledger) indexActive(listingID string) int {
	now := l.now()
	for i, listing := range l.listings {
		if listing.ID == listingID {
			if listing.Expired(now, l.ttl) {
				return -1
			}
			return i
		}
	}
	return -1
}

// ListingsBy returns the active listings of one seller
func (l *Ledger) ListingsBy(sellerID string) []domain.Listing {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	out := []domain.Listing{}
	for _, listing := range l.listings {
		if listing.SellerID == sellerID && !listing.Expired(now, l.ttl) {
			out = append(out, listing)
		}
	}
	return out
}

// AllActive returns every listing younger than the TTL
func (l *Ledger) AllActive() []domain.Listing {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	out := make([]domain.Listing, 0, len(l.listings))
	for _, listing := range l.listings {
		if !listing.Expired(now, l.ttl) {
			out = append(out, listing)
		}
	}
	return out
}

// SweepExpired evicts listings that reached the TTL and persists the result.
// Nothing is written when no listing expired.
func (l *Ledger) SweepExpired(ctx context.Context) ([]domain.Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var expired []domain.Listing
	kept := make([]domain.Listing, 0, len(l.listings))
	for _, listing := range l.listings {
		if listing.Expired(now, l.ttl) {
			expired = append(expired, listing)
		} else {
			kept = append(kept, listing)
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}

	if err := l.save(ctx, kept); err != nil {
		return nil, err
	}
	l.listings = kept
	return expired, nil
}

// Stats returns the number of active listings and known players
func (l *Ledger) Stats() (listings, players int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	for _, listing := range l.listings {
		if !listing.Expired(now, l.ttl) {
			listings++
		}
	}
	return listings, len(l.players)
}
