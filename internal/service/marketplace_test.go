package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/clicker-market/internal/domain"
	"github.com/clicker-market/internal/ledger"
	"github.com/clicker-market/internal/metrics"
	"github.com/clicker-market/internal/presence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []domain.Message
}

func (b *recordingBroadcaster) Broadcast(msg domain.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.messages))
	for i, m := range b.messages {
		out[i] = m.Type
	}
	return out
}

func (b *recordingBroadcaster) last() domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messages[len(b.messages)-1]
}

func (b *recordingBroadcaster) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.MarketEvent
}

func (p *recordingPublisher) Publish(e domain.MarketEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

type memStore struct {
	mu    sync.Mutex
	snap  *domain.Snapshot
	saves int
	fail  error
}

func (s *memStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	return domain.NewSnapshot(), nil
}

func (s *memStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.saves++
	return nil
}

type testEnv struct {
	svc       *MarketService
	ledger    *ledger.Ledger
	store     *memStore
	bcast     *recordingBroadcaster
	publisher *recordingPublisher
	now       time.Time
}

func setup(t *testing.T, opts Options) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		store:     &memStore{},
		bcast:     &recordingBroadcaster{},
		publisher: &recordingPublisher{},
		now:       time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	env.ledger = ledger.New(env.store, time.Hour, logger)
	env.ledger.SetClock(func() time.Time { return env.now })
	env.svc = NewMarketService(env.ledger, presence.NewRegistry(), env.bcast, opts, metrics.New(nil), logger)
	env.svc.SetPublisher(env.publisher)
	return env
}

func (e *testEnv) register(t *testing.T, id, name string) *Session {
	t.Helper()
	sess := &Session{}
	_, err := e.svc.Register(context.Background(), sess, domain.RegisterRequest{PlayerID: id, PlayerName: name})
	require.NoError(t, err)
	return sess
}

func TestRegisterBroadcastsOnlineCount(t *testing.T) {
	env := setup(t, Options{})

	alice := env.register(t, "alice", "Alice")
	assert.Equal(t, "alice", alice.PlayerID)
	assert.Equal(t, domain.OnlineCountUpdate{Count: 1}, env.bcast.last().Data)

	bob := env.register(t, "bob", "Bob")
	assert.Equal(t, domain.OnlineCountUpdate{Count: 2}, env.bcast.last().Data)

	env.svc.Disconnect(bob)
	assert.Equal(t, domain.OnlineCountUpdate{Count: 1}, env.bcast.last().Data)

	env.svc.Disconnect(alice)
	assert.Equal(t, domain.OnlineCountUpdate{Count: 0}, env.bcast.last().Data)
	assert.Equal(t, 0, env.svc.OnlineCount())
}

func TestRegisterGeneratesIdentity(t *testing.T) {
	env := setup(t, Options{})
	sess := &Session{}

	player, err := env.svc.Register(context.Background(), sess, domain.RegisterRequest{})
	require.NoError(t, err)
	assert.Contains(t, player.ID, "player_")
	assert.Equal(t, player.ID, sess.PlayerID)
	assert.Equal(t, domain.DefaultPlayerName(player.ID), sess.PlayerName)
}

func TestReRegisterReleasesPreviousPlayer(t *testing.T) {
	env := setup(t, Options{})
	sess := env.register(t, "alice", "Alice")

	_, err := env.svc.Register(context.Background(), sess, domain.RegisterRequest{PlayerID: "alice2", PlayerName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, env.svc.OnlineCount())
	assert.Equal(t, "alice2", sess.PlayerID)

	_, err = env.svc.Register(context.Background(), sess, domain.RegisterRequest{PlayerID: "alice2", PlayerName: "Alice"})
	require.NoError(t, err)
	env.svc.Disconnect(sess)
	assert.Equal(t, 0, env.svc.OnlineCount())
}

func TestTwoTabsSamePlayer(t *testing.T) {
	env := setup(t, Options{})
	tab1 := env.register(t, "alice", "Alice")
	tab2 := env.register(t, "alice", "Alice")
	assert.Equal(t, 1, env.svc.OnlineCount())

	env.svc.Disconnect(tab1)
	assert.Equal(t, 1, env.svc.OnlineCount())
	env.svc.Disconnect(tab2)
	assert.Equal(t, 0, env.svc.OnlineCount())
}

func TestUnregisteredRequestsRejected(t *testing.T) {
	env := setup(t, Options{})
	ctx := context.Background()
	sess := &Session{}

	_, err := env.svc.CreateListing(ctx, sess, domain.CreateListingRequest{ItemID: "item1", Price: 1000})
	assert.ErrorIs(t, err, domain.ErrNotRegistered)
	_, err = env.svc.CancelListing(ctx, sess, "listing_x")
	assert.ErrorIs(t, err, domain.ErrNotRegistered)
	_, err = env.svc.BuyListing(ctx, sess, "listing_x")
	assert.ErrorIs(t, err, domain.ErrNotRegistered)
	_, err = env.svc.MyListings(sess)
	assert.ErrorIs(t, err, domain.ErrNotRegistered)
	assert.ErrorIs(t, env.svc.UpdateGameState(sess, json.RawMessage(`{}`)), domain.ErrNotRegistered)

	update, err := env.svc.Marketplace(ctx)
	require.NoError(t, err)
	assert.Empty(t, update.Listings)
}

func TestListAndBuy(t *testing.T) {
	env := setup(t, Options{})
	ctx := context.Background()
	alice := env.register(t, "alice", "Alice")
	bob := env.register(t, "bob", "Bob")
	env.bcast.reset()

	listing, err := env.svc.CreateListing(ctx, alice, domain.CreateListingRequest{ItemID: "item2", Price: 11000})
	require.NoError(t, err)
	assert.Equal(t, "Alice", listing.SellerName)
	assert.Equal(t, domain.MsgListingAdded, env.bcast.last().Type)
	assert.Equal(t, listing, env.bcast.last().Data)

	bought, err := env.svc.BuyListing(ctx, bob, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, listing, bought)

	msg := env.bcast.last()
	assert.Equal(t, domain.MsgListingPurchased, msg.Type)
	assert.Equal(t, domain.ListingPurchased{
		ListingID:  listing.ID,
		BuyerID:    "bob",
		BuyerName:  "Bob",
		SellerID:   "alice",
		SellerName: "Alice",
		ItemID:     "item2",
		Price:      11000,
	}, msg.Data)

	update, err := env.svc.Marketplace(ctx)
	require.NoError(t, err)
	assert.Empty(t, update.Listings)
	assert.Equal(t, 2, update.OnlineCount)

	_, err = env.svc.BuyListing(ctx, bob, listing.ID)
	assert.ErrorIs(t, err, domain.ErrListingNotFound)

	require.Len(t, env.publisher.events, 2)
	assert.Equal(t, domain.EventListingCreated, env.publisher.events[0].Type)
	assert.Equal(t, domain.EventListingPurchased, env.publisher.events[1].Type)
	assert.Equal(t, "bob", env.publisher.events[1].BuyerID)
}

func TestListThenCancel(t *testing.T) {
	env := setup(t, Options{})
	ctx := context.Background()
	alice := env.register(t, "alice", "Alice")

	listing, err := env.svc.CreateListing(ctx, alice, domain.CreateListingRequest{ItemID: "item1", Price: 1000})
	require.NoError(t, err)

	cancelled, err := env.svc.CancelListing(ctx, alice, listing.ID)
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	assert.Equal(t, listing.ID, cancelled.ID)
	assert.Equal(t, domain.MsgListingRemoved, env.bcast.last().Type)
	assert.Equal(t, domain.ListingRef{ListingID: listing.ID}, env.bcast.last().Data)

	mine, err := env.svc.MyListings(alice)
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestCancelIgnoredOutsideStrictMode(t *testing.T) {
	env := setup(t, Options{})
	ctx := context.Background()
	alice := env.register(t, "alice", "Alice")
	bob := env.register(t, "bob", "Bob")

	listing, err := env.svc.CreateListing(ctx, alice, domain.CreateListingRequest{ItemID: "item1", Price: 1000})
	require.NoError(t, err)
	env.bcast.reset()

	cancelled, err := env.svc.CancelListing(ctx, bob, listing.ID)
	assert.NoError(t, err)
	assert.Nil(t, cancelled)

	cancelled, err = env.svc.CancelListing(ctx, alice, "listing_missing")
	assert.NoError(t, err)
	assert.Nil(t, cancelled)

	assert.Empty(t, env.bcast.types())
	assert.Len(t, env.svc.Listings(), 1)
}

func TestStrictMode(t *testing.T) {
	env := setup(t, Options{Strict: true, MaxListings: 2})
	ctx := context.Background()
	alice := env.register(t, "alice", "Alice")
	bob := env.register(t, "bob", "Bob")

	_, err := env.svc.CreateListing(ctx, alice, domain.CreateListingRequest{ItemID: "item99", Price: 1000})
	assert.ErrorIs(t, err, domain.ErrUnknownItem)
	_, err = env.svc.CreateListing(ctx, alice, domain.CreateListingRequest{ItemID: "item2", Price: 4000})
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)

	listing, err := env.svc.CreateListing(ctx, alice, domain.CreateListingRequest{ItemID: "item2", Price: 11000})
	require.NoError(t, err)
	_, err = env.svc.CreateListing(ctx, alice, domain.CreateListingRequest{ItemID: "item1", Price: 1000})
	require.NoError(t, err)
	_, err = env.svc.CreateListing(ctx, alice, domain.CreateListingRequest{ItemID: "item1", Price: 1000})
	assert.ErrorIs(t, err, domain.ErrListingLimit)

	_, err = env.svc.CancelListing(ctx, bob, listing.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = env.svc.CancelListing(ctx, alice, "listing_missing")
	assert.ErrorIs(t, err, domain.ErrListingNotFound)

	_, err = env.svc.BuyListing(ctx, alice, listing.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Len(t, env.svc.Listings(), 2)
}

func TestPersistenceFailureSurfacesInternalError(t *testing.T) {
	env := setup(t, Options{})
	ctx := context.Background()
	alice := env.register(t, "alice", "Alice")
	env.bcast.reset()

	env.store.fail = errors.New("disk full")
	_, err := env.svc.CreateListing(ctx, alice, domain.CreateListingRequest{ItemID: "item1", Price: 1000})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInternal, domain.ErrorCode(err))
	assert.Empty(t, env.bcast.types())
	assert.Empty(t, env.svc.Listings())
}

func TestSweepExpired(t *testing.T) {
	env := setup(t, Options{BroadcastExpired: true})
	ctx := context.Background()
	alice := env.register(t, "alice", "Alice")

	listing, err := env.svc.CreateListing(ctx, alice, domain.CreateListingRequest{ItemID: "item8", Price: 5000})
	require.NoError(t, err)

	savesBefore := env.store.saves
	n, err := env.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, savesBefore+1, env.store.saves, "a sweep tick always writes the ledger")

	env.now = env.now.Add(time.Hour)
	n, err = env.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg := env.bcast.last()
	assert.Equal(t, domain.MsgListingExpired, msg.Type)
	assert.Equal(t, domain.ListingExpired{ListingID: listing.ID, SellerID: "alice", ItemID: "item8"}, msg.Data)
	assert.Equal(t, domain.EventListingExpired, env.publisher.events[len(env.publisher.events)-1].Type)
}

func TestMarketplaceSweepsInline(t *testing.T) {
	env := setup(t, Options{})
	ctx := context.Background()
	alice := env.register(t, "alice", "Alice")

	_, err := env.svc.CreateListing(ctx, alice, domain.CreateListingRequest{ItemID: "item8", Price: 5000})
	require.NoError(t, err)
	env.now = env.now.Add(2 * time.Hour)
	env.bcast.reset()

	update, err := env.svc.Marketplace(ctx)
	require.NoError(t, err)
	assert.Empty(t, update.Listings)
	assert.Empty(t, env.bcast.types(), "expiry is silent unless enabled")
	assert.Equal(t, 0, env.svc.Stats().TotalListings)
}

func TestUpdateGameStateAndStats(t *testing.T) {
	env := setup(t, Options{})
	alice := env.register(t, "alice", "Alice")
	env.register(t, "bob", "Bob")

	require.NoError(t, env.svc.UpdateGameState(alice, json.RawMessage(`{"currency":10}`)))
	assert.ErrorIs(t, env.svc.UpdateGameState(alice, nil), domain.ErrInvalidRequest)

	p, ok := env.ledger.Player("alice")
	require.True(t, ok)
	assert.JSONEq(t, `{"currency":10}`, string(p.GameState))

	assert.Equal(t, domain.MarketStats{TotalListings: 0, OnlinePlayers: 2, TotalPlayers: 2}, env.svc.Stats())
}
