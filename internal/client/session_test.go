package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clicker-market/internal/domain"
	"github.com/clicker-market/internal/ledger"
	"github.com/clicker-market/internal/metrics"
	"github.com/clicker-market/internal/presence"
	"github.com/clicker-market/internal/service"
	"github.com/clicker-market/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct{}

func (memStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	return domain.NewSnapshot(), nil
}

func (memStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) string {
	t.Helper()
	logger := testLogger()
	m := metrics.New(nil)

	hub := websocket.NewHub(logger, m)
	go hub.Run()

	l := ledger.New(memStore{}, time.Hour, logger)
	market := service.NewMarketService(l, presence.NewRegistry(), hub, service.Options{}, m, logger)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWs(hub, market, websocket.Limits{}, logger, w, r)
	}))
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, url, playerID string, state *State, opts Options) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Dial(ctx, url, state, opts, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Register(ctx, domain.RegisterRequest{PlayerID: playerID, PlayerName: playerID}))
	return s
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSession_ListAndSell(t *testing.T) {
	url := startServer(t)
	alice := connect(t, url, "alice", NewState(0, []string{"item2"}), Options{})
	bob := connect(t, url, "bob", NewState(50000, nil), Options{})

	call, err := alice.CreateListing("item2", 11000)
	require.NoError(t, err)
	env, err := call.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, domain.MsgListingCreated, env.Type)

	v := alice.View()
	require.Len(t, v.Listings, 1)
	listingID := v.Listings[0].ID
	assert.Empty(t, v.Inventory)

	require.Eventually(t, func() bool {
		return len(bob.View().Marketplace) == 1
	}, 2*time.Second, 10*time.Millisecond)

	call, err = bob.BuyListing(listingID)
	require.NoError(t, err)
	env, err = call.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, domain.MsgPurchaseSuccess, env.Type)

	v = bob.View()
	assert.Equal(t, 39000.0, v.Currency)
	assert.Equal(t, []string{"item2"}, v.Inventory)
	assert.Empty(t, v.Marketplace)

	require.Eventually(t, func() bool {
		v := alice.View()
		return v.Currency == 11000 && len(v.Listings) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_RejectedBuyReverts(t *testing.T) {
	url := startServer(t)
	carol := connect(t, url, "carol", NewState(1000, nil), Options{})

	carol.mu.Lock()
	carol.state.marketplace = append(carol.state.marketplace, domain.Listing{ID: "listing_ghost", ItemID: "item1", Price: 600})
	carol.mu.Unlock()

	call, err := carol.BuyListing("listing_ghost")
	require.NoError(t, err)
	_, err = call.Wait(waitCtx(t))

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, domain.CodeNotFound, remote.Code)

	v := carol.View()
	assert.Equal(t, 1000.0, v.Currency)
	assert.Empty(t, v.Inventory)
	assert.Zero(t, v.Pending)
}

func TestSession_CancelListing(t *testing.T) {
	url := startServer(t)
	alice := connect(t, url, "alice", NewState(0, []string{"item8"}), Options{})

	call, err := alice.CreateListing("item8", 5000)
	require.NoError(t, err)
	_, err = call.Wait(waitCtx(t))
	require.NoError(t, err)

	listingID := alice.View().Listings[0].ID
	call, err = alice.CancelListing(listingID)
	require.NoError(t, err)
	env, err := call.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, domain.MsgListingCancelled, env.Type)

	v := alice.View()
	assert.Empty(t, v.Listings)
	assert.Equal(t, []string{"item8"}, v.Inventory)
	assert.Zero(t, v.Pending)
}

func TestSession_RefreshHealsMissedBroadcasts(t *testing.T) {
	url := startServer(t)
	seller := connect(t, url, "seller", NewState(0, []string{"item1"}), Options{})
	watcher := connect(t, url, "watcher", NewState(0, nil), Options{RefreshInterval: 50 * time.Millisecond, PendingTimeout: time.Second})

	call, err := seller.CreateListing("item1", 1000)
	require.NoError(t, err)
	_, err = call.Wait(waitCtx(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(watcher.View().Marketplace) == 1
	}, 2*time.Second, 10*time.Millisecond)

	watcher.mu.Lock()
	watcher.state.marketplace = []domain.Listing{}
	watcher.mu.Unlock()

	assert.Eventually(t, func() bool {
		return len(watcher.View().Marketplace) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_LocalRejectionSendsNothing(t *testing.T) {
	url := startServer(t)
	s := connect(t, url, "alice", NewState(0, nil), Options{})

	_, err := s.CreateListing("item2", 11000)
	assert.ErrorIs(t, err, ErrNotInInventory)
	_, err = s.BuyListing("listing_missing")
	assert.ErrorIs(t, err, domain.ErrListingNotFound)
	assert.Zero(t, s.View().Pending)
}

func TestSession_Close(t *testing.T) {
	url := startServer(t)
	s := connect(t, url, "alice", NewState(0, []string{"item1"}), Options{})

	require.NoError(t, s.Close())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed")
	}

	_, err := s.CreateListing("item1", 1000)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, []string{"item1"}, s.View().Inventory)
	assert.NoError(t, s.Close())
}
