package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clicker-market/internal/domain"
	"github.com/clicker-market/internal/ledger"
	"github.com/clicker-market/internal/metrics"
	"github.com/clicker-market/internal/presence"
	"github.com/clicker-market/internal/service"
	"github.com/clicker-market/internal/websocket"
	"github.com/prometheus/client_golang/prometheus"
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

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func setupHandler(t *testing.T) (*Handler, *service.MarketService, *prometheus.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	hub := websocket.NewHub(logger, m)
	go hub.Run()
	t.Cleanup(hub.Stop)

	l := ledger.New(memStore{}, time.Hour, logger)
	market := service.NewMarketService(l, presence.NewRegistry(), hub, service.Options{}, m, logger)

	h := NewHandler(market, hub, websocket.Limits{}, logger)
	h.SetGatherer(reg)
	return h, market, reg
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp APIResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func decodeData[T any](t *testing.T, resp APIResponse) T {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	h, _, _ := setupHandler(t)

	rec, resp := get(t, h.Router(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]string{"status": "healthy"}, decodeData[map[string]string](t, resp))
}

func TestReadyCheck(t *testing.T) {
	h, _, _ := setupHandler(t)

	rec, _ := get(t, h.Router(), "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	h.SetStorage(pingFunc(func(ctx context.Context) error { return errors.New("connection refused") }))
	rec, resp := get(t, h.Router(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "storage unavailable", resp.Error)
}

func TestMarketEndpoints(t *testing.T) {
	h, market, _ := setupHandler(t)
	router := h.Router()
	ctx := context.Background()

	alice := &service.Session{}
	_, err := market.Register(ctx, alice, domain.RegisterRequest{PlayerID: "alice", PlayerName: "Alice"})
	require.NoError(t, err)
	bob := &service.Session{}
	_, err = market.Register(ctx, bob, domain.RegisterRequest{PlayerID: "bob", PlayerName: "Bob"})
	require.NoError(t, err)

	listing, err := market.CreateListing(ctx, alice, domain.CreateListingRequest{ItemID: "item2", Price: 11000})
	require.NoError(t, err)
	_, err = market.CreateListing(ctx, bob, domain.CreateListingRequest{ItemID: "item1", Price: 900})
	require.NoError(t, err)

	_, resp := get(t, router, "/api/v1/stats")
	stats := decodeData[domain.MarketStats](t, resp)
	assert.Equal(t, domain.MarketStats{TotalListings: 2, OnlinePlayers: 2, TotalPlayers: 2}, stats)

	_, resp = get(t, router, "/api/v1/listings")
	assert.Len(t, decodeData[[]domain.Listing](t, resp), 2)

	_, resp = get(t, router, "/api/v1/players/alice/listings")
	assert.Equal(t, []domain.Listing{listing}, decodeData[[]domain.Listing](t, resp))

	_, resp = get(t, router, "/api/v1/players/nobody/listings")
	assert.Empty(t, decodeData[[]domain.Listing](t, resp))

	_, resp = get(t, router, "/api/v1/items")
	assert.Len(t, decodeData[[]domain.Item](t, resp), len(domain.Catalog()))

	_, resp = get(t, router, "/api/v1/ws/stats")
	wsStats := decodeData[map[string]int](t, resp)
	assert.Equal(t, 0, wsStats["total_connections"])
	assert.Equal(t, 2, wsStats["online_players"])
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _ := setupHandler(t)

	rec, _ := get(t, h.Router(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "marketplace_active_listings")
}

func TestCORSPreflight(t *testing.T) {
	h, _, _ := setupHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/listings", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
