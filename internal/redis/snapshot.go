package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/clicker-market/internal/config"
	"github.com/clicker-market/internal/domain"
	"github.com/redis/go-redis/v9"
)

// SnapshotStore persists the ledger snapshot in two Redis hashes, one keyed
// by listing ID and one keyed by player ID
type SnapshotStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewSnapshotStore connects to Redis and returns a snapshot store
func NewSnapshotStore(cfg *config.RedisConfig, logger *slog.Logger) (*SnapshotStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewSnapshotStoreWithClient(client, cfg.KeyPrefix, logger), nil
}

// NewSnapshotStoreWithClient wraps an existing client
func NewSnapshotStoreWithClient(client *redis.Client, prefix string, logger *slog.Logger) *SnapshotStore {
	return &SnapshotStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Close closes the Redis connection
func (s *SnapshotStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client
func (s *SnapshotStore) Client() *redis.Client {
	return s.client
}

// Ping checks the Redis connection
func (s *SnapshotStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *SnapshotStore) listingsKey() string {
	return fmt.Sprintf("%s:listings", s.prefix)
}

func (s *SnapshotStore) playersKey() string {
	return fmt.Sprintf("%s:players", s.prefix)
}

// Save replaces both hashes atomically
func (s *SnapshotStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	listings := make([]interface{}, 0, len(snap.Listings)*2)
	for _, l := range snap.Listings {
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("marshaling listing: %w", err)
		}
		listings = append(listings, l.ID, data)
	}

	players := make([]interface{}, 0, len(snap.Players)*2)
	for id, p := range snap.Players {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshaling player: %w", err)
		}
		players = append(players, id, data)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.listingsKey(), s.playersKey())
		if len(listings) > 0 {
			pipe.HSet(ctx, s.listingsKey(), listings...)
		}
		if len(players) > 0 {
			pipe.HSet(ctx, s.playersKey(), players...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// Load reads both hashes. Listings are returned in creation order.
func (s *SnapshotStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	pipe := s.client.Pipeline()
	listingsCmd := pipe.HGetAll(ctx, s.listingsKey())
	playersCmd := pipe.HGetAll(ctx, s.playersKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	snap := domain.NewSnapshot()
	for id, raw := range listingsCmd.Val() {
		var l domain.Listing
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			s.logger.Warn("skipping unreadable listing", "listing_id", id, "error", err)
			continue
		}
		snap.Listings = append(snap.Listings, l)
	}
	sort.Slice(snap.Listings, func(i, j int) bool {
		if snap.Listings[i].Timestamp == snap.Listings[j].Timestamp {
			return snap.Listings[i].ID < snap.Listings[j].ID
		}
		return snap.Listings[i].Timestamp < snap.Listings[j].Timestamp
	})

	for id, raw := range playersCmd.Val() {
		var p domain.Player
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			s.logger.Warn("skipping unreadable player", "player_id", id, "error", err)
			continue
		}
		snap.Players[id] = p
	}
	return snap, nil
}
