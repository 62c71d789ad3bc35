package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clicker-market/internal/config"
	"github.com/clicker-market/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL-based persistence for the ledger snapshot
// and the market event archive
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// migrations create the snapshot and event archive tables. Identifier
// columns are unbounded because clients choose their own player IDs.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS market_players (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		civilization TEXT,
		joined_at BIGINT NOT NULL,
		game_state JSONB,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS market_listings (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		seller_name TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		created_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS market_events (
		id BIGSERIAL PRIMARY KEY,
		event_type TEXT NOT NULL,
		listing_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		buyer_id TEXT,
		price DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	// Widen player ID columns created by older schemas
	`ALTER TABLE market_players ALTER COLUMN id TYPE TEXT`,
	`ALTER TABLE market_listings ALTER COLUMN seller_id TYPE TEXT`,
	`ALTER TABLE market_events ALTER COLUMN seller_id TYPE TEXT, ALTER COLUMN buyer_id TYPE TEXT`,
	`CREATE INDEX IF NOT EXISTS idx_market_listings_seller ON market_listings(seller_id)`,
	`CREATE INDEX IF NOT EXISTS idx_market_events_listing ON market_events(listing_id)`,
	`CREATE INDEX IF NOT EXISTS idx_market_events_created ON market_events(created_at DESC)`,
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// Save replaces the stored snapshot in one transaction. Players are upserted
// since they are never deleted; listings are rewritten wholesale.
func (r *Repository) Save(ctx context.Context, snap *domain.Snapshot) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM market_listings`)

	now := time.Now()
	for _, p := range snap.Players {
		var gameState []byte
		if len(p.GameState) > 0 {
			gameState = p.GameState
		}
		batch.Queue(`
			INSERT INTO market_players (id, name, civilization, joined_at, game_state, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id)
			DO UPDATE SET name = $2, civilization = $3, game_state = COALESCE($5, market_players.game_state), updated_at = $6
		`, p.ID, p.Name, p.Civilization, p.JoinedAt, gameState, now)
	}

	for _, l := range snap.Listings {
		batch.Queue(`
			INSERT INTO market_listings (id, item_id, seller_id, seller_name, price, created_at_ms)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, l.ID, l.ItemID, l.SellerID, l.SellerName, l.Price, l.Timestamp)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("saving snapshot: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

// Load reads the stored snapshot
func (r *Repository) Load(ctx context.Context) (*domain.Snapshot, error) {
	snap := domain.NewSnapshot()

	rows, err := r.pool.Query(ctx, `
		SELECT id, item_id, seller_id, seller_name, price, created_at_ms
		FROM market_listings
		ORDER BY created_at_ms, id
	`)
	if err != nil {
		return nil, fmt.Errorf("loading listings: %w", err)
	}
	for rows.Next() {
		var l domain.Listing
		if err := rows.Scan(&l.ID, &l.ItemID, &l.SellerID, &l.SellerName, &l.Price, &l.Timestamp); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning listing: %w", err)
		}
		snap.Listings = append(snap.Listings, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading listings: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
		SELECT id, name, COALESCE(civilization, ''), joined_at, game_state
		FROM market_players
	`)
	if err != nil {
		return nil, fmt.Errorf("loading players: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.Player
		var gameState []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.Civilization, &p.JoinedAt, &gameState); err != nil {
			return nil, fmt.Errorf("scanning player: %w", err)
		}
		if len(gameState) > 0 {
			p.GameState = gameState
		}
		snap.Players[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading players: %w", err)
	}

	return snap, nil
}

// RecordEvents archives a batch of market events
func (r *Repository) RecordEvents(ctx context.Context, events []domain.MarketEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO market_events (event_type, listing_id, item_id, seller_id, buyer_id, price, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
	`
	for _, e := range events {
		batch.Queue(query, string(e.Type), e.ListingID, e.ItemID, e.SellerID, e.BuyerID, e.Price, e.Timestamp)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		_, err := br.Exec()
		if err != nil {
			return fmt.Errorf("recording events: %w", err)
		}
	}
	return nil
}

// CountEvents returns the number of archived events of one type
func (r *Repository) CountEvents(ctx context.Context, eventType domain.EventType) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM market_events WHERE event_type = $1`, string(eventType)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return count, nil
}
