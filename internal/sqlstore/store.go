package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/clicker-market/internal/domain"
	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const noGameState = "null"

// ListingRow is the stored form of a listing
type ListingRow struct {
	ID         string  `gorm:"column:id;primaryKey"`
	ItemID     string  `gorm:"column:item_id;not null"`
	SellerID   string  `gorm:"column:seller_id;index;not null"`
	SellerName string  `gorm:"column:seller_name;not null"`
	Price      float64 `gorm:"column:price;not null"`
	Timestamp  int64   `gorm:"column:created_at_ms;not null"`
}

func (ListingRow) TableName() string {
	return "market_listings"
}

// PlayerRow is the stored form of a player record
type PlayerRow struct {
	ID           string         `gorm:"column:id;primaryKey"`
	Name         string         `gorm:"column:name;not null"`
	Civilization string         `gorm:"column:civilization"`
	JoinedAt     int64          `gorm:"column:joined_at;not null"`
	GameState    datatypes.JSON `gorm:"column:game_state;not null"`
}

func (PlayerRow) TableName() string {
	return "market_players"
}

// Store persists the ledger snapshot in an embedded SQLite database
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and migrates it
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// SQLite allows one writer, and an in-memory database exists per connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return New(db, log)
}

// New wraps an open gorm handle and migrates the schema
func New(db *gorm.DB, log *slog.Logger) (*Store, error) {
	if err := db.AutoMigrate(&ListingRow{}, &PlayerRow{}); err != nil {
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}
	return &Store{db: db, logger: log}, nil
}

// Close closes the database
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Save rewrites the listings table and upserts every player
func (s *Store) Save(ctx context.Context, snap *domain.Snapshot) error {
	listings := make([]ListingRow, 0, len(snap.Listings))
	for _, l := range snap.Listings {
		listings = append(listings, ListingRow{
			ID:         l.ID,
			ItemID:     l.ItemID,
			SellerID:   l.SellerID,
			SellerName: l.SellerName,
			Price:      l.Price,
			Timestamp:  l.Timestamp,
		})
	}
	players := make([]PlayerRow, 0, len(snap.Players))
	for _, p := range snap.Players {
		// absent game state is stored as a JSON null literal
		state := datatypes.JSON(noGameState)
		if len(p.GameState) > 0 {
			state = datatypes.JSON(p.GameState)
		}
		players = append(players, PlayerRow{
			ID:           p.ID,
			Name:         p.Name,
			Civilization: p.Civilization,
			JoinedAt:     p.JoinedAt,
			GameState:    state,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&ListingRow{}).Error; err != nil {
			return err
		}
		if len(listings) > 0 {
			if err := tx.CreateInBatches(listings, 100).Error; err != nil {
				return err
			}
		}
		if len(players) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(players, 100).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// Load reads the stored snapshot
func (s *Store) Load(ctx context.Context) (*domain.Snapshot, error) {
	var listings []ListingRow
	if err := s.db.WithContext(ctx).Order("created_at_ms, id").Find(&listings).Error; err != nil {
		return nil, fmt.Errorf("loading listings: %w", err)
	}
	var players []PlayerRow
	if err := s.db.WithContext(ctx).Find(&players).Error; err != nil {
		return nil, fmt.Errorf("loading players: %w", err)
	}

	snap := domain.NewSnapshot()
	for _, row := range listings {
		snap.Listings = append(snap.Listings, domain.Listing{
			ID:         row.ID,
			ItemID:     row.ItemID,
			SellerID:   row.SellerID,
			SellerName: row.SellerName,
			Price:      row.Price,
			Timestamp:  row.Timestamp,
		})
	}
	for _, row := range players {
		p := domain.Player{
			ID:           row.ID,
			Name:         row.Name,
			Civilization: row.Civilization,
			JoinedAt:     row.JoinedAt,
		}
		if len(row.GameState) > 0 && string(row.GameState) != noGameState {
			p.GameState = json.RawMessage(row.GameState)
		}
		snap.Players[row.ID] = p
	}
	return snap, nil
}
