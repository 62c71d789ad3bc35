package domain

import (
	"encoding/json"
	"time"
)

// Player represents a player known to the marketplace
type Player struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Civilization string `json:"civilization,omitempty"`
	JoinedAt     int64  `json:"joinedAt"` // unix milliseconds

	// GameState mirrors the client's reported state. It is never authoritative.
	GameState json.RawMessage `json:"gameState,omitempty"`
}

// JoinedTime returns when the player first registered
func (p Player) JoinedTime() time.Time {
	return time.UnixMilli(p.JoinedAt)
}

// DefaultPlayerName derives a display name from a player ID
func DefaultPlayerName(playerID string) string {
	suffix := playerID
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return "Player" + suffix
}
