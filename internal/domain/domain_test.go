package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogPriceBand(t *testing.T) {
	item, ok := LookupItem("item2")
	require.True(t, ok)
	assert.Equal(t, 5000.0, item.MinPrice())
	assert.Equal(t, 20000.0, item.MaxPrice())
	assert.True(t, item.PriceAllowed(11000))
	assert.True(t, item.PriceAllowed(5000))
	assert.True(t, item.PriceAllowed(20000))
	assert.False(t, item.PriceAllowed(4999))
	assert.False(t, item.PriceAllowed(20001))

	assert.Len(t, Catalog(), 8)
	_, ok = LookupItem("item99")
	assert.False(t, ok)
}

func TestValidateListing(t *testing.T) {
	assert.NoError(t, ValidateListing("item1", 1000))
	assert.ErrorIs(t, ValidateListing("nope", 1000), ErrUnknownItem)
	assert.ErrorIs(t, ValidateListing("item1", 0), ErrInvalidPrice)
	assert.ErrorIs(t, ValidateListing("item1", -5), ErrInvalidPrice)
}

func TestListingExpired(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := Listing{ID: "l1", Timestamp: created.UnixMilli()}

	assert.False(t, l.Expired(created.Add(59*time.Minute), time.Hour))
	assert.True(t, l.Expired(created.Add(time.Hour), time.Hour))
	assert.True(t, l.Expired(created.Add(2*time.Hour), time.Hour))
}

func TestErrorCodes(t *testing.T) {
	wrapped := fmt.Errorf("buying: %w", ErrListingNotFound)
	assert.Equal(t, CodeNotFound, ErrorCode(wrapped))
	assert.Equal(t, CodeUnauthorized, ErrorCode(ErrUnauthorized))
	assert.Equal(t, CodeNotRegistered, ErrorCode(ErrNotRegistered))
	assert.Equal(t, CodeInternal, ErrorCode(errors.New("disk full")))
	assert.True(t, IsClientError(ErrInvalidPrice))
	assert.False(t, IsClientError(errors.New("disk full")))

	p := NewErrorPayload(errors.New("disk full"))
	assert.Equal(t, ErrInternalError.Error(), p.Message)
	assert.Equal(t, CodeInternal, p.Code)
}

func TestEnvelopeDecode(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"create-listing","requestId":"r1","data":{"itemId":"item2","price":11000}}`), &env))
	assert.Equal(t, MsgCreateListing, env.Type)
	assert.Equal(t, "r1", env.RequestID)

	var req CreateListingRequest
	require.NoError(t, env.Decode(&req))
	assert.Equal(t, "item2", req.ItemID)
	assert.Equal(t, 11000.0, req.Price)

	empty := Envelope{Type: MsgBuyListing}
	assert.ErrorIs(t, empty.Decode(&req), ErrInvalidRequest)

	bad := Envelope{Type: MsgBuyListing, Data: json.RawMessage(`"oops"`)}
	assert.ErrorIs(t, bad.Decode(&req), ErrInvalidRequest)
}

func TestDefaultPlayerName(t *testing.T) {
	assert.Equal(t, "Player123456", DefaultPlayerName("player_abc123456"))
	assert.Equal(t, "Playerab", DefaultPlayerName("ab"))
}
