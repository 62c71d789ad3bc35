package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/clicker-market/internal/domain"
	"github.com/clicker-market/internal/service"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Game state mirrors can be large.
	maxMessageSize = 64 * 1024

	// Time allowed for one request including persistence
	requestTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The game client is served from any origin
		return true
	},
}

// Limits bounds how fast a single connection may send requests
type Limits struct {
	MessageRate  float64
	MessageBurst int
}

// Client represents a WebSocket client connection
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	market  *service.MarketService
	session service.Session
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, market *service.MarketService, limits Limits, logger *slog.Logger) *Client {
	limit := rate.Inf
	if limits.MessageRate > 0 {
		limit = rate.Limit(limits.MessageRate)
	}
	id := uuid.New().String()
	return &Client{
		id:      id,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		market:  market,
		limiter: rate.NewLimiter(limit, limits.MessageBurst),
		logger:  logger.With("client_id", id),
	}
}

// readPump reads requests from the connection and runs each to completion
// before reading the next
func (c *Client) readPump() {
	defer func() {
		c.market.Disconnect(&c.session)
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "error", err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env domain.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
			c.logger.Warn("invalid message format", "error", err)
			c.replyError("", domain.ErrInvalidRequest)
			continue
		}

		if !c.limiter.Allow() {
			c.replyError(env.RequestID, domain.ErrRateLimited)
			continue
		}

		c.handleMessage(&env)
	}
}

// handleMessage dispatches one request
func (c *Client) handleMessage(env *domain.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	c.market.CountMessage(env.Type)

	switch env.Type {
	case domain.MsgRegister:
		var req domain.RegisterRequest
		if len(env.Data) > 0 {
			if err := env.Decode(&req); err != nil {
				c.replyError(env.RequestID, err)
				return
			}
		}
		if _, err := c.market.Register(ctx, &c.session, req); err != nil {
			c.replyError(env.RequestID, err)
			return
		}
		c.reply(domain.MsgRegistered, env.RequestID, domain.Registered{
			PlayerID:   c.session.PlayerID,
			PlayerName: c.session.PlayerName,
		})
		c.sendMarketplace(ctx, env.RequestID)

	case domain.MsgGetListings:
		c.sendMarketplace(ctx, env.RequestID)

	case domain.MsgGetMyListings:
		err := c.market.MyListingsTo(&c.session, func(listings []domain.Listing) {
			c.reply(domain.MsgMyListings, env.RequestID, listings)
		})
		if err != nil {
			c.replyError(env.RequestID, err)
		}

	case domain.MsgCreateListing:
		var req domain.CreateListingRequest
		if err := env.Decode(&req); err != nil {
			c.replyError(env.RequestID, err)
			return
		}
		listing, err := c.market.CreateListing(ctx, &c.session, req)
		if err != nil {
			c.replyError(env.RequestID, err)
			return
		}
		c.reply(domain.MsgListingCreated, env.RequestID, listing)

	case domain.MsgCancelListing:
		var req domain.ListingRef
		if err := env.Decode(&req); err != nil {
			c.replyError(env.RequestID, err)
			return
		}
		listing, err := c.market.CancelListing(ctx, &c.session, req.ListingID)
		if err != nil {
			c.replyError(env.RequestID, err)
			return
		}
		if listing != nil {
			c.reply(domain.MsgListingCancelled, env.RequestID, domain.ListingRef{ListingID: listing.ID})
		}

	case domain.MsgBuyListing:
		var req domain.ListingRef
		if err := env.Decode(&req); err != nil {
			c.replyError(env.RequestID, err)
			return
		}
		listing, err := c.market.BuyListing(ctx, &c.session, req.ListingID)
		if err != nil {
			c.replyError(env.RequestID, err)
			return
		}
		c.reply(domain.MsgPurchaseSuccess, env.RequestID, domain.PurchaseSuccess{
			ListingID: listing.ID,
			ItemID:    listing.ItemID,
		})

	case domain.MsgUpdateGameState:
		var req domain.GameStateUpdate
		if err := env.Decode(&req); err != nil {
			c.replyError(env.RequestID, err)
			return
		}
		if err := c.market.UpdateGameState(&c.session, req.GameState); err != nil {
			c.replyError(env.RequestID, err)
		}

	case domain.MsgPing:
		c.reply(domain.MsgPong, env.RequestID, nil)

	default:
		c.logger.Debug("unknown message type", "type", env.Type)
	}
}

func (c *Client) sendMarketplace(ctx context.Context, requestID string) {
	err := c.market.MarketplaceTo(ctx, func(update domain.MarketplaceUpdate) {
		c.reply(domain.MsgMarketplaceUpdate, requestID, update)
	})
	if err != nil {
		c.replyError(requestID, err)
	}
}

// writePump writes queued messages to the connection, one frame per message
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) reply(msgType, requestID string, data interface{}) {
	c.hub.Send(c, domain.NewMessage(msgType, requestID, data))
}

// replyError reports a rejected request to this client only
func (c *Client) replyError(requestID string, err error) {
	c.market.RecordError(err)
	if domain.IsClientError(err) {
		c.logger.Debug("request rejected", "player_id", c.session.PlayerID, "code", domain.ErrorCode(err), "error", err)
	} else {
		c.logger.Error("request failed", "player_id", c.session.PlayerID, "error", err)
	}
	c.reply(domain.MsgError, requestID, domain.NewErrorPayload(err))
}

// ServeWs handles WebSocket requests from peers
func ServeWs(hub *Hub, market *service.MarketService, limits Limits, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, conn, market, limits, logger)
	hub.Register(client)

	// Start client goroutines
	go client.writePump()
	go client.readPump()

	logger.Debug("new websocket connection", "client_id", client.id)
}
