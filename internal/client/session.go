package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clicker-market/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// ErrClosed is returned once the connection has gone away
var ErrClosed = errors.New("session closed")

// Options configures a Session
type Options struct {
	// RefreshInterval between get-listings/get-my-listings resyncs. Zero disables the refresh loop.
	RefreshInterval time.Duration
	// PendingTimeout after which an unanswered operation is kept as-is
	PendingTimeout time.Duration
}

// Call is an in-flight request
type Call struct {
	RequestID string

	reply   chan domain.Envelope
	done    <-chan struct{}
	started time.Time
}

// Wait blocks until the server answers the request. An error reply is
// returned as a *RemoteError.
func (c *Call) Wait(ctx context.Context) (domain.Envelope, error) {
	select {
	case env := <-c.reply:
		if env.Type == domain.MsgError {
			var payload domain.ErrorPayload
			_ = env.Decode(&payload)
			return env, &RemoteError{RequestID: c.RequestID, Code: payload.Code, Message: payload.Message}
		}
		return env, nil
	case <-c.done:
		return domain.Envelope{}, ErrClosed
	case <-ctx.Done():
		return domain.Envelope{}, ctx.Err()
	}
}

// Session drives a State over a live marketplace connection
type Session struct {
	conn   *websocket.Conn
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	state   *State
	waiters map[string]*Call

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the marketplace WebSocket endpoint at url
func Dial(ctx context.Context, url string, state *State, opts Options, logger *slog.Logger) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	s := &Session{
		conn:    conn,
		opts:    opts,
		logger:  logger,
		state:   state,
		waiters: make(map[string]*Call),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.readLoop()

	if opts.RefreshInterval > 0 {
		s.wg.Add(1)
		go s.refreshLoop()
	}

	return s, nil
}

// View returns a copy of the local state
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.View()
}

// Done is closed when the connection goes away
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Register identifies the player and waits for the confirmation
func (s *Session) Register(ctx context.Context, req domain.RegisterRequest) error {
	call, err := s.request(domain.MsgRegister, req, nil)
	if err != nil {
		return err
	}
	_, err = call.Wait(ctx)
	return err
}

// Refresh asks for the full marketplace and the player's own listings
func (s *Session) Refresh() error {
	if err := s.send(domain.MsgGetListings, "", nil); err != nil {
		return err
	}
	return s.send(domain.MsgGetMyListings, "", nil)
}

// CreateListing lists one inventory item for sale
func (s *Session) CreateListing(itemID string, price float64) (*Call, error) {
	return s.request(domain.MsgCreateListing, domain.CreateListingRequest{ItemID: itemID, Price: price}, func(st *State) (string, error) {
		return st.BeginCreate(itemID, price)
	})
}

// CancelListing withdraws one of the player's listings. The server may not
// answer a cancel it ignores, so callers should not rely on Wait returning.
func (s *Session) CancelListing(listingID string) (*Call, error) {
	return s.request(domain.MsgCancelListing, domain.ListingRef{ListingID: listingID}, func(st *State) (string, error) {
		return st.BeginCancel(listingID)
	})
}

// BuyListing purchases a marketplace listing
func (s *Session) BuyListing(listingID string) (*Call, error) {
	return s.request(domain.MsgBuyListing, domain.ListingRef{ListingID: listingID}, func(st *State) (string, error) {
		return st.BeginBuy(listingID)
	})
}

// Equip moves an inventory item to the equipped set
func (s *Session) Equip(itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Equip(itemID)
}

// Unequip moves an equipped item back to the inventory
func (s *Session) Unequip(itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Unequip(itemID)
}

// SyncGameState sends the local state to the server-side mirror
func (s *Session) SyncGameState() error {
	s.mu.Lock()
	gameState, err := s.state.GameState()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding game state: %w", err)
	}
	return s.send(domain.MsgUpdateGameState, "", domain.GameStateUpdate{GameState: gameState})
}

// Close shuts the connection and waits for the session goroutines
func (s *Session) Close() error {
	var err error
	select {
	case <-s.done:
	default:
		s.writeMu.Lock()
		err = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()
	}

	s.shutdown()
	s.wg.Wait()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("closing session: %w", err)
	}
	return nil
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// request applies the optimistic mutation, if any, and sends the message
// under its request id. A failed write reverts the mutation.
func (s *Session) request(msgType string, data interface{}, begin func(*State) (string, error)) (*Call, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}

	s.mu.Lock()
	requestID := uuid.NewString()
	if begin != nil {
		id, err := begin(s.state)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		requestID = id
	}
	call := &Call{
		RequestID: requestID,
		reply:     make(chan domain.Envelope, 1),
		done:      s.done,
		started:   time.Now(),
	}
	s.waiters[requestID] = call
	s.mu.Unlock()

	if err := s.send(msgType, requestID, data); err != nil {
		s.mu.Lock()
		s.state.revert(requestID)
		delete(s.waiters, requestID)
		s.mu.Unlock()
		return nil, err
	}
	return call, nil
}

func (s *Session) send(msgType, requestID string, data interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(domain.NewMessage(msgType, requestID, data)); err != nil {
		return fmt.Errorf("sending %s: %w", msgType, err)
	}
	return nil
}

// readLoop feeds every server message to the state and hands direct replies
// to their waiting call
func (s *Session) readLoop() {
	defer s.wg.Done()
	defer s.shutdown()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("connection lost", "error", err)
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn("invalid server message", "error", err)
			continue
		}

		s.mu.Lock()
		err = s.state.Apply(env)
		call, ok := s.waiters[env.RequestID]
		if ok {
			delete(s.waiters, env.RequestID)
		}
		s.mu.Unlock()

		var remote *RemoteError
		switch {
		case errors.As(err, &remote):
			s.logger.Debug("request rejected", "request_id", remote.RequestID, "code", remote.Code)
		case err != nil:
			s.logger.Warn("failed to apply message", "type", env.Type, "error", err)
		}

		if ok {
			call.reply <- env
		}
	}
}

// refreshLoop resyncs the marketplace and settles stale pending operations
func (s *Session) refreshLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.Refresh(); err != nil {
				s.logger.Debug("refresh failed", "error", err)
				continue
			}
			s.expire()
			if err := s.SyncGameState(); err != nil {
				s.logger.Debug("game state sync failed", "error", err)
			}
		}
	}
}

func (s *Session) expire() {
	if s.opts.PendingTimeout <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.state.ExpirePending(s.opts.PendingTimeout); n > 0 {
		s.logger.Debug("pending operations settled without reply", "count", n)
	}
	cutoff := time.Now().Add(-s.opts.PendingTimeout)
	for id, call := range s.waiters {
		if call.started.Before(cutoff) {
			delete(s.waiters, id)
		}
	}
}
