// Package realtime runs negotiation rooms over WebSocket.
//
// A client authenticates with a bearer token at connect time, then joins
// the rooms of negotiations it is a party to. Inbound events are applied
// through the negotiation service and fanned out to room members:
//   - message: stored, then broadcast as "message" (and "offer" when it
//     carries a price and quantity); the sender alone gets "suggestion"
//   - accept / cancel: terminal transition, broadcast as "status"
//   - typing: relayed to the other members only, never stored
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/mandi/internal/auth"
	"github.com/mbd888/mandi/internal/logging"
	"github.com/mbd888/mandi/internal/metrics"
	"github.com/mbd888/mandi/internal/negotiation"
	"github.com/mbd888/mandi/internal/users"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

const (
	maxMessageSize = 64 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
	sendBuffer     = 256
)

// EventType names an inbound or outbound event.
type EventType string

// Inbound.
const (
	EventJoin    EventType = "join"
	EventLeave   EventType = "leave"
	EventMessage EventType = "message"
	EventAccept  EventType = "accept"
	EventCancel  EventType = "cancel"
	EventTyping  EventType = "typing"
)

// Outbound. "message" and "typing" are shared with inbound.
const (
	EventJoined     EventType = "joined"
	EventLeft       EventType = "left"
	EventOffer      EventType = "offer"
	EventStatus     EventType = "status"
	EventSuggestion EventType = "suggestion"
	EventError      EventType = "error"
)

// Event is an outbound frame.
type Event struct {
	Type      EventType `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// inbound is a frame received from a client.
type inbound struct {
	Type EventType       `json:"event"`
	Data json.RawMessage `json:"data"`
}

type roomRequest struct {
	NegotiationID string `json:"negotiationId"`
}

type messageRequest struct {
	NegotiationID string   `json:"negotiationId"`
	Message       string   `json:"message"`
	OfferPrice    *float64 `json:"offerPrice"`
	OfferQuantity *float64 `json:"offerQuantity"`
}

type typingRequest struct {
	NegotiationID string `json:"negotiationId"`
	IsTyping      bool   `json:"isTyping"`
}

// MessagePayload is the data of a "message" event.
type MessagePayload struct {
	NegotiationID string              `json:"negotiationId"`
	Message       negotiation.Message `json:"message"`
	SenderName    string              `json:"senderName"`
}

// OfferPayload is the data of an "offer" event.
type OfferPayload struct {
	NegotiationID  string            `json:"negotiationId"`
	Price          float64           `json:"price"`
	Quantity       float64           `json:"quantity"`
	ProposedBy     string            `json:"proposedBy"`
	ProposedByName string            `json:"proposedByName"`
	CurrentOffer   negotiation.Offer `json:"currentOffer"`
	OfferChanged   bool              `json:"offerChanged"`
}

// StatusPayload is the data of a "status" event.
type StatusPayload struct {
	NegotiationID string             `json:"negotiationId"`
	Status        negotiation.Status `json:"status"`
	FinalPrice    *float64           `json:"finalPrice,omitempty"`
	FinalQuantity *float64           `json:"finalQuantity,omitempty"`
	UpdatedBy     string             `json:"updatedBy"`
}

// TypingPayload is the data of a "typing" event.
type TypingPayload struct {
	NegotiationID string `json:"negotiationId"`
	UserID        string `json:"userId"`
	IsTyping      bool   `json:"isTyping"`
}

// Negotiations is the subset of the negotiation service the hub drives.
type Negotiations interface {
	Get(ctx context.Context, id, userID string) (*negotiation.Negotiation, error)
	PostMessage(ctx context.Context, id, senderID string, req negotiation.MessageRequest) (*negotiation.PostResult, error)
	Complete(ctx context.Context, id, userID string) (*negotiation.Negotiation, error)
	Cancel(ctx context.Context, id, userID string) (*negotiation.Negotiation, error)
}

// Client is one authenticated WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[string]bool
}

func (c *Client) inRoom(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[id]
}

// delivery is a frame queued for the Run loop. Exactly one of to or room is set.
type delivery struct {
	to      *Client
	room    string
	exclude *Client
	payload []byte
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages connections and negotiation rooms.
type Hub struct {
	negotiations Negotiations
	users        users.Store
	verifier     auth.Verifier
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	now          func() time.Time

	clients    map[*Client]bool
	rooms      map[string]map[*Client]bool
	outbox     chan delivery
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. userStore is used for display names and may be nil.
func NewHub(svc Negotiations, userStore users.Store, verifier auth.Verifier, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		negotiations: svc,
		users:        userStore,
		verifier:     verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:     logger,
		now:        time.Now,
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		outbox:     make(chan delivery, 1024),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// WithCheckOrigin sets the browser origin check for upgrades.
func (h *Hub) WithCheckOrigin(check func(r *http.Request) bool) *Hub {
	h.upgrader.CheckOrigin = check
	return h
}

// Run starts the hub's main loop. Every write to a client's send channel
// happens here, so closing it on unregister is safe.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				client.cancel()
				delete(h.clients, client)
			}
			h.rooms = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			metrics.ActiveRooms.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "user_id", client.userID, "total", n)

		case d := <-h.outbox:
			h.totalEvents.Add(1)
			h.deliver(d)
		}
	}
}

func (h *Hub) deliver(d delivery) {
	h.mu.RLock()
	var targets []*Client
	if d.to != nil {
		if h.clients[d.to] {
			targets = append(targets, d.to)
		}
	} else {
		for client := range h.rooms[d.room] {
			if client != d.exclude {
				targets = append(targets, client)
			}
		}
	}
	var slow []*Client
	for _, client := range targets {
		select {
		case client.send <- d.payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	// Remove slow clients under write lock
	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			h.logger.Warn("dropping slow websocket client", "user_id", client.userID)
			h.drop(client)
		}
		n := len(h.clients)
		h.mu.Unlock()
		metrics.ActiveWebSocketClients.Set(float64(n))
	}
}

// drop removes client from the hub and every room. Callers hold h.mu.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	client.cancel()

	client.mu.Lock()
	for id := range client.rooms {
		h.removeFromRoom(id, client)
	}
	client.rooms = nil
	client.mu.Unlock()
	metrics.ActiveRooms.Set(float64(len(h.rooms)))
}

func (h *Hub) removeFromRoom(id string, client *Client) {
	members := h.rooms[id]
	delete(members, client)
	if len(members) == 0 {
		delete(h.rooms, id)
	}
}

// join adds client to a room. A client whose rooms map is nil has been
// dropped and is ignored.
func (h *Hub) join(client *Client, id string) {
	h.mu.Lock()
	client.mu.Lock()
	if client.rooms == nil {
		client.mu.Unlock()
		h.mu.Unlock()
		return
	}
	client.rooms[id] = true
	client.mu.Unlock()
	members, ok := h.rooms[id]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[id] = members
	}
	members[client] = true
	n := len(h.rooms)
	h.mu.Unlock()
	metrics.ActiveRooms.Set(float64(n))
}

func (h *Hub) leave(client *Client, id string) {
	h.mu.Lock()
	h.removeFromRoom(id, client)
	client.mu.Lock()
	delete(client.rooms, id)
	client.mu.Unlock()
	n := len(h.rooms)
	h.mu.Unlock()
	metrics.ActiveRooms.Set(float64(n))
}

func (h *Hub) serialize(t EventType, data any) []byte {
	payload, err := json.Marshal(Event{Type: t, Timestamp: h.now().UTC(), Data: data})
	if err != nil {
		h.logger.Error("failed to encode realtime event", "event", t, "error", err)
		return nil
	}
	return payload
}

func (h *Hub) enqueue(d delivery) {
	if d.payload == nil {
		return
	}
	select {
	case h.outbox <- d:
	case <-h.done:
	default:
		h.logger.Warn("realtime outbox full, dropping event")
	}
}

// sendTo queues an event for one client.
func (h *Hub) sendTo(client *Client, t EventType, data any) {
	h.enqueue(delivery{to: client, payload: h.serialize(t, data)})
}

// BroadcastToRoom queues an event for every member of a negotiation room
// except exclude, which may be nil.
func (h *Hub) BroadcastToRoom(negotiationID string, exclude *Client, t EventType, data any) {
	h.enqueue(delivery{room: negotiationID, exclude: exclude, payload: h.serialize(t, data)})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"activeRooms":      len(h.rooms),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket authenticates the caller and upgrades HTTP to WebSocket.
// Requests without a valid bearer token are refused before the upgrade.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	claims, err := auth.Authenticate(h.verifier, r)
	if err != nil {
		h.logger.Info("websocket connection refused", "error", err)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	userID := claims.UserID()
	ctx := logging.WithUserID(context.Background(), userID)
	ctx = logging.WithLogger(ctx, h.logger.With("user_id", userID))
	ctx, cancel := context.WithCancel(ctx)

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		cancel()
		_ = conn.Close()
		return
	}

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump reads inbound events and applies them in order.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "user_id", c.userID, "error", err)
			}
			break
		}
		c.hub.handle(c, message)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "user_id", c.userID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

var errNotJoined = errors.New("join the negotiation first")

// handle dispatches one inbound frame. Failures are reported to the sender
// as an "error" event and never close the connection.
func (h *Hub) handle(c *Client, raw []byte) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		h.sendTo(c, EventError, errorPayload("Malformed event"))
		return
	}
	metrics.RealtimeEventsTotal.WithLabelValues(eventLabel(in.Type)).Inc()

	var err error
	switch in.Type {
	case EventJoin:
		err = h.handleJoin(c, in.Data)
	case EventLeave:
		err = h.handleLeave(c, in.Data)
	case EventMessage:
		err = h.handleMessage(c, in.Data)
	case EventAccept:
		err = h.handleTransition(c, in.Data, h.negotiations.Complete)
	case EventCancel:
		err = h.handleTransition(c, in.Data, h.negotiations.Cancel)
	case EventTyping:
		err = h.handleTyping(c, in.Data)
	default:
		h.sendTo(c, EventError, errorPayload("Unknown event"))
		return
	}
	if err != nil {
		h.sendTo(c, EventError, errorPayload(h.errorMessage(c, in.Type, err)))
	}
}

func (h *Hub) handleJoin(c *Client, data json.RawMessage) error {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	n, err := h.negotiations.Get(c.ctx, req.NegotiationID, c.userID)
	if err != nil {
		return err
	}
	h.join(c, n.ID)
	h.sendTo(c, EventJoined, map[string]any{
		"negotiationId": n.ID,
		"status":        n.Status,
		"currentOffer":  n.CurrentOffer,
	})
	return nil
}

func (h *Hub) handleLeave(c *Client, data json.RawMessage) error {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	h.leave(c, req.NegotiationID)
	h.sendTo(c, EventLeft, map[string]string{"negotiationId": req.NegotiationID})
	return nil
}

func (h *Hub) handleMessage(c *Client, data json.RawMessage) error {
	var req messageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	res, err := h.negotiations.PostMessage(c.ctx, req.NegotiationID, c.userID, negotiation.MessageRequest{
		Message:       req.Message,
		OfferPrice:    req.OfferPrice,
		OfferQuantity: req.OfferQuantity,
	})
	if err != nil {
		return err
	}

	name := h.displayName(c.ctx, c.userID)
	h.BroadcastToRoom(req.NegotiationID, nil, EventMessage, MessagePayload{
		NegotiationID: req.NegotiationID,
		Message:       res.Message,
		SenderName:    name,
	})
	if res.Message.HasOffer() {
		h.BroadcastToRoom(req.NegotiationID, nil, EventOffer, OfferPayload{
			NegotiationID:  req.NegotiationID,
			Price:          *res.Message.OfferPrice,
			Quantity:       *res.Message.OfferQuantity,
			ProposedBy:     c.userID,
			ProposedByName: name,
			CurrentOffer:   res.CurrentOffer,
			OfferChanged:   res.OfferChanged,
		})
	}
	if res.Suggestion != nil {
		h.sendTo(c, EventSuggestion, map[string]any{
			"negotiationId": req.NegotiationID,
			"suggestion":    res.Suggestion,
		})
	}
	return nil
}

type transition func(ctx context.Context, id, userID string) (*negotiation.Negotiation, error)

func (h *Hub) handleTransition(c *Client, data json.RawMessage, apply transition) error {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	n, err := apply(c.ctx, req.NegotiationID, c.userID)
	if err != nil {
		return err
	}
	h.BroadcastToRoom(n.ID, nil, EventStatus, StatusPayload{
		NegotiationID: n.ID,
		Status:        n.Status,
		FinalPrice:    n.FinalPrice,
		FinalQuantity: n.FinalQuantity,
		UpdatedBy:     c.userID,
	})
	return nil
}

func (h *Hub) handleTyping(c *Client, data json.RawMessage) error {
	var req typingRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if !c.inRoom(req.NegotiationID) {
		return errNotJoined
	}
	h.BroadcastToRoom(req.NegotiationID, c, EventTyping, TypingPayload{
		NegotiationID: req.NegotiationID,
		UserID:        c.userID,
		IsTyping:      req.IsTyping,
	})
	return nil
}

func (h *Hub) displayName(ctx context.Context, userID string) string {
	if h.users == nil {
		return ""
	}
	u, err := h.users.Get(ctx, userID)
	if err != nil {
		logging.L(ctx).Debug("display name lookup failed", "error", err)
		return ""
	}
	return u.Name
}

type errBadPayload struct{ msg string }

func (e errBadPayload) Error() string { return e.msg }

func decode(data json.RawMessage, dst interface{ validate() error }) error {
	if len(data) == 0 {
		return errBadPayload{"Missing event data"}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errBadPayload{"Malformed event data"}
	}
	return dst.validate()
}

func (r *roomRequest) validate() error {
	if r.NegotiationID == "" {
		return errBadPayload{"negotiationId is required"}
	}
	return nil
}

func (r *messageRequest) validate() error {
	if r.NegotiationID == "" {
		return errBadPayload{"negotiationId is required"}
	}
	return nil
}

func (r *typingRequest) validate() error {
	if r.NegotiationID == "" {
		return errBadPayload{"negotiationId is required"}
	}
	return nil
}

func (h *Hub) errorMessage(c *Client, t EventType, err error) string {
	var bad errBadPayload
	if errors.As(err, &bad) {
		return bad.msg
	}
	if verrs, ok := negotiation.IsValidationError(err); ok {
		return verrs.Error()
	}
	switch {
	case errors.Is(err, errNotJoined):
		return "Join the negotiation first"
	case errors.Is(err, negotiation.ErrNegotiationNotFound):
		return "Negotiation not found"
	case errors.Is(err, negotiation.ErrNotActive):
		return "Negotiation is no longer active"
	case errors.Is(err, negotiation.ErrVersionConflict):
		return "Negotiation was updated concurrently, retry"
	case errors.Is(err, negotiation.ErrInvalidOffer):
		return err.Error()
	}
	logging.L(c.ctx).Error("realtime event failed", "event", t, "error", err)
	return "Internal error"
}

func errorPayload(msg string) map[string]string {
	return map[string]string{"message": msg}
}

// eventLabel bounds the metric label set to known inbound events.
func eventLabel(t EventType) string {
	switch t {
	case EventJoin, EventLeave, EventMessage, EventAccept, EventCancel, EventTyping:
		return string(t)
	}
	return "unknown"
}
