package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pharmportal/internal/logger"
	"github.com/pharmportal/internal/model"
	"github.com/pharmportal/internal/scope"
	"github.com/pharmportal/internal/service"
	"github.com/pharmportal/internal/storage"
)

const (
	handleTimeout       = 5 * time.Second
	relayPublishTimeout = 2 * time.Second
	relayRetryMin       = time.Second
	relayRetryMax       = 30 * time.Second
)

// Poster creates chat messages on behalf of a session (service.ChatService).
type Poster interface {
	Post(ctx context.Context, actor *model.Principal, sc model.Scope, text string) (*model.Message, error)
}

// Hub is the channel registry: channel name -> sessions bound to it.
// Register joins a session synchronously, so it receives every publication sent after
// Register returns, its own included. Publishing reads under RLock.
type Hub struct {
	mu         sync.RWMutex
	channels   map[string]map[*Client]struct{}
	members    map[*Client]struct{}
	stopped    bool
	maxConns   int
	chat       Poster
	relay      storage.Relay
	relayRetry time.Duration
	instanceID string
	done       chan struct{}
}

// NewHub creates a hub. relay may be nil (single instance).
func NewHub(chat Poster, relay storage.Relay, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		channels:   make(map[string]map[*Client]struct{}),
		members:    make(map[*Client]struct{}),
		maxConns:   maxConns,
		chat:       chat,
		relay:      relay,
		relayRetry: relayRetryMin,
		instanceID: uuid.New().String(),
		done:       make(chan struct{}),
	}
}

// Run blocks until ctx is done, then closes every session. Register after that is refused.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	<-ctx.Done()
	h.shutdown()
}

// RunRelay delivers publications from other instances to local sessions until ctx is done.
// A broken subscription is re-established with exponential backoff.
func (h *Hub) RunRelay(ctx context.Context) {
	if h.relay == nil {
		return
	}
	wait := h.relayRetry
	for {
		start := time.Now()
		err := h.relay.Subscribe(ctx, h.handleRelay)
		if ctx.Err() != nil {
			return
		}
		// a subscription that lived long enough starts the backoff over
		if time.Since(start) > relayRetryMax {
			wait = h.relayRetry
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("ws relay subscribe: %v (retry in %s)", err, wait)
		} else {
			logger.Errorf("ws relay subscription ended, retry in %s", wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > relayRetryMax {
			wait = relayRetryMax
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	seen := h.members
	h.members = make(map[*Client]struct{})
	h.channels = make(map[string]map[*Client]struct{})
	h.stopped = true
	h.mu.Unlock()

	for c := range seen {
		c.Close()
	}
	for c := range seen {
		c.Wait()
	}
}

// Register joins c to its channels. It returns false, closing c, when the hub is stopped,
// the connection limit is reached or c is already closed.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	reason := ""
	switch {
	case h.stopped:
		reason = "hub stopped"
	case c.isClosed():
		reason = "session already closed"
	case len(h.members) >= h.maxConns:
		reason = "connection limit reached"
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.principal.ID)
	}
	if reason != "" {
		h.mu.Unlock()
		logger.Debugf("ws session %s not registered: %s", c.id, reason)
		c.Close()
		return false
	}
	h.members[c] = struct{}{}
	for _, ch := range c.channels {
		if _, ok := h.channels[ch]; !ok {
			h.channels[ch] = make(map[*Client]struct{})
		}
		h.channels[ch][c] = struct{}{}
	}
	h.mu.Unlock()
	logger.Debugf("ws session %s joined %v", c.id, c.channels)
	return true
}

// Unregister removes c from every channel and closes it. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.members[c]; ok {
		delete(h.members, c)
		for _, ch := range c.channels {
			clients := h.channels[ch]
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.channels, ch)
			}
		}
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
}

// Size returns the number of registered sessions.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// ChannelSize returns the number of sessions bound to a channel.
func (h *Hub) ChannelSize(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Publish delivers msg to every local session on channel (sender included) and relays it
// to the other instances. Delivery is fire-and-forget.
func (h *Hub) Publish(ctx context.Context, channel string, msg *model.Message) {
	defer logger.DeferLogDuration("ws.Publish", time.Now())()
	h.deliver(channel, msg)
	if h.relay == nil {
		return
	}
	data, err := json.Marshal(relayEnvelope{Origin: h.instanceID, Channel: channel, Message: msg})
	if err != nil {
		logger.Errorf("ws relay encode channel=%s: %v", channel, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayPublishTimeout)
	defer cancel()
	if err := h.relay.Publish(ctx, data); err != nil {
		logger.Errorf("ws relay publish channel=%s: %v", channel, err)
	}
}

func (h *Hub) handleRelay(payload []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Errorf("ws relay decode: %v", err)
		return
	}
	if env.Origin == h.instanceID || env.Channel == "" || env.Message == nil {
		return
	}
	h.deliver(env.Channel, env.Message)
}

func (h *Hub) deliver(channel string, msg *model.Message) {
	h.mu.RLock()
	clients := h.channels[channel]
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	out := OutgoingMessage{Type: EventChatMessage, Payload: msg}
	for _, c := range targets {
		h.sendToClient(c, out)
	}
}

// HandleMessage dispatches incoming WebSocket messages. Every event is acknowledged.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventChatMessage:
		h.handleChatMessage(ctx, c, msg)
	default:
		h.ack(c, msg.AckID, AckPayload{Error: "unknown event"})
	}
}

func (h *Hub) handleChatMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleChatMessage", time.Now())()
	var p ChatMessagePayload
	if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &p) != nil {
		h.ack(c, msg.AckID, AckPayload{Error: "invalid payload"})
		return
	}

	sc, ok := scope.LookupScope(p.Scope)
	if !ok || strings.TrimSpace(p.Text) == "" {
		h.ack(c, msg.AckID, AckPayload{Error: "invalid payload"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	m, err := h.chat.Post(ctx, c.principal, sc, p.Text)
	if err != nil {
		h.ack(c, msg.AckID, AckPayload{Error: ackError(err, c)})
		return
	}
	h.ack(c, msg.AckID, AckPayload{OK: true, Message: m})
}

// ackError hides internal errors behind a generic text.
func ackError(err error, c *Client) string {
	if service.KindOf(err) != 0 {
		return err.Error()
	}
	logger.Errorf("ws chat:message user=%s: %v", c.principal.ID, err)
	return "internal error"
}

func (h *Hub) ack(c *Client, ackID string, p AckPayload) {
	h.sendToClient(c, OutgoingMessage{Type: EventAck, AckID: ackID, Payload: p})
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.principal.ID)
		c.Close()
	}
}
