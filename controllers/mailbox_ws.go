package controller

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"

	"dmailbox/models"
	"dmailbox/store"
	"dmailbox/utils"
)

// MailboxUpdate is pushed to connected clients whenever the reconciler
// detects a change for their identity.
type MailboxUpdate struct {
	Type      string                `json:"type"`
	Counts    map[models.Folder]int `json:"counts,omitempty"`
	OpenPolls int                   `json:"open_polls,omitempty"`
	At        time.Time             `json:"at"`
}

// wsClient is the slice of *websocket.Conn the mailbox stream uses. The
// hub and handler work against it so the connection can be faked in tests.
type wsClient interface {
	Query(key string, defaultValue ...string) string
	WriteJSON(v interface{}) error
	ReadMessage() (int, []byte, error)
	Close() error
}

// UpdateHub fans mailbox updates out to the websocket connections of each
// identity. The reconciler is the only writer; connections register and
// unregister themselves.
type UpdateHub struct {
	mu    sync.Mutex
	conns map[string]map[wsClient]bool
}

func NewUpdateHub() *UpdateHub {
	return &UpdateHub{conns: make(map[string]map[wsClient]bool)}
}

func (h *UpdateHub) register(did string, c wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[did] == nil {
		h.conns[did] = make(map[wsClient]bool)
	}
	h.conns[did][c] = true
}

func (h *UpdateHub) unregister(did string, c wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[did], c)
	if len(h.conns[did]) == 0 {
		delete(h.conns, did)
	}
}

// Broadcast sends the update to every connection of the identity. Dead
// connections are dropped; the next read on the client side surfaces the
// close.
func (h *UpdateHub) Broadcast(did string, update MailboxUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns[did] {
		if err := c.WriteJSON(update); err != nil {
			c.Close()
			delete(h.conns[did], c)
		}
	}
}

// Listeners reports whether any connection is registered for the identity.
// The reconciler uses it to skip building updates nobody would receive.
func (h *UpdateHub) Listeners(did string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[did]) > 0
}

// HandleMailboxWS authenticates the connection from the token query
// parameter, sends an initial snapshot and then holds the connection open
// for hub broadcasts until the client disconnects.
func HandleMailboxWS(s store.Store, hub *UpdateHub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		serveMailboxWS(s, hub, c)
	}
}

func serveMailboxWS(s store.Store, hub *UpdateHub, c wsClient) {
	defer c.Close()

	token := c.Query("token")
	claims, err := utils.ParseJWTToken(token)
	if err != nil {
		c.WriteJSON(map[string]string{"error": "Invalid or expired token"})
		return
	}
	identity, err := s.GetIdentity(context.Background(), claims.DID)
	if err != nil || identity.TokenVersion != claims.TokenVersion {
		c.WriteJSON(map[string]string{"error": "Invalid or expired token"})
		return
	}
	did := identity.DID

	// The snapshot goes out before the hub knows the connection;
	// once registered, broadcasts are the only writer on it.
	if snapshot, err := BuildMailboxUpdate(context.Background(), s, did); err == nil {
		if err := c.WriteJSON(snapshot); err != nil {
			return
		}
	}

	hub.register(did, c)
	defer hub.unregister(did, c)

	// Drain client frames so pings and closes are processed; the
	// hub writes independently.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

// BuildMailboxUpdate computes the folder counts and open-poll count for an
// identity. Shared by the websocket snapshot and the reconciler.
func BuildMailboxUpdate(ctx context.Context, s store.Store, did string) (MailboxUpdate, error) {
	msgs, err := s.ListMessages(ctx, did)
	if err != nil {
		return MailboxUpdate{}, err
	}
	now := time.Now()
	live := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Expired(now) {
			live = append(live, m)
		}
	}

	polls, err := s.ListPolls(ctx, did)
	if err != nil {
		return MailboxUpdate{}, err
	}
	open := 0
	for i := range polls {
		if polls[i].Open(now) {
			open++
		}
	}

	return MailboxUpdate{
		Type:      "mailbox",
		Counts:    models.FolderCounts(live),
		OpenPolls: open,
		At:        now,
	}, nil
}
