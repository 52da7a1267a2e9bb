/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * WebSocket transport: live pushes of key events and the socket side of KDM sync
 */

package wsock

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/johanix/chatkdc/chatkdc/kdc"
	"github.com/johanix/chatkdc/chatkdc/presence"
)

// Hub owns all live client connections. It implements kdc.Pusher.
type Hub struct {
	Service    *kdc.Service
	Presence   *presence.Router
	UserHeader string
	Debug      bool

	clients  cmap.ConcurrentMap[string, *Client] // sessionID -> client
	upgrader websocket.Upgrader
}

func NewHub(svc *kdc.Service, router *presence.Router, userHeader string) *Hub {
	if userHeader == "" {
		userHeader = kdc.DefaultUserHeader
	}
	return &Hub{
		Service:    svc,
		Presence:   router,
		UserHeader: userHeader,
		clients:    cmap.New[*Client](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// origin checks belong to the authenticating front end
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// PushToSession queues an event for one session
func (h *Hub) PushToSession(sessionID string, ev kdc.Event) error {
	c, ok := h.clients.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s is not connected", sessionID)
	}
	buf, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %v", ev.Type, err)
	}
	return c.enqueue(buf)
}

// Broadcast queues an event for every connected session
func (h *Hub) Broadcast(ev kdc.Event) int {
	buf, err := json.Marshal(ev)
	if err != nil {
		log.Printf("WS: failed to encode %s event: %v", ev.Type, err)
		return 0
	}
	n := 0
	for item := range h.clients.IterBuffered() {
		if item.Val.enqueue(buf) == nil {
			n++
		}
	}
	return n
}

// ClientCount returns the number of open connections
func (h *Hub) ClientCount() int {
	return h.clients.Count()
}

// HandleWS upgrades an HTTP request to a WebSocket session for the identified user
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(h.UserHeader))
	if userID == "" || userID == kdc.SystemActor {
		http.Error(w, fmt.Sprintf("missing or invalid %s header", h.UserHeader), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS: upgrade for %s failed: %v", userID, err)
		return
	}

	c := newClient(h, conn, userID, uuid.New().String())
	h.connect(c)

	go c.writePump()
	go c.readPump()
}

// connect runs the transport connect hook: register the session, announce the user
// if this is their first session, and prompt a catch-up if keys are waiting
func (h *Hub) connect(c *Client) {
	h.clients.Set(c.sessionID, c)
	if h.Presence.Register(c.userID, c.sessionID) {
		h.Broadcast(kdc.Event{
			Type: kdc.EventUserOnline,
			Data: kdc.PresenceEvent{UserID: c.userID, OnlineCount: h.Presence.OnlineCount()},
		})
	}
	log.Printf("WS: %s connected (session %s)", c.userID, c.sessionID)

	if h.Service == nil {
		return
	}
	req, err := h.Service.OnReconnect(c.ctx, c.userID)
	if err != nil {
		log.Printf("WS: failed to compute KDM backlog for %s: %v", c.userID, err)
		return
	}
	if req.PendingCount > 0 {
		h.Service.Notifier.ToSession(c.sessionID, kdc.Event{Type: kdc.EventKdmSyncRequest, Data: req})
	}
}

// disconnect removes exactly this session and announces the user if it was their last
func (h *Hub) disconnect(c *Client) {
	h.clients.RemoveCb(c.sessionID, func(_ string, cur *Client, exists bool) bool {
		return exists && cur == c
	})
	if h.Presence.Unregister(c.userID, c.sessionID) {
		h.Broadcast(kdc.Event{
			Type: kdc.EventUserOffline,
			Data: kdc.PresenceEvent{UserID: c.userID, OnlineCount: h.Presence.OnlineCount()},
		})
	}
	log.Printf("WS: %s disconnected (session %s)", c.userID, c.sessionID)
}

// Shutdown closes every connection
func (h *Hub) Shutdown() {
	for item := range h.clients.IterBuffered() {
		item.Val.close()
	}
}
