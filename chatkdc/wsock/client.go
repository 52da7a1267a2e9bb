/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * One WebSocket session: read and write pumps and inbound event dispatch
 */

package wsock

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/johanix/chatkdc/chatkdc/kdc"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
)

// Inbound event names
const (
	InKdmSync    = "kdm_sync"
	InKdmAck     = "kdm_ack"
	InActivity   = "activity"
	InRequestKey = "request_key"
	InPing       = "ping"
)

// Outbound replies to inbound events
const (
	EventKdmAcked     = "kdm_acked"
	EventKeyStatus    = "key_status"
	EventKeyRequested = "key_requested"
	EventPong         = "pong"
)

// Inbound is a message from the client
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type syncData struct {
	After     int    `json:"after"`
	ChannelID string `json:"channel_id,omitempty"`
}

type ackData struct {
	ChannelID string `json:"channel_id"`
	Version   int    `json:"version"`
}

type activityData struct {
	ChannelID string `json:"channel_id"`
}

// Client is one connected session
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	userID    string
	sessionID string

	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, userID, sessionID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:       h,
		conn:      conn,
		userID:    userID,
		sessionID: sessionID,
		send:      make(chan []byte, sendQueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// enqueue never blocks; a client that cannot keep up is dropped and will catch up
// through kdm_sync after reconnecting
func (c *Client) enqueue(buf []byte) error {
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("session %s is closing", c.sessionID)
	default:
	}
	select {
	case c.send <- buf:
		return nil
	default:
		log.Printf("WS: send queue full for %s (session %s), dropping connection", c.userID, c.sessionID)
		c.close()
		return fmt.Errorf("session %s send queue full", c.sessionID)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WS: read error for %s (session %s): %v", c.userID, c.sessionID, err)
			}
			return
		}
		c.hub.Presence.Touch(c.sessionID)

		var in Inbound
		if err := json.Unmarshal(msg, &in); err != nil {
			c.reply(kdc.EventError, kdc.ErrorEvent{Kind: kdc.KindInvalid, Msg: fmt.Sprintf("malformed message: %v", err)})
			continue
		}
		c.dispatch(&in)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case buf := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				log.Printf("WS: write error for %s (session %s): %v", c.userID, c.sessionID, err)
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

func (c *Client) reply(eventType string, data interface{}) {
	if err := c.hub.PushToSession(c.sessionID, kdc.Event{Type: eventType, Data: data}); err != nil && c.hub.Debug {
		log.Printf("WS: reply %s to session %s failed: %v", eventType, c.sessionID, err)
	}
}

func (c *Client) replyError(err error) {
	c.reply(kdc.EventError, kdc.ErrorEvent{Kind: kdc.KindOf(err), Msg: err.Error()})
}

func (c *Client) dispatch(in *Inbound) {
	svc := c.hub.Service
	switch in.Type {
	case InPing:
		c.reply(EventPong, map[string]interface{}{"time": time.Now()})

	case InKdmSync:
		var d syncData
		if len(in.Data) > 0 {
			if err := json.Unmarshal(in.Data, &d); err != nil {
				c.reply(kdc.EventError, kdc.ErrorEvent{Kind: kdc.KindInvalid, Msg: fmt.Sprintf("malformed kdm_sync: %v", err)})
				return
			}
		}
		res, err := svc.PendingFor(c.ctx, c.userID, d.After, d.ChannelID)
		if err != nil {
			c.replyError(err)
			return
		}
		for _, pk := range res.PendingKeys {
			c.reply(kdc.EventKdmUpdate, pk)
		}
		if c.hub.Debug {
			log.Printf("WS: served %d KDM updates to %s (after %d)", res.Count, c.userID, d.After)
		}

	case InKdmAck:
		var d ackData
		if err := json.Unmarshal(in.Data, &d); err != nil {
			c.reply(kdc.EventError, kdc.ErrorEvent{Kind: kdc.KindInvalid, Msg: fmt.Sprintf("malformed kdm_ack: %v", err)})
			return
		}
		st, err := svc.Acknowledge(c.ctx, c.userID, d.ChannelID, d.Version)
		if err != nil {
			c.replyError(err)
			return
		}
		c.reply(EventKdmAcked, st)

	case InActivity:
		var d activityData
		if err := json.Unmarshal(in.Data, &d); err != nil || d.ChannelID == "" {
			c.reply(kdc.EventError, kdc.ErrorEvent{Kind: kdc.KindInvalid, Msg: "activity needs a channel_id"})
			return
		}
		res, err := svc.EnsureKeyOnActivity(c.ctx, d.ChannelID, c.userID)
		if err != nil {
			c.replyError(err)
			return
		}
		c.reply(EventKeyStatus, res)

	case InRequestKey:
		var d activityData
		if err := json.Unmarshal(in.Data, &d); err != nil || d.ChannelID == "" {
			c.reply(kdc.EventError, kdc.ErrorEvent{Kind: kdc.KindInvalid, Msg: "request_key needs a channel_id"})
			return
		}
		req, err := svc.RequestKey(c.ctx, d.ChannelID, c.userID)
		if err != nil {
			c.replyError(err)
			return
		}
		c.reply(EventKeyRequested, req)

	default:
		c.reply(kdc.EventError, kdc.ErrorEvent{Kind: kdc.KindInvalid, Msg: fmt.Sprintf("unknown event type %q", in.Type)})
	}
}
