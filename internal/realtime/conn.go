package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/psds-microservice/support-chat/internal/errs"
	"github.com/psds-microservice/support-chat/internal/metrics"
	"github.com/psds-microservice/support-chat/internal/model"
	"github.com/psds-microservice/support-chat/internal/protocol"
	"github.com/psds-microservice/support-chat/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// Conn is one client connection. Frames before a successful authenticate are rejected.
type Conn struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	actor  *model.Actor
	closed bool
}

func (c *Conn) Actor() (model.Actor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.actor == nil {
		return model.Actor{}, false
	}
	return *c.actor, true
}

// enqueue never blocks. A full queue means a slow consumer: the connection is dropped
// and the client recovers through reconnect and reconciliation.
func (c *Conn) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		metrics.SlowConsumerDrops.Inc()
		c.hub.log.Warn().Str("conn", c.id).Msg("send queue full, dropping connection")
		c.closed = true
		close(c.send)
		// writePump may be stuck in a write and readPump in a read; closing the socket
		// unblocks both so unregister runs now, not after the deadlines.
		if c.ws != nil {
			_ = c.ws.Close()
		}
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) emit(event string, data interface{}) {
	msg, err := protocol.Encode(event, data)
	if err != nil {
		c.hub.log.Error().Err(err).Str("event", event).Msg("encode")
		return
	}
	if c.enqueue(msg) {
		metrics.EventsSent.WithLabelValues(event).Inc()
	}
}

func (c *Conn) fail(msg string) {
	c.emit(protocol.EventError, protocol.Error{Error: msg})
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Str("conn", c.id).Msg("read")
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.fail("malformed frame")
			continue
		}
		c.handle(env)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handle(env protocol.Envelope) {
	if env.Event == protocol.EventAuthenticate {
		c.handleAuthenticate(env)
		return
	}
	actor, ok := c.Actor()
	if !ok {
		c.fail(errs.ErrUnauthenticated.Error())
		return
	}
	switch env.Event {
	case protocol.EventJoinRoom:
		c.handleJoin(actor, env)
	case protocol.EventTicketRead, protocol.EventMessageRead:
		c.handleRead(actor, env)
	case protocol.EventHeartbeat:
		c.hub.presence.Touch(actor)
	default:
		c.fail("unknown event " + env.Event)
	}
}

func (c *Conn) handleAuthenticate(env protocol.Envelope) {
	if _, ok := c.Actor(); ok {
		c.fail("already authenticated")
		return
	}
	var p protocol.Authenticate
	if err := env.Decode(&p); err != nil || p.Token == "" {
		c.fail("authenticate needs a token")
		return
	}
	claims, err := c.hub.jwt.ValidateToken(p.Token)
	if err != nil {
		c.fail(err.Error())
		return
	}
	if p.Role != "" && p.Role != claims.Role {
		c.fail("declared role does not match credential")
		return
	}
	actor := claims.Actor()
	c.mu.Lock()
	c.actor = &actor
	c.mu.Unlock()
	c.hub.authenticated(c, actor)
}

func (c *Conn) handleJoin(actor model.Actor, env protocol.Envelope) {
	var p protocol.JoinRoom
	if err := env.Decode(&p); err != nil || p.Room == "" {
		c.fail("joinRoom needs a room")
		return
	}
	switch {
	case p.Room == protocol.RoomAdmins && actor.IsAdmin():
	case strings.HasPrefix(p.Room, "user:") && p.Room == protocol.UserRoom(actor.UserID):
	default:
		c.fail(errs.ErrForbidden.Error())
		return
	}
	c.hub.join(c, p.Room)
}

func (c *Conn) handleRead(actor model.Actor, env protocol.Envelope) {
	var p protocol.Read
	if err := env.Decode(&p); err != nil || p.TicketID == "" {
		c.fail("read receipt needs a ticketId")
		return
	}
	if c.hub.reads == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.hub.reads.MarkRead(ctx, actor, p.TicketID, service.ReadInput{MessageIDs: p.MessageIDs, LastN: p.LastN})
	if err != nil {
		if errors.Is(err, errs.ErrTicketNotFound) || errors.Is(err, errs.ErrForbidden) {
			c.fail(err.Error())
			return
		}
		c.hub.log.Error().Err(err).Str("ticket", p.TicketID).Msg("mark read")
		return
	}
	if len(res.Marked) > 0 {
		c.hub.forwardRead(actor, res)
	}
}
