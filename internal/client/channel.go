package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/psds-microservice/support-chat/internal/errs"
	"github.com/psds-microservice/support-chat/internal/model"
	"github.com/psds-microservice/support-chat/internal/protocol"
)

const (
	writeWait        = 10 * time.Second
	readWait         = 70 * time.Second
	handshakeTimeout = 10 * time.Second
	heartbeatPeriod  = 30 * time.Second
	eventBuffer      = 64
)

// ErrNotConnected is returned by Send while the channel is between connections.
var ErrNotConnected = errors.New("event channel not connected")

// EventChannel is what the synchronizer needs from the real-time connection.
type EventChannel interface {
	Run(ctx context.Context) error
	Events() <-chan protocol.Envelope
	Send(event string, data interface{}) error
	Close() error
}

// Channel keeps one authenticated WebSocket to the hub, reconnecting with
// exponential backoff until its context ends or the credential is rejected.
type Channel struct {
	url       string
	session   *Session
	log       zerolog.Logger
	dialer    *websocket.Dialer
	heartbeat time.Duration
	events    chan protocol.Envelope

	// backoff tuning; zero values use the library defaults
	initialInterval time.Duration
	maxInterval     time.Duration

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

func NewChannel(wsURL string, session *Session, log zerolog.Logger) *Channel {
	return &Channel{
		url:             wsURL,
		session:         session,
		log:             log.With().Str("component", "channel").Logger(),
		dialer:          &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		heartbeat:       heartbeatPeriod,
		events:          make(chan protocol.Envelope, eventBuffer),
		initialInterval: 500 * time.Millisecond,
		maxInterval:     30 * time.Second,
	}
}

// Events delivers every frame received after the handshake, starting with authenticated.
// The channel is never closed.
func (c *Channel) Events() <-chan protocol.Envelope { return c.events }

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(b, ctx)

	for {
		if ctx.Err() != nil || c.isClosed() {
			return nil
		}
		if !c.session.Valid() {
			return errs.ErrSessionExpired
		}
		err := c.serve(ctx, bo.Reset)
		if errors.Is(err, errs.ErrSessionExpired) {
			return err
		}
		if ctx.Err() != nil || c.isClosed() {
			return nil
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return nil
		}
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("event channel down")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// serve runs one connection: dial, handshake, then read until it breaks.
func (c *Channel) serve(ctx context.Context, onReady func()) error {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	hello, err := c.handshake(ws)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
	}()

	onReady()
	c.log.Info().Str("url", c.url).Str("user_id", c.session.UserID()).Msg("event channel connected")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-stop:
		}
	}()
	go c.heartbeatLoop(stop)

	if !c.deliver(ctx, hello) {
		return nil
	}

	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.log.Debug().Msg("dropping malformed frame")
			continue
		}
		if !c.deliver(ctx, env) {
			return nil
		}
	}
}

// handshake is strictly sequential: authenticate, wait for the answer, then join the
// staff room when acting as admin. A rejected credential is fatal.
func (c *Channel) handshake(ws *websocket.Conn) (protocol.Envelope, error) {
	role := c.session.Role()
	if err := writeFrame(ws, protocol.EventAuthenticate, protocol.Authenticate{Token: c.session.Token(), Role: role}); err != nil {
		return protocol.Envelope{}, fmt.Errorf("authenticate: %w", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hello protocol.Envelope
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return protocol.Envelope{}, fmt.Errorf("handshake: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Event == protocol.EventError {
			var p protocol.Error
			_ = env.Decode(&p)
			c.session.Clear()
			return protocol.Envelope{}, fmt.Errorf("%w: %s", errs.ErrSessionExpired, p.Error)
		}
		if env.Event == protocol.EventAuthenticated {
			var p protocol.Authenticated
			if err := env.Decode(&p); err == nil {
				c.session.setUserID(p.UserID)
			}
			hello = env
			break
		}
	}
	if role == model.RoleAdmin {
		if err := writeFrame(ws, protocol.EventJoinRoom, protocol.JoinRoom{Room: protocol.RoomAdmins}); err != nil {
			return protocol.Envelope{}, fmt.Errorf("join room: %w", err)
		}
	}
	return hello, nil
}

func (c *Channel) deliver(ctx context.Context, env protocol.Envelope) bool {
	select {
	case c.events <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) heartbeatLoop(stop <-chan struct{}) {
	if c.heartbeat <= 0 {
		return
	}
	t := time.NewTicker(c.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := c.Send(protocol.EventHeartbeat, struct{}{}); err != nil {
				c.log.Debug().Err(err).Msg("heartbeat")
			}
		}
	}
}

// Send writes one frame on the live connection.
func (c *Channel) Send(event string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	return writeFrame(c.ws, event, data)
}

// Close disconnects and stops reconnecting.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.ws == nil {
		return nil
	}
	ws := c.ws
	c.ws = nil
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return ws.Close()
}

func writeFrame(ws *websocket.Conn, event string, data interface{}) error {
	msg, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, msg)
}
