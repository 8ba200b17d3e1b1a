package realtime

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/psds-microservice/support-chat/internal/auth"
	"github.com/psds-microservice/support-chat/internal/metrics"
	"github.com/psds-microservice/support-chat/internal/model"
	"github.com/psds-microservice/support-chat/internal/protocol"
	"github.com/psds-microservice/support-chat/internal/service"
)

var upgrader = websocket.Upgrader{
	// Clients authenticate in-band, so the origin is not checked.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ReadMarker applies read receipts received on the channel.
type ReadMarker interface {
	MarkRead(ctx context.Context, actor model.Actor, id string, in service.ReadInput) (*service.ReadResult, error)
}

// Notifier is how REST handlers push ticket changes to connected clients.
type Notifier interface {
	TicketCreated(t *model.Ticket)
	TicketReplied(t *model.Ticket, r *model.Reply)
	TicketStatusChanged(t *model.Ticket, previous model.TicketStatus)
}

// Hub owns every event channel connection and the room membership.
type Hub struct {
	jwt        *auth.JWTManager
	reads      ReadMarker
	presence   *Presence
	sendBuffer int
	log        zerolog.Logger

	mu    sync.RWMutex
	conns map[*Conn]struct{}
	rooms map[string]map[*Conn]struct{}
}

func NewHub(jwt *auth.JWTManager, reads ReadMarker, presence *Presence, sendBuffer int, log zerolog.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{
		jwt:        jwt,
		reads:      reads,
		presence:   presence,
		sendBuffer: sendBuffer,
		log:        log.With().Str("component", "hub").Logger(),
		conns:      make(map[*Conn]struct{}),
		rooms:      make(map[string]map[*Conn]struct{}),
	}
}

// ServeWS upgrades the request and starts the connection pumps.
func (h *Hub) ServeWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := &Conn{
		id:   uuid.NewString(),
		hub:  h,
		ws:   ws,
		send: make(chan []byte, h.sendBuffer),
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	metrics.WSConnections.Inc()
	h.log.Debug().Str("conn", conn.id).Str("remote", c.Request.RemoteAddr).Msg("connected")

	go conn.writePump()
	go conn.readPump()
}

func (h *Hub) join(conn *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[conn] = struct{}{}
}

func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn)
	for name, members := range h.rooms {
		delete(members, conn)
		if len(members) == 0 {
			delete(h.rooms, name)
		}
	}
	h.mu.Unlock()
	metrics.WSConnections.Dec()

	if actor, ok := conn.Actor(); ok && h.presence.Disconnect(actor) {
		h.broadcastPresence(actor, false)
	}
	h.log.Debug().Str("conn", conn.id).Msg("disconnected")
}

// authenticated runs after a successful handshake: scope join, presence, snapshot.
func (h *Hub) authenticated(conn *Conn, actor model.Actor) {
	if !actor.IsAdmin() {
		h.join(conn, protocol.UserRoom(actor.UserID))
	}
	conn.emit(protocol.EventAuthenticated, protocol.Authenticated{Role: actor.Role, UserID: actor.UserID})
	if h.presence.Connect(actor) {
		h.broadcastPresence(actor, true)
	}
	h.sendPresenceSnapshot(conn, actor)
}

func (h *Hub) sendPresenceSnapshot(conn *Conn, actor model.Actor) {
	conn.emit(protocol.EventPresence, protocol.Presence{Role: model.RoleAdmin, Online: h.presence.IsOnline(AdminKey)})
	if !actor.IsAdmin() {
		return
	}
	for _, id := range h.presence.OnlineUsers() {
		conn.emit(protocol.EventPresence, protocol.Presence{Role: model.RoleUser, Online: true, UserID: id})
	}
}

// broadcastPresence sends user transitions to admins and the admin aggregate to every end-user.
func (h *Hub) broadcastPresence(actor model.Actor, online bool) {
	if actor.IsAdmin() {
		h.toUsers(protocol.EventPresence, protocol.Presence{Role: model.RoleAdmin, Online: online})
		return
	}
	h.toRooms(protocol.EventPresence, protocol.Presence{Role: model.RoleUser, Online: online, UserID: actor.UserID}, protocol.RoomAdmins)
}

func (h *Hub) toRooms(event string, data interface{}, rooms ...string) {
	msg, err := protocol.Encode(event, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode")
		return
	}
	targets := make(map[*Conn]struct{})
	h.mu.RLock()
	for _, room := range rooms {
		for c := range h.rooms[room] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()
	for c := range targets {
		if c.enqueue(msg) {
			metrics.EventsSent.WithLabelValues(event).Inc()
		}
	}
}

func (h *Hub) toUsers(event string, data interface{}) {
	msg, err := protocol.Encode(event, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode")
		return
	}
	var targets []*Conn
	h.mu.RLock()
	for c := range h.conns {
		if a, ok := c.Actor(); ok && !a.IsAdmin() {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		if c.enqueue(msg) {
			metrics.EventsSent.WithLabelValues(event).Inc()
		}
	}
}

// ticketRooms: admins plus the owner's scope. Receivers filter by ticket id themselves.
func ticketRooms(t *model.Ticket) []string {
	return []string{protocol.RoomAdmins, protocol.UserRoom(t.User.ID)}
}

func (h *Hub) TicketCreated(t *model.Ticket) {
	h.toRooms(protocol.EventTicketNew, protocol.TicketNew{TicketID: t.ID, Ticket: model.ToWire(t)}, ticketRooms(t)...)
}

func (h *Hub) TicketReplied(t *model.Ticket, r *model.Reply) {
	w := model.ToWire(t)
	h.toRooms(protocol.EventTicketReply, protocol.TicketReply{
		TicketID: t.ID,
		Reply:    model.ToWireReply(r),
		Replies:  w.Replies,
	}, ticketRooms(t)...)
}

func (h *Hub) TicketStatusChanged(t *model.Ticket, previous model.TicketStatus) {
	w := model.ToWire(t)
	h.toRooms(protocol.EventTicketStatus, protocol.TicketStatus{
		TicketID: t.ID,
		Status:   string(t.Status),
		Previous: string(previous),
		Ticket:   &w,
	}, ticketRooms(t)...)
}

// forwardRead tells the other side of the ticket that its replies were read.
func (h *Hub) forwardRead(reader model.Actor, res *service.ReadResult) {
	readAt := res.ReadAt
	payload := protocol.Read{
		TicketID:   res.Ticket.ID,
		MessageIDs: res.Marked,
		ReaderRole: reader.Role,
		ReadAt:     &readAt,
	}
	if reader.IsAdmin() {
		h.toRooms(protocol.EventTicketRead, payload, protocol.UserRoom(res.Ticket.User.ID))
		return
	}
	h.toRooms(protocol.EventTicketRead, payload, protocol.RoomAdmins)
}

// Close drops every connection; used on shutdown.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

// Fanout forwards ticket changes to several notifiers, e.g. the hub and the Kafka producer.
type Fanout []Notifier

func (f Fanout) TicketCreated(t *model.Ticket) {
	for _, n := range f {
		n.TicketCreated(t)
	}
}

func (f Fanout) TicketReplied(t *model.Ticket, r *model.Reply) {
	for _, n := range f {
		n.TicketReplied(t, r)
	}
}

func (f Fanout) TicketStatusChanged(t *model.Ticket, previous model.TicketStatus) {
	for _, n := range f {
		n.TicketStatusChanged(t, previous)
	}
}
