// Package protocol defines the event channel wire format shared by the server hub and the client core.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/psds-microservice/support-chat/internal/model"
)

const (
	EventAuthenticate  = "authenticate"
	EventAuthenticated = "authenticated"
	EventJoinRoom      = "joinRoom"
	EventHeartbeat     = "presence:heartbeat"
	EventError         = "error"

	EventTicketNew    = "ticket:new"
	EventTicketReply  = "ticket:reply"
	EventTicketStatus = "ticket:status"
	EventTicketRead   = "ticket:read"
	// EventMessageRead is the legacy name of EventTicketRead, still accepted from clients.
	EventMessageRead = "message:read"
	EventPresence    = "presence:update"
)

// RoomAdmins receives every ticket event and every end-user presence change.
const RoomAdmins = "admins"

// UserRoom is the implicit scope joined by an end-user connection on authentication.
func UserRoom(userID string) string {
	return "user:" + userID
}

// Envelope is one frame on the channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Decode unmarshals the envelope payload into v. A missing payload leaves v untouched.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

type Authenticate struct {
	Token string     `json:"token"`
	Role  model.Role `json:"role"`
}

type Authenticated struct {
	Role   model.Role `json:"role"`
	UserID string     `json:"userId"`
}

type JoinRoom struct {
	Room string `json:"room"`
}

type TicketNew struct {
	TicketID string           `json:"ticketId"`
	Ticket   model.WireTicket `json:"ticket"`
}

type TicketReply struct {
	TicketID string            `json:"ticketId"`
	Reply    model.WireReply   `json:"reply"`
	Replies  []model.WireReply `json:"replies,omitempty"`
}

type TicketStatus struct {
	TicketID string            `json:"ticketId"`
	Status   string            `json:"status"`
	Previous string            `json:"previous,omitempty"`
	Ticket   *model.WireTicket `json:"ticket,omitempty"`
}

// Read is a read receipt. Sent by a client it carries either MessageIDs or the LastN fallback;
// forwarded by the server it also names the reader.
type Read struct {
	TicketID   string     `json:"ticketId"`
	MessageIDs []string   `json:"messageIds,omitempty"`
	LastN      int        `json:"lastN,omitempty"`
	ReaderRole model.Role `json:"readerRole,omitempty"`
	ReadAt     *time.Time `json:"readAt,omitempty"`
}

type Presence struct {
	Role   model.Role `json:"role"`
	Online bool       `json:"online"`
	UserID string     `json:"userId,omitempty"`
}

type Error struct {
	Error string `json:"error"`
}
