package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

const subjectMaxRunes = 80

// WireUser is the user object as it appears in API payloads.
type WireUser struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// WireTicket is the JSON shape of a ticket on REST responses and real-time events.
// Optional fields are tolerated on input; Normalize turns it into a Ticket.
type WireTicket struct {
	ID          string      `json:"id"`
	Subject     string      `json:"subject,omitempty"`
	Message     string      `json:"message"`
	Attachments []string    `json:"attachments"`
	Status      string      `json:"status,omitempty"`
	User        *WireUser   `json:"user,omitempty"`
	UserID      string      `json:"userId,omitempty"`
	Replies     []WireReply `json:"replies"`
	CreatedAt   *time.Time  `json:"createdAt,omitempty"`
}

// WireReply carries both timestamp fields; older producers send only one of them.
type WireReply struct {
	ID          *string    `json:"id"`
	SenderRole  string     `json:"senderRole"`
	SenderID    string     `json:"senderId,omitempty"`
	Message     string     `json:"message"`
	Attachments []string   `json:"attachments"`
	At          *time.Time `json:"at,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

func ToWire(t *Ticket) WireTicket {
	created := t.CreatedAt
	out := WireTicket{
		ID:          t.ID,
		Subject:     t.Subject,
		Message:     t.Message,
		Attachments: nonNil(t.Attachments),
		Status:      string(t.Status),
		User:        &WireUser{ID: t.User.ID, Name: t.User.Name, Email: t.User.Email},
		UserID:      t.User.ID,
		Replies:     make([]WireReply, 0, len(t.Replies)),
		CreatedAt:   &created,
	}
	for i := range t.Replies {
		out.Replies = append(out.Replies, ToWireReply(&t.Replies[i]))
	}
	return out
}

func ToWireReply(r *Reply) WireReply {
	at := r.CreatedAt
	out := WireReply{
		SenderRole:  string(r.SenderRole),
		SenderID:    r.SenderID,
		Message:     r.Message,
		Attachments: nonNil(r.Attachments),
		At:          &at,
		CreatedAt:   &at,
		ReadAt:      r.ReadAt,
	}
	if r.ID != "" {
		id := r.ID
		out.ID = &id
	}
	return out
}

// Normalize applies every fallback the protocol tolerates, once:
// missing status is open, missing subject comes from the message,
// user may arrive as an object or a bare userId, and reply time is createdAt or at.
func (w WireTicket) Normalize() Ticket {
	t := Ticket{
		ID:          w.ID,
		Subject:     strings.TrimSpace(w.Subject),
		Message:     w.Message,
		Attachments: nonNil(w.Attachments),
		Status:      TicketStatusOpen,
		Replies:     make([]Reply, 0, len(w.Replies)),
	}
	if st, err := ParseStatus(w.Status); err == nil {
		t.Status = st
	}
	if t.Subject == "" {
		t.Subject = DeriveSubject(w.Message)
	}
	if w.User != nil {
		t.User = TicketUser{ID: w.User.ID, Name: w.User.Name, Email: w.User.Email}
	}
	if t.User.ID == "" {
		t.User.ID = w.UserID
	}
	if w.CreatedAt != nil {
		t.CreatedAt = *w.CreatedAt
	}
	for i, r := range w.Replies {
		nr := r.Normalize()
		nr.TicketID = t.ID
		nr.Seq = i + 1
		t.Replies = append(t.Replies, nr)
	}
	return t
}

func (w WireReply) Normalize() Reply {
	r := Reply{
		SenderRole:  Role(strings.ToLower(w.SenderRole)),
		SenderID:    w.SenderID,
		Message:     w.Message,
		Attachments: nonNil(w.Attachments),
		ReadAt:      w.ReadAt,
	}
	if w.ID != nil {
		r.ID = *w.ID
	}
	switch {
	case w.CreatedAt != nil:
		r.CreatedAt = *w.CreatedAt
	case w.At != nil:
		r.CreatedAt = *w.At
	}
	return r
}

// DeriveSubject builds a subject from the first non-empty line of a message.
func DeriveSubject(message string) string {
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) <= subjectMaxRunes {
			return line
		}
		runes := []rune(line)
		return strings.TrimSpace(string(runes[:subjectMaxRunes-3])) + "..."
	}
	return ""
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
