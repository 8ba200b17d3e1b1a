package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

type TicketStatus string

const (
	TicketStatusOpen     TicketStatus = "open"
	TicketStatusPending  TicketStatus = "pending"
	TicketStatusResolved TicketStatus = "resolved"
)

// Role is the side of the conversation an actor speaks for.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Other returns the opposite side of the conversation.
func (r Role) Other() Role {
	if r == RoleAdmin {
		return RoleUser
	}
	return RoleAdmin
}

// TicketUser is the originating end-user. Only ID is guaranteed.
type TicketUser struct {
	ID    string `gorm:"type:varchar(64);index;not null"`
	Name  string `gorm:"type:varchar(255)"`
	Email string `gorm:"type:varchar(255)"`
}

type Ticket struct {
	ID          string         `gorm:"type:uuid;primaryKey"`
	User        TicketUser     `gorm:"embedded;embeddedPrefix:user_"`
	Subject     string         `gorm:"type:varchar(255)"`
	Message     string         `gorm:"type:text"`
	Attachments pq.StringArray `gorm:"type:text[]"`
	Status      TicketStatus   `gorm:"type:varchar(32);index;not null"`
	Replies     []Reply        `gorm:"foreignKey:TicketID"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *Ticket) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TicketStatusOpen
	}
	if t.Subject == "" {
		t.Subject = DeriveSubject(t.Message)
	}
	return nil
}

// Reply is one message in a ticket thread. Seq orders the thread and never changes.
type Reply struct {
	ID          string         `gorm:"type:uuid;primaryKey"`
	TicketID    string         `gorm:"type:uuid;index;not null"`
	Seq         int            `gorm:"not null"`
	SenderRole  Role           `gorm:"type:varchar(16);not null"`
	SenderID    string         `gorm:"type:varchar(64)"`
	Message     string         `gorm:"type:text"`
	Attachments pq.StringArray `gorm:"type:text[]"`
	ReadAt      *time.Time

	CreatedAt time.Time
}

func (r *Reply) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// RepliesFrom returns the replies sent by role, in thread order.
func (t *Ticket) RepliesFrom(role Role) []Reply {
	var out []Reply
	for _, r := range t.Replies {
		if r.SenderRole == role {
			out = append(out, r)
		}
	}
	return out
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	Role   Role
	UserID string
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// CanSee reports whether the actor may read the ticket.
func (a Actor) CanSee(t *Ticket) bool {
	return a.IsAdmin() || (a.UserID != "" && a.UserID == t.User.ID)
}
