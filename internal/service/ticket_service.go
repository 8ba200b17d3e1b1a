package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/psds-microservice/support-chat/internal/errs"
	"github.com/psds-microservice/support-chat/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TicketServicer: интерфейс для хендлеров и real-time слоя (Dependency Inversion).
type TicketServicer interface {
	List(ctx context.Context, actor model.Actor, status model.TicketStatus) ([]model.Ticket, error)
	Get(ctx context.Context, actor model.Actor, id string) (*model.Ticket, error)
	Create(ctx context.Context, actor model.Actor, in CreateInput) (*model.Ticket, error)
	Reply(ctx context.Context, actor model.Actor, id string, in ReplyInput) (*model.Ticket, *model.Reply, error)
	SetStatus(ctx context.Context, actor model.Actor, id string, status model.TicketStatus) (*StatusChange, error)
	MarkRead(ctx context.Context, actor model.Actor, id string, in ReadInput) (*ReadResult, error)
}

type CreateInput struct {
	// UserID lets an admin open a ticket on behalf of a user; ignored for users.
	UserID      string
	UserName    string
	UserEmail   string
	Subject     string
	Message     string
	Attachments []string
}

type ReplyInput struct {
	Message     string
	Attachments []string
}

// ReadInput selects the replies a read receipt covers: explicit ids, or the last N from the other side.
type ReadInput struct {
	MessageIDs []string
	LastN      int
}

type StatusChange struct {
	Ticket   *model.Ticket
	Previous model.TicketStatus
	Changed  bool
}

type ReadResult struct {
	Ticket *model.Ticket
	Marked []string
	ReadAt time.Time
}

type TicketService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTicketService(db *gorm.DB) *TicketService {
	return &TicketService{db: db, now: time.Now}
}

func orderedReplies(db *gorm.DB) *gorm.DB {
	return db.Order("seq ASC")
}

func (s *TicketService) load(tx *gorm.DB, id string) (*model.Ticket, error) {
	var t model.Ticket
	if err := tx.Preload("Replies", orderedReplies).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrTicketNotFound
		}
		return nil, err
	}
	return &t, nil
}

// List returns tickets newest first. Admins see every ticket, users only their own.
func (s *TicketService) List(ctx context.Context, actor model.Actor, status model.TicketStatus) ([]model.Ticket, error) {
	var items []model.Ticket
	tx := s.db.WithContext(ctx).Model(&model.Ticket{})
	if !actor.IsAdmin() {
		tx = tx.Where("user_id = ?", actor.UserID)
	}
	if status != "" {
		tx = tx.Where("status = ?", status)
	}
	if err := tx.Preload("Replies", orderedReplies).Order("created_at DESC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *TicketService) Get(ctx context.Context, actor model.Actor, id string) (*model.Ticket, error) {
	t, err := s.load(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	if !actor.CanSee(t) {
		return nil, errs.ErrForbidden
	}
	return t, nil
}

func (s *TicketService) Create(ctx context.Context, actor model.Actor, in CreateInput) (*model.Ticket, error) {
	if strings.TrimSpace(in.Message) == "" && len(in.Attachments) == 0 {
		return nil, errs.ErrEmptyMessage
	}
	userID := actor.UserID
	if actor.IsAdmin() && in.UserID != "" {
		userID = in.UserID
	}
	if userID == "" {
		return nil, errs.ErrUnauthenticated
	}
	t := &model.Ticket{
		User:        model.TicketUser{ID: userID, Name: in.UserName, Email: in.UserEmail},
		Subject:     strings.TrimSpace(in.Subject),
		Message:     in.Message,
		Attachments: in.Attachments,
		Status:      model.TicketStatusOpen,
		Replies:     []model.Reply{},
		CreatedAt:   s.now(),
	}
	if t.Attachments == nil {
		t.Attachments = []string{}
	}
	if err := s.db.WithContext(ctx).Omit("Replies").Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

// Reply appends a reply from the actor's side. The ticket status is never touched.
func (s *TicketService) Reply(ctx context.Context, actor model.Actor, id string, in ReplyInput) (*model.Ticket, *model.Reply, error) {
	if strings.TrimSpace(in.Message) == "" && len(in.Attachments) == 0 {
		return nil, nil, errs.ErrEmptyMessage
	}
	attachments := in.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	var (
		out   *model.Ticket
		reply *model.Reply
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t model.Ticket
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&t).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.ErrTicketNotFound
			}
			return err
		}
		if !actor.CanSee(&t) {
			return errs.ErrForbidden
		}
		var maxSeq int
		if err := tx.Model(&model.Reply{}).Where("ticket_id = ?", id).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		reply = &model.Reply{
			TicketID:    id,
			Seq:         maxSeq + 1,
			SenderRole:  actor.Role,
			SenderID:    actor.UserID,
			Message:     in.Message,
			Attachments: attachments,
			CreatedAt:   s.now(),
		}
		if err := tx.Create(reply).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.Ticket{}).Where("id = ?", id).Update("updated_at", s.now()).Error; err != nil {
			return err
		}
		loaded, err := s.load(tx, id)
		if err != nil {
			return err
		}
		out = loaded
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, reply, nil
}

// SetStatus applies an admin status change. A request for the current status is accepted and reports Changed=false.
func (s *TicketService) SetStatus(ctx context.Context, actor model.Actor, id string, status model.TicketStatus) (*StatusChange, error) {
	if !actor.IsAdmin() {
		return nil, errs.ErrForbidden
	}
	if _, err := model.ParseStatus(string(status)); err != nil {
		return nil, err
	}
	var change *StatusChange
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t model.Ticket
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&t).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.ErrTicketNotFound
			}
			return err
		}
		prev := t.Status
		if !model.CanTransition(prev, status) {
			return errs.ErrInvalidTransition
		}
		if prev != status {
			if err := tx.Model(&model.Ticket{}).Where("id = ?", id).
				Updates(map[string]interface{}{"status": status, "updated_at": s.now()}).Error; err != nil {
				return err
			}
		}
		loaded, err := s.load(tx, id)
		if err != nil {
			return err
		}
		change = &StatusChange{Ticket: loaded, Previous: prev, Changed: prev != status}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// MarkRead stamps read_at on unread replies written by the other side.
// Ids outside that set are ignored; with no ids the last LastN other-side replies are used.
func (s *TicketService) MarkRead(ctx context.Context, actor model.Actor, id string, in ReadInput) (*ReadResult, error) {
	t, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	from := t.RepliesFrom(actor.Role.Other())
	var targets []string
	switch {
	case len(in.MessageIDs) > 0:
		want := make(map[string]struct{}, len(in.MessageIDs))
		for _, mid := range in.MessageIDs {
			want[mid] = struct{}{}
		}
		for _, r := range from {
			if _, ok := want[r.ID]; ok && r.ReadAt == nil {
				targets = append(targets, r.ID)
			}
		}
	case in.LastN > 0:
		start := len(from) - in.LastN
		if start < 0 {
			start = 0
		}
		for _, r := range from[start:] {
			if r.ReadAt == nil {
				targets = append(targets, r.ID)
			}
		}
	}
	readAt := s.now()
	if len(targets) > 0 {
		if err := s.db.WithContext(ctx).Model(&model.Reply{}).
			Where("ticket_id = ? AND id IN ?", id, targets).
			Update("read_at", readAt).Error; err != nil {
			return nil, err
		}
		if t, err = s.load(s.db.WithContext(ctx), id); err != nil {
			return nil, err
		}
	}
	return &ReadResult{Ticket: t, Marked: targets, ReadAt: readAt}, nil
}
