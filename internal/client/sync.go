package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/psds-microservice/support-chat/internal/errs"
	"github.com/psds-microservice/support-chat/internal/model"
	"github.com/psds-microservice/support-chat/internal/protocol"
)

// DefaultReconcileInterval bounds staleness when push events are lost.
const DefaultReconcileInterval = 20 * time.Second

// TicketView is a list entry plus the state only this client knows about.
type TicketView struct {
	model.Ticket
	LastReadAt *time.Time
	Unread     bool
}

// Detail is the open ticket with its attachments resolved so far (raw reference => URL).
type Detail struct {
	Ticket      model.Ticket
	Attachments map[string]string
}

type Options struct {
	Filter   string
	Interval time.Duration
}

// Synchronizer owns the client's view of tickets. The list is refreshed by one
// reconciliation path with two triggers: the interval timer and incoming push events.
type Synchronizer struct {
	store    TicketStore
	channel  EventChannel
	resolver *Resolver
	session  *Session
	presence *PresenceMap
	log      zerolog.Logger

	filter   string
	interval time.Duration
	now      func() time.Time

	trigger chan struct{}
	changed chan struct{}
	details singleflight.Group

	mu       sync.Mutex
	tickets  []TicketView
	current  string
	token    uint64
	detail   *model.Ticket
	resolved map[string]string

	// receiptDue: the open view owes a receipt the channel did not take
	receiptDue bool
}

func NewSynchronizer(store TicketStore, channel EventChannel, resolver *Resolver, session *Session, opts Options, log zerolog.Logger) *Synchronizer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultReconcileInterval
	}
	if opts.Filter == "" {
		opts.Filter = model.FilterAll
	}
	return &Synchronizer{
		store:    store,
		channel:  channel,
		resolver: resolver,
		session:  session,
		presence: NewPresenceMap(),
		log:      log.With().Str("component", "sync").Logger(),
		filter:   opts.Filter,
		interval: opts.Interval,
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
		changed:  make(chan struct{}, 1),
	}
}

// Updates fires (coalesced) whenever the visible state changed.
func (s *Synchronizer) Updates() <-chan struct{} { return s.changed }

func (s *Synchronizer) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// schedule asks the loop for a reconciliation; repeated requests collapse into one.
func (s *Synchronizer) schedule() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run drives the synchronizer until ctx ends or the session expires. On return the
// timer is stopped and the event channel closed.
func (s *Synchronizer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if err := s.channel.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close channel")
		}
	}()

	chErr := make(chan error, 1)
	go func() { chErr <- s.channel.Run(ctx) }()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.Reconcile(ctx); errors.Is(err, errs.ErrSessionExpired) {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Reconcile(ctx); errors.Is(err, errs.ErrSessionExpired) {
				return err
			}
		case <-s.trigger:
			if err := s.Reconcile(ctx); errors.Is(err, errs.ErrSessionExpired) {
				return err
			}
		case env := <-s.channel.Events():
			s.HandleEvent(ctx, env)
		case err := <-chErr:
			if errors.Is(err, errs.ErrSessionExpired) {
				s.log.Error().Err(err).Msg("event channel rejected the credential")
				return err
			}
			chErr = nil
		}
	}
}

// Reconcile replaces the list with the server's. Client-local fields survive and
// replies are merged so nothing already shown disappears.
func (s *Synchronizer) Reconcile(ctx context.Context) error {
	list, err := s.store.ListTickets(ctx, s.filter)
	if err != nil {
		if !errors.Is(err, errs.ErrSessionExpired) && ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("reconcile failed")
		}
		return err
	}
	role := s.session.Role()
	var receiptFor *model.Ticket

	s.mu.Lock()
	prev := make(map[string]*TicketView, len(s.tickets))
	for i := range s.tickets {
		prev[s.tickets[i].ID] = &s.tickets[i]
	}
	views := make([]TicketView, 0, len(list))
	for _, t := range list {
		v := TicketView{}
		if p, ok := prev[t.ID]; ok {
			v.Ticket = MergeTicket(&p.Ticket, t)
			v.LastReadAt = p.LastReadAt
		} else {
			v.Ticket = MergeTicket(nil, t)
		}
		if s.detail != nil && s.detail.ID == t.ID {
			before := countFrom(s.detail.Replies, role.Other())
			merged := MergeTicket(s.detail, v.Ticket)
			s.detail = &merged
			v.Ticket = cloneTicket(merged)
			now := s.now()
			v.LastReadAt = &now
			// replies shown in the open view are read, whichever path brought them
			if s.receiptDue || countFrom(merged.Replies, role.Other()) > before {
				rt := cloneTicket(merged)
				receiptFor = &rt
			}
		}
		v.Unread = hasUnread(&v, role)
		views = append(views, v)
	}
	s.tickets = views
	s.mu.Unlock()

	if receiptFor != nil {
		s.sendReceipt(receiptFor)
	}
	s.notify()
	return nil
}

func countFrom(replies []model.Reply, role model.Role) int {
	n := 0
	for _, r := range replies {
		if r.SenderRole == role {
			n++
		}
	}
	return n
}

// hasUnread reports replies from the other side that are neither marked read by the
// server nor newer than the local lastReadAt stamp.
func hasUnread(v *TicketView, viewer model.Role) bool {
	other := viewer.Other()
	for _, r := range v.Replies {
		if r.SenderRole != other || r.ReadAt != nil {
			continue
		}
		if v.LastReadAt == nil || r.CreatedAt.After(*v.LastReadAt) {
			return true
		}
	}
	return false
}

// OpenTicket makes id the current detail view, fetches it, and emits the read receipt.
func (s *Synchronizer) OpenTicket(ctx context.Context, id string) (*model.Ticket, error) {
	now := s.now()
	s.mu.Lock()
	s.token++
	token := s.token
	s.current = id
	s.detail = nil
	s.receiptDue = false
	s.resolved = make(map[string]string)
	if v := s.view(id); v != nil {
		v.LastReadAt = &now
		v.Unread = false
		t := cloneTicket(v.Ticket)
		s.detail = &t
	}
	s.mu.Unlock()
	if s.resolver != nil {
		s.resolver.Reset()
	}
	s.notify()

	t, err := s.refreshDetail(ctx, id, token)
	if err != nil {
		return nil, err
	}
	s.sendReceipt(t)
	go s.resolveAttachments(ctx, token, t)
	return t, nil
}

// CloseTicket leaves the detail view. Late results for it are discarded.
func (s *Synchronizer) CloseTicket() {
	s.mu.Lock()
	s.token++
	s.current = ""
	s.detail = nil
	s.receiptDue = false
	s.resolved = nil
	s.mu.Unlock()
	s.notify()
}

// refreshDetail fetches one ticket with at most one request in flight per id and
// applies it only if the view that asked is still current.
func (s *Synchronizer) refreshDetail(ctx context.Context, id string, token uint64) (*model.Ticket, error) {
	v, err, _ := s.details.Do(id, func() (interface{}, error) {
		return s.store.GetTicket(ctx, id)
	})
	if err != nil {
		if !errors.Is(err, errs.ErrSessionExpired) {
			s.log.Warn().Err(err).Str("ticket", id).Msg("fetch ticket")
		}
		return nil, err
	}
	fetched := v.(*model.Ticket)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != token {
		t := cloneTicket(*fetched)
		return &t, nil
	}
	merged := MergeTicket(s.detail, *fetched)
	s.detail = &merged
	if lv := s.view(id); lv != nil {
		lv.Ticket = cloneTicket(merged)
	}
	out := cloneTicket(merged)
	s.notify()
	return &out, nil
}

// sendReceipt emits what the viewer owes for t. If the channel is down the receipt
// stays due and goes out on the next reconnect or reconciliation.
func (s *Synchronizer) sendReceipt(t *model.Ticket) {
	rcpt, ok := BuildReceipt(t, s.session.Role())
	if !ok {
		return
	}
	err := s.channel.Send(protocol.EventTicketRead, rcpt)
	s.mu.Lock()
	if s.detail != nil && s.detail.ID == t.ID {
		s.receiptDue = err != nil
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Debug().Err(err).Str("ticket", t.ID).Msg("read receipt deferred")
	}
}

func (s *Synchronizer) flushReceipt() {
	s.mu.Lock()
	if !s.receiptDue || s.detail == nil {
		s.mu.Unlock()
		return
	}
	t := cloneTicket(*s.detail)
	s.mu.Unlock()
	s.sendReceipt(&t)
}

func (s *Synchronizer) resolveAttachments(ctx context.Context, token uint64, t *model.Ticket) {
	if s.resolver == nil {
		return
	}
	refs := append([]string{}, t.Attachments...)
	for _, r := range t.Replies {
		refs = append(refs, r.Attachments...)
	}
	for _, raw := range refs {
		u := s.resolver.Resolve(ctx, raw)
		s.mu.Lock()
		if s.token != token {
			s.mu.Unlock()
			return
		}
		s.resolved[raw] = u
		s.mu.Unlock()
	}
	if len(refs) > 0 {
		s.notify()
	}
}

// Reply posts a reply and applies only the server's acknowledgement. On failure the
// local state is left untouched.
func (s *Synchronizer) Reply(ctx context.Context, id, message string, attachments []string) (*model.Ticket, error) {
	if strings.TrimSpace(message) == "" && len(attachments) == 0 {
		return nil, errs.ErrEmptyMessage
	}
	t, err := s.store.Reply(ctx, id, message, attachments)
	if err != nil {
		return nil, err
	}
	return s.applyAck(*t), nil
}

// SetStatus is staff-only; the new status shows up once the server acknowledges it.
func (s *Synchronizer) SetStatus(ctx context.Context, id string, status model.TicketStatus) (*model.Ticket, error) {
	if s.session.Role() != model.RoleAdmin {
		return nil, errs.ErrForbidden
	}
	if _, err := model.ParseStatus(string(status)); err != nil {
		return nil, err
	}
	t, err := s.store.SetStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	return s.applyAck(*t), nil
}

func (s *Synchronizer) applyAck(ack model.Ticket) *model.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out model.Ticket
	if lv := s.view(ack.ID); lv != nil {
		lv.Ticket = MergeTicket(&lv.Ticket, ack)
		out = lv.Ticket
	} else {
		out = MergeTicket(nil, ack)
	}
	if s.detail != nil && s.detail.ID == ack.ID {
		merged := MergeTicket(s.detail, ack)
		s.detail = &merged
		out = merged
	}
	s.notify()
	res := cloneTicket(out)
	return &res
}

// HandleEvent applies one push event. Every ticket event also schedules a
// reconciliation: the push is a hint, the refetch is the truth.
func (s *Synchronizer) HandleEvent(ctx context.Context, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventAuthenticated:
		// fresh connection: anything missed while disconnected comes with the refetch
		s.flushReceipt()
		s.schedule()
	case protocol.EventTicketNew:
		var p protocol.TicketNew
		if err := env.Decode(&p); err != nil {
			s.log.Debug().Err(err).Msg("ticket:new payload")
		}
		s.schedule()
	case protocol.EventTicketReply:
		var p protocol.TicketReply
		if err := env.Decode(&p); err != nil || p.TicketID == "" {
			s.log.Debug().Err(err).Msg("ticket:reply payload")
			s.schedule()
			return
		}
		s.applyReplyPush(p)
		s.schedule()
	case protocol.EventTicketStatus:
		var p protocol.TicketStatus
		if err := env.Decode(&p); err == nil && p.TicketID != "" {
			s.mu.Lock()
			token, open := s.token, s.current == p.TicketID
			s.mu.Unlock()
			if open {
				go func() { _, _ = s.refreshDetail(ctx, p.TicketID, token) }()
			}
		}
		s.schedule()
	case protocol.EventTicketRead, protocol.EventMessageRead:
		var p protocol.Read
		if err := env.Decode(&p); err == nil && p.TicketID != "" {
			s.applyReadReceipt(p)
		}
	case protocol.EventPresence:
		var p protocol.Presence
		if err := env.Decode(&p); err == nil && s.presence.Apply(p) != "" {
			s.notify()
		}
	case protocol.EventError:
		var p protocol.Error
		_ = env.Decode(&p)
		s.log.Warn().Str("error", p.Error).Msg("server error on event channel")
	}
}

func (s *Synchronizer) applyReplyPush(p protocol.TicketReply) {
	incoming := make([]model.Reply, 0, len(p.Replies))
	full := len(p.Replies) > 0
	if full {
		for _, w := range p.Replies {
			incoming = append(incoming, w.Normalize())
		}
	} else {
		incoming = append(incoming, p.Reply.Normalize())
	}
	role := s.session.Role()

	s.mu.Lock()
	var receiptFor *model.Ticket
	if s.detail != nil && s.detail.ID == p.TicketID {
		s.detail.Replies = MergeReplies(s.detail.Replies, incoming, full)
		t := cloneTicket(*s.detail)
		receiptFor = &t
	}
	if lv := s.view(p.TicketID); lv != nil {
		lv.Replies = MergeReplies(lv.Replies, incoming, full)
		if receiptFor != nil {
			now := s.now()
			lv.LastReadAt = &now
			lv.Unread = false
		} else {
			lv.Unread = hasUnread(lv, role)
		}
	}
	s.mu.Unlock()

	if receiptFor != nil {
		s.sendReceipt(receiptFor)
	}
	s.notify()
}

// applyReadReceipt marks our own replies as read by the other side.
func (s *Synchronizer) applyReadReceipt(p protocol.Read) {
	at := s.now()
	if p.ReadAt != nil {
		at = *p.ReadAt
	}
	mine := s.session.Role()
	ids := make(map[string]bool, len(p.MessageIDs))
	for _, id := range p.MessageIDs {
		ids[id] = true
	}
	mark := func(replies []model.Reply) {
		left := p.LastN
		for i := len(replies) - 1; i >= 0; i-- {
			r := &replies[i]
			if r.SenderRole != mine {
				continue
			}
			switch {
			case len(ids) > 0:
				if ids[r.ID] && r.ReadAt == nil {
					r.ReadAt = &at
				}
			case left > 0:
				left--
				if r.ReadAt == nil {
					r.ReadAt = &at
				}
			}
		}
	}

	s.mu.Lock()
	if s.detail != nil && s.detail.ID == p.TicketID {
		mark(s.detail.Replies)
	}
	if lv := s.view(p.TicketID); lv != nil {
		mark(lv.Replies)
	}
	s.mu.Unlock()
	s.notify()
}

// view returns the list entry for id. Callers hold s.mu.
func (s *Synchronizer) view(id string) *TicketView {
	for i := range s.tickets {
		if s.tickets[i].ID == id {
			return &s.tickets[i]
		}
	}
	return nil
}

func (s *Synchronizer) Tickets() []TicketView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TicketView, len(s.tickets))
	for i, v := range s.tickets {
		v.Ticket = cloneTicket(v.Ticket)
		out[i] = v
	}
	return out
}

// Current returns the open detail view, if any.
func (s *Synchronizer) Current() (Detail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detail == nil {
		return Detail{}, false
	}
	d := Detail{Ticket: cloneTicket(*s.detail), Attachments: make(map[string]string, len(s.resolved))}
	for k, v := range s.resolved {
		d.Attachments[k] = v
	}
	return d, true
}

func (s *Synchronizer) Presence() map[string]bool { return s.presence.Snapshot() }

func cloneTicket(t model.Ticket) model.Ticket {
	t.Attachments = append([]string(nil), t.Attachments...)
	replies := make([]model.Reply, len(t.Replies))
	for i, r := range t.Replies {
		r.Attachments = append([]string(nil), r.Attachments...)
		replies[i] = r
	}
	t.Replies = replies
	return t
}
