// Package client is the synchronization core a support front end runs against the
// support-chat API: REST access, the event channel, reconciliation, attachment
// resolution, presence and read receipts.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/psds-microservice/support-chat/internal/errs"
	"github.com/psds-microservice/support-chat/internal/model"
)

// Session is the credential a client process runs with. It is passed in explicitly
// and cleared once the server rejects it.
type Session struct {
	mu     sync.RWMutex
	token  string
	role   model.Role
	userID string
}

func NewSession(token string, role model.Role) *Session {
	return &Session{token: token, role: role}
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) Role() model.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// UserID is known after the event channel handshake.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) setUserID(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

// Privileged sessions may exchange attachment paths for signed URLs.
func (s *Session) Privileged() bool {
	return s.Role() == model.RoleAdmin && s.Valid()
}

func (s *Session) Valid() bool {
	return s.Token() != ""
}

func (s *Session) Clear() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

// TicketStore is the REST contract the synchronizer depends on.
type TicketStore interface {
	ListTickets(ctx context.Context, filter string) ([]model.Ticket, error)
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
	Reply(ctx context.Context, id, message string, attachments []string) (*model.Ticket, error)
	SetStatus(ctx context.Context, id string, status model.TicketStatus) (*model.Ticket, error)
}

// SignedURLer exchanges an attachment base name for a signed URL.
type SignedURLer interface {
	SignedURL(ctx context.Context, name string) (string, error)
}

// API talks to /api/v1. There is no retry at this layer: callers decide.
type API struct {
	http    *resty.Client
	base    string
	session *Session
	log     zerolog.Logger
}

func NewAPI(baseURL string, session *Session, log zerolog.Logger) *API {
	base := strings.TrimRight(baseURL, "/")
	a := &API{
		base:    base,
		session: session,
		log:     log.With().Str("component", "api-client").Logger(),
	}
	a.http = resty.New().
		SetBaseURL(base).
		SetTimeout(15*time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	a.http.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if tok := a.session.Token(); tok != "" {
			req.SetAuthToken(tok)
		}
		return nil
	})
	return a
}

// BaseURL is the configured API base without a trailing slash.
func (a *API) BaseURL() string { return a.base }

type apiError struct {
	Error string `json:"error"`
}

// check turns a response into the client error taxonomy. A rejected credential
// clears the session and is reported as ErrSessionExpired.
func (a *API) check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsSuccess() {
		return nil
	}
	switch resp.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden:
		a.session.Clear()
		a.log.Warn().Int("status", resp.StatusCode()).Str("op", op).Msg("credential rejected")
		return errs.ErrSessionExpired
	case http.StatusNotFound:
		return errs.ErrTicketNotFound
	case http.StatusConflict:
		return errs.ErrInvalidTransition
	}
	var body apiError
	if json.Unmarshal(resp.Body(), &body) == nil && body.Error != "" {
		return fmt.Errorf("%s: %s (status %d)", op, body.Error, resp.StatusCode())
	}
	return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode())
}

func (a *API) ListTickets(ctx context.Context, filter string) ([]model.Ticket, error) {
	if filter == "" {
		filter = model.FilterAll
	}
	var out struct {
		Tickets []model.WireTicket `json:"tickets"`
	}
	resp, err := a.http.R().SetContext(ctx).
		SetQueryParam("status", filter).
		SetResult(&out).
		Get("/tickets")
	if err := a.check(resp, err, "list tickets"); err != nil {
		return nil, err
	}
	tickets := make([]model.Ticket, 0, len(out.Tickets))
	for _, w := range out.Tickets {
		tickets = append(tickets, w.Normalize())
	}
	return tickets, nil
}

func (a *API) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	var w model.WireTicket
	resp, err := a.http.R().SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&w).
		Get("/tickets/{id}")
	if err := a.check(resp, err, "get ticket"); err != nil {
		return nil, err
	}
	t := w.Normalize()
	return &t, nil
}

func (a *API) Reply(ctx context.Context, id, message string, attachments []string) (*model.Ticket, error) {
	if attachments == nil {
		attachments = []string{}
	}
	var w model.WireTicket
	resp, err := a.http.R().SetContext(ctx).
		SetPathParam("id", id).
		SetBody(map[string]interface{}{"message": message, "attachments": attachments}).
		SetResult(&w).
		Post("/tickets/{id}/reply")
	if err := a.check(resp, err, "reply"); err != nil {
		return nil, err
	}
	t := w.Normalize()
	return &t, nil
}

func (a *API) SetStatus(ctx context.Context, id string, status model.TicketStatus) (*model.Ticket, error) {
	var w model.WireTicket
	resp, err := a.http.R().SetContext(ctx).
		SetPathParam("id", id).
		SetBody(map[string]string{"status": string(status)}).
		SetResult(&w).
		Patch("/tickets/{id}/status")
	if err := a.check(resp, err, "set status"); err != nil {
		return nil, err
	}
	t := w.Normalize()
	return &t, nil
}

func (a *API) SignedURL(ctx context.Context, name string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	resp, err := a.http.R().SetContext(ctx).
		SetResult(&out).
		Get("/uploads/" + url.PathEscape(name) + "/signed")
	if err := a.check(resp, err, "signed url"); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("signed url: empty response")
	}
	return out.URL, nil
}
