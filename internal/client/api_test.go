package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psds-microservice/support-chat/internal/errs"
	"github.com/psds-microservice/support-chat/internal/model"
)

func newTestAPI(t *testing.T, h http.HandlerFunc) (*API, *Session) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	sess := NewSession("tok-1", model.RoleAdmin)
	return NewAPI(srv.URL+"/api/v1/", sess, zerolog.Nop()), sess
}

func TestAPI_ListNormalizes(t *testing.T) {
	api, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tickets", r.URL.Path)
		assert.Equal(t, "all", r.URL.Query().Get("status"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tickets":[{"id":"T1","message":"Printer is on fire\nplease help","userId":"u9",
			"replies":[{"senderRole":"ADMIN","message":"on it","at":"2024-03-01T10:00:00Z"}]}],"total":1}`))
	})

	list, err := api.ListTickets(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	tk := list[0]
	assert.Equal(t, model.TicketStatusOpen, tk.Status)
	assert.Equal(t, "Printer is on fire", tk.Subject)
	assert.Equal(t, "u9", tk.User.ID)
	require.Len(t, tk.Replies, 1)
	assert.Equal(t, model.RoleAdmin, tk.Replies[0].SenderRole)
	assert.Equal(t, t0, tk.Replies[0].CreatedAt.UTC())
	assert.Empty(t, tk.Replies[0].ID)
}

func TestAPI_ErrorTaxonomy(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	api, sess := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
	})
	ctx := context.Background()

	_, err := api.GetTicket(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrTicketNotFound)

	status.Store(http.StatusConflict)
	_, err = api.SetStatus(ctx, "T1", model.TicketStatusPending)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)

	status.Store(http.StatusBadRequest)
	_, err = api.Reply(ctx, "T1", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
	assert.True(t, sess.Valid())

	status.Store(http.StatusUnauthorized)
	_, err = api.ListTickets(ctx, "open")
	assert.ErrorIs(t, err, errs.ErrSessionExpired)
	assert.False(t, sess.Valid(), "credential cleared")
}

func TestAPI_ReplyAndSignedURL(t *testing.T) {
	api, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/tickets/T1/reply":
			var body struct {
				Message     string   `json:"message"`
				Attachments []string `json:"attachments"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "Can you confirm?", body.Message)
			assert.NotNil(t, body.Attachments)
			_, _ = w.Write([]byte(`{"id":"T1","message":"m","status":"open","replies":[{"id":"r1","senderRole":"admin","message":"Can you confirm?","createdAt":"2024-03-01T10:00:00Z"}]}`))
		case "/api/v1/uploads/shot.png/signed":
			_, _ = w.Write([]byte(`{"url":"https://cdn.example.com/uploads/shot.png?signature=x"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	tk, err := api.Reply(ctx, "T1", "Can you confirm?", nil)
	require.NoError(t, err)
	require.Len(t, tk.Replies, 1)
	assert.Equal(t, "r1", tk.Replies[0].ID)

	u, err := api.SignedURL(ctx, "shot.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/uploads/shot.png?signature=x", u)
}
