package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psds-microservice/support-chat/internal/model"
)

func TestEncodeShape(t *testing.T) {
	raw, err := Encode(EventPresence, Presence{Role: model.RoleUser, Online: true, UserID: "u42"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"presence:update","data":{"role":"user","online":true,"userId":"u42"}}`, string(raw))
}

func TestDecodeTolerance(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"event":"ticket:read"}`), &env))
	r := Read{TicketID: "keep"}
	require.NoError(t, env.Decode(&r))
	assert.Equal(t, "keep", r.TicketID)

	require.NoError(t, json.Unmarshal([]byte(`{"event":"message:read","data":{"ticketId":"T1","lastN":2}}`), &env))
	require.NoError(t, env.Decode(&r))
	assert.Equal(t, "T1", r.TicketID)
	assert.Equal(t, 2, r.LastN)
}

func TestUserRoom(t *testing.T) {
	assert.Equal(t, "user:u1", UserRoom("u1"))
}
