package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psds-microservice/support-chat/internal/auth"
	"github.com/psds-microservice/support-chat/internal/model"
	"github.com/psds-microservice/support-chat/internal/protocol"
	"github.com/psds-microservice/support-chat/internal/service"
)

type fakeReads struct {
	mu    sync.Mutex
	calls []service.ReadInput
	owner string
}

func (f *fakeReads) MarkRead(_ context.Context, actor model.Actor, id string, in service.ReadInput) (*service.ReadResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	f.mu.Unlock()
	marked := in.MessageIDs
	if len(marked) == 0 {
		marked = []string{"r-last"}
	}
	return &service.ReadResult{
		Ticket: &model.Ticket{ID: id, User: model.TicketUser{ID: f.owner}},
		Marked: marked,
		ReadAt: time.Now(),
	}, nil
}

type fakeMirror struct {
	mu  sync.Mutex
	ops []string
}

func (m *fakeMirror) SetOnline(_ context.Context, key string, online bool) error {
	state := "offline"
	if online {
		state = "online"
	}
	m.mu.Lock()
	m.ops = append(m.ops, state+" "+key)
	m.mu.Unlock()
	return nil
}

func (m *fakeMirror) Refresh(_ context.Context, key string) error {
	m.mu.Lock()
	m.ops = append(m.ops, "refresh "+key)
	m.mu.Unlock()
	return nil
}

func (m *fakeMirror) seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

type testEnv struct {
	hub   *Hub
	jwt   *auth.JWTManager
	reads *fakeReads
	url   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, 16, nil)
}

func newTestEnvWith(t *testing.T, sendBuffer int, mirror Mirror) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	jwt := auth.NewJWTManager("secret", time.Hour)
	reads := &fakeReads{owner: "u1"}
	presence := NewPresence(mirror, zerolog.Nop())
	hub := NewHub(jwt, reads, presence, sendBuffer, zerolog.Nop())
	r := gin.New()
	r.GET("/ws", hub.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		presence.Close()
	})
	return &testEnv{hub: hub, jwt: jwt, reads: reads, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, data interface{}) {
	t.Helper()
	msg, err := protocol.Encode(event, data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, msg))
}

func next(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, data, err := ws.ReadMessage()
	assert.Error(t, err, "unexpected frame %s", data)
}

func (e *testEnv) login(t *testing.T, role model.Role, userID string) *websocket.Conn {
	t.Helper()
	ws := e.dial(t)
	tok, err := e.jwt.GenerateToken(userID, "", role)
	require.NoError(t, err)
	send(t, ws, protocol.EventAuthenticate, protocol.Authenticate{Token: tok, Role: role})
	env := next(t, ws)
	require.Equal(t, protocol.EventAuthenticated, env.Event)
	if role == model.RoleAdmin {
		send(t, ws, protocol.EventJoinRoom, protocol.JoinRoom{Room: protocol.RoomAdmins})
		require.Eventually(t, func() bool {
			e.hub.mu.RLock()
			defer e.hub.mu.RUnlock()
			for c := range e.hub.rooms[protocol.RoomAdmins] {
				if a, ok := c.Actor(); ok && a.UserID == userID {
					return true
				}
			}
			return false
		}, time.Second, 10*time.Millisecond)
	}
	return ws
}

// serverConn finds the hub side of an authenticated connection.
func (e *testEnv) serverConn(t *testing.T, userID string) *Conn {
	t.Helper()
	var found *Conn
	require.Eventually(t, func() bool {
		e.hub.mu.RLock()
		defer e.hub.mu.RUnlock()
		for c := range e.hub.conns {
			if a, ok := c.Actor(); ok && a.UserID == userID {
				found = c
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	return found
}

func decodePresence(t *testing.T, env protocol.Envelope) protocol.Presence {
	t.Helper()
	require.Equal(t, protocol.EventPresence, env.Event)
	var p protocol.Presence
	require.NoError(t, env.Decode(&p))
	return p
}

func TestHub_RejectsBeforeAuthenticate(t *testing.T) {
	e := newTestEnv(t)
	ws := e.dial(t)
	send(t, ws, protocol.EventJoinRoom, protocol.JoinRoom{Room: protocol.RoomAdmins})
	env := next(t, ws)
	assert.Equal(t, protocol.EventError, env.Event)

	send(t, ws, protocol.EventAuthenticate, protocol.Authenticate{Token: "garbage"})
	assert.Equal(t, protocol.EventError, next(t, ws).Event)
}

func TestHub_RoleMismatchAndForbiddenRoom(t *testing.T) {
	e := newTestEnv(t)
	ws := e.dial(t)
	tok, err := e.jwt.GenerateToken("u1", "", model.RoleUser)
	require.NoError(t, err)
	send(t, ws, protocol.EventAuthenticate, protocol.Authenticate{Token: tok, Role: model.RoleAdmin})
	assert.Equal(t, protocol.EventError, next(t, ws).Event)

	user := e.login(t, model.RoleUser, "u1")
	decodePresence(t, next(t, user))
	send(t, user, protocol.EventJoinRoom, protocol.JoinRoom{Room: protocol.RoomAdmins})
	env := next(t, user)
	require.Equal(t, protocol.EventError, env.Event)
	var p protocol.Error
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, "forbidden", p.Error)
}

func TestHub_PresenceTransitions(t *testing.T) {
	e := newTestEnv(t)

	user := e.login(t, model.RoleUser, "u42")
	snap := decodePresence(t, next(t, user))
	assert.Equal(t, protocol.Presence{Role: model.RoleAdmin, Online: false}, snap)

	admin := e.login(t, model.RoleAdmin, "a1")
	assert.Equal(t, protocol.Presence{Role: model.RoleAdmin, Online: true}, decodePresence(t, next(t, admin)))
	assert.Equal(t, protocol.Presence{Role: model.RoleUser, Online: true, UserID: "u42"}, decodePresence(t, next(t, admin)))

	assert.Equal(t, protocol.Presence{Role: model.RoleAdmin, Online: true}, decodePresence(t, next(t, user)))

	// A second admin connection is not a transition.
	admin2 := e.login(t, model.RoleAdmin, "a2")
	decodePresence(t, next(t, admin2))
	decodePresence(t, next(t, admin2))
	expectSilence(t, user)

	require.NoError(t, user.Close())
	assert.Equal(t, protocol.Presence{Role: model.RoleUser, Online: false, UserID: "u42"}, decodePresence(t, next(t, admin)))
}

func TestHub_TicketEventsReachAdminsAndOwner(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, model.RoleAdmin, "a1")
	decodePresence(t, next(t, admin))

	owner := e.login(t, model.RoleUser, "u1")
	decodePresence(t, next(t, owner))
	decodePresence(t, next(t, admin))

	stranger := e.login(t, model.RoleUser, "u2")
	decodePresence(t, next(t, stranger))
	decodePresence(t, next(t, admin))

	tk := &model.Ticket{ID: "t1", User: model.TicketUser{ID: "u1"}, Status: model.TicketStatusOpen, Message: "help"}
	reply := model.Reply{ID: "r1", TicketID: "t1", SenderRole: model.RoleAdmin, Message: "on it"}
	tk.Replies = []model.Reply{reply}
	e.hub.TicketReplied(tk, &reply)

	for _, ws := range []*websocket.Conn{admin, owner} {
		env := next(t, ws)
		require.Equal(t, protocol.EventTicketReply, env.Event)
		var p protocol.TicketReply
		require.NoError(t, env.Decode(&p))
		assert.Equal(t, "t1", p.TicketID)
		require.NotNil(t, p.Reply.ID)
		assert.Equal(t, "r1", *p.Reply.ID)
		assert.Len(t, p.Replies, 1)
	}
	expectSilence(t, stranger)

	e.hub.TicketStatusChanged(tk, model.TicketStatusPending)
	env := next(t, owner)
	require.Equal(t, protocol.EventTicketStatus, env.Event)
	var st protocol.TicketStatus
	require.NoError(t, env.Decode(&st))
	assert.Equal(t, "open", st.Status)
	assert.Equal(t, "pending", st.Previous)
}

func TestHub_ReadReceiptForwarded(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login(t, model.RoleAdmin, "a1")
	decodePresence(t, next(t, admin))
	user := e.login(t, model.RoleUser, "u1")
	decodePresence(t, next(t, user))
	decodePresence(t, next(t, admin))

	send(t, user, protocol.EventTicketRead, protocol.Read{TicketID: "t1", MessageIDs: []string{"r1", "r2"}})
	env := next(t, admin)
	require.Equal(t, protocol.EventTicketRead, env.Event)
	var p protocol.Read
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, []string{"r1", "r2"}, p.MessageIDs)
	assert.Equal(t, model.RoleUser, p.ReaderRole)
	assert.NotNil(t, p.ReadAt)

	// Legacy alias with the positional fallback, read by the admin side.
	send(t, admin, protocol.EventMessageRead, protocol.Read{TicketID: "t1", LastN: 2})
	env = next(t, user)
	require.Equal(t, protocol.EventTicketRead, env.Event)
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, model.RoleAdmin, p.ReaderRole)

	e.reads.mu.Lock()
	defer e.reads.mu.Unlock()
	require.Len(t, e.reads.calls, 2)
	assert.Equal(t, 2, e.reads.calls[1].LastN)
}

func TestPresence_CountsConnections(t *testing.T) {
	p := NewPresence(nil, zerolog.Nop())
	u := model.Actor{Role: model.RoleUser, UserID: "u1"}
	a1 := model.Actor{Role: model.RoleAdmin, UserID: "a1"}
	a2 := model.Actor{Role: model.RoleAdmin, UserID: "a2"}

	assert.True(t, p.Connect(u))
	assert.False(t, p.Connect(u))
	assert.True(t, p.Connect(a1))
	assert.False(t, p.Connect(a2), "admins share one aggregate key")
	assert.Equal(t, []string{"u1"}, p.OnlineUsers())

	assert.False(t, p.Disconnect(u))
	assert.True(t, p.Disconnect(u))
	assert.False(t, p.Disconnect(u))
	assert.False(t, p.Disconnect(a1))
	assert.True(t, p.IsOnline(AdminKey))
	assert.True(t, p.Disconnect(a2))
	assert.False(t, p.IsOnline(AdminKey))
}

func TestHub_SlowConsumerIsDropped(t *testing.T) {
	mirror := &fakeMirror{}
	e := newTestEnvWith(t, 4, mirror)
	admin := e.login(t, model.RoleAdmin, "a1")
	decodePresence(t, next(t, admin))

	// u7 never reads after the handshake
	e.login(t, model.RoleUser, "u7")
	assert.Equal(t, protocol.Presence{Role: model.RoleUser, Online: true, UserID: "u7"}, decodePresence(t, next(t, admin)))
	conn := e.serverConn(t, "u7")

	frame := []byte(strings.Repeat("x", 64<<10))
	dropped := false
	for i := 0; i < 100000 && !dropped; i++ {
		dropped = !conn.enqueue(frame)
	}
	require.True(t, dropped, "queue never filled")
	assert.False(t, conn.enqueue(frame), "closed connection takes nothing")

	assert.Equal(t, protocol.Presence{Role: model.RoleUser, Online: false, UserID: "u7"}, decodePresence(t, next(t, admin)))
	assert.False(t, e.hub.presence.IsOnline("u7"))
	e.hub.mu.RLock()
	_, registered := e.hub.conns[conn]
	e.hub.mu.RUnlock()
	assert.False(t, registered)

	require.Eventually(t, func() bool {
		ops := mirror.seen()
		return len(ops) > 0 && ops[len(ops)-1] == "offline u7"
	}, time.Second, 10*time.Millisecond)
}

func TestHub_HeartbeatRefreshesMirror(t *testing.T) {
	mirror := &fakeMirror{}
	e := newTestEnvWith(t, 16, mirror)
	user := e.login(t, model.RoleUser, "u5")
	decodePresence(t, next(t, user))

	send(t, user, protocol.EventHeartbeat, struct{}{})
	require.Eventually(t, func() bool { return len(mirror.seen()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"online u5", "refresh u5"}, mirror.seen())
	expectSilence(t, user)
}

func TestPresence_MirrorWritesKeepOrder(t *testing.T) {
	mirror := &fakeMirror{}
	p := NewPresence(mirror, zerolog.Nop())
	u := model.Actor{Role: model.RoleUser, UserID: "u1"}
	for i := 0; i < 50; i++ {
		require.True(t, p.Connect(u))
		p.Touch(u)
		require.True(t, p.Disconnect(u))
	}
	p.Touch(u)
	p.Close()
	p.Close()

	ops := mirror.seen()
	require.Len(t, ops, 150)
	for i := 0; i < len(ops); i += 3 {
		assert.Equal(t, []string{"online u1", "refresh u1", "offline u1"}, ops[i:i+3])
	}

	// after Close the counts still work, the mirror is left alone
	assert.True(t, p.Connect(u))
	assert.Len(t, mirror.seen(), 150)
}
