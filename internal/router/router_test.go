package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/helpy/paths"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/psds-microservice/support-chat/internal/auth"
	"github.com/psds-microservice/support-chat/internal/handler"
	"github.com/psds-microservice/support-chat/internal/realtime"
)

func newTestRouter() http.Handler {
	gin.SetMode(gin.TestMode)
	jwt := auth.NewJWTManager("secret", time.Hour)
	hub := realtime.NewHub(jwt, nil, realtime.NewPresence(nil, zerolog.Nop()), 8, zerolog.Nop())
	return New(Deps{
		Tickets: handler.NewTicketHandler(nil, hub, zerolog.Nop()),
		Uploads: handler.NewUploadHandler(auth.NewURLSigner(jwt, "http://localhost:8097", time.Minute)),
		Hub:     hub,
		JWT:     jwt,
		Ready:   func() error { return nil },
		Log:     zerolog.Nop(),
	})
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRoutes(t *testing.T) {
	h := newTestRouter()

	assert.Equal(t, http.StatusOK, get(h, paths.PathHealth).Code)
	assert.Equal(t, http.StatusOK, get(h, paths.PathReady).Code)
	assert.Equal(t, http.StatusOK, get(h, "/metrics").Code)

	w := get(h, paths.PathSwagger+"/openapi.json")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/tickets/{id}/reply")

	// every API route needs a bearer token
	for _, p := range []string{"/api/v1/tickets", "/api/v1/tickets/t1", "/api/v1/uploads/a.png/signed"} {
		assert.Equal(t, http.StatusUnauthorized, get(h, p).Code, p)
	}
	assert.NotEqual(t, http.StatusNotFound, get(h, "/ws").Code)
	assert.Equal(t, http.StatusForbidden, get(h, "/uploads/a.png?signature=forged").Code)
}
