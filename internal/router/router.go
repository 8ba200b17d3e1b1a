package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/psds-microservice/helpy/paths"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/psds-microservice/support-chat/api"
	"github.com/psds-microservice/support-chat/internal/auth"
	"github.com/psds-microservice/support-chat/internal/handler"
	"github.com/psds-microservice/support-chat/internal/middleware"
	"github.com/psds-microservice/support-chat/internal/observability"
	"github.com/psds-microservice/support-chat/internal/realtime"
)

type Deps struct {
	Tickets *handler.TicketHandler
	Uploads *handler.UploadHandler
	Hub     *realtime.Hub
	JWT     *auth.JWTManager
	Ready   func() error
	Log     zerolog.Logger
}

func New(d Deps) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Tracing(observability.ServiceName), middleware.RequestLogger(d.Log))

	r.GET(paths.PathHealth, handler.Health)
	r.GET(paths.PathReady, handler.Ready(d.Ready))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET(paths.PathSwagger, func(c *gin.Context) { c.Redirect(http.StatusFound, paths.PathSwagger+"/") })
	r.GET(paths.PathSwagger+"/*any", func(c *gin.Context) {
		if strings.TrimPrefix(c.Param("any"), "/") == "openapi.json" {
			c.Data(http.StatusOK, "application/json", api.OpenAPISpec)
			return
		}
		if strings.TrimPrefix(c.Param("any"), "/") == "" {
			c.Request.URL.Path = paths.PathSwagger + "/index.html"
			c.Request.RequestURI = paths.PathSwagger + "/index.html"
		}
		ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL(paths.PathSwagger+"/openapi.json"))(c)
	})

	// Event channel: credentials travel in the authenticate frame, not in headers.
	r.GET("/ws", d.Hub.ServeWS)
	// Signed attachment links carry their own credential.
	r.GET("/uploads/:name", d.Uploads.Check)

	v1 := r.Group("/api/v1", auth.Middleware(d.JWT))
	{
		v1.GET("/tickets", d.Tickets.List)
		v1.POST("/tickets", d.Tickets.Create)
		v1.GET("/tickets/:id", d.Tickets.Get)
		v1.POST("/tickets/:id/reply", d.Tickets.Reply)
		v1.PATCH("/tickets/:id/status", d.Tickets.SetStatus)
		v1.GET("/uploads/:name/signed", d.Uploads.Signed)
	}

	return r
}
