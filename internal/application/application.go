package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/psds-microservice/support-chat/internal/auth"
	"github.com/psds-microservice/support-chat/internal/config"
	"github.com/psds-microservice/support-chat/internal/database"
	"github.com/psds-microservice/support-chat/internal/handler"
	"github.com/psds-microservice/support-chat/internal/kafka"
	"github.com/psds-microservice/support-chat/internal/observability"
	"github.com/psds-microservice/support-chat/internal/realtime"
	"github.com/psds-microservice/support-chat/internal/router"
	"github.com/psds-microservice/support-chat/internal/service"
)

// API приложение: HTTP (REST + WebSocket) сервер (режим api).
type API struct {
	cfg      *config.Config
	log      zerolog.Logger
	httpSrv  *http.Server
	hub      *realtime.Hub
	presence *realtime.Presence
	producer *kafka.Producer
	rdb      *redis.Client
	db       *gorm.DB
	otelDown observability.Shutdown
}

// NewAPI создаёт приложение для режима api: миграции, БД, Kafka, Redis, хаб событий.
func NewAPI(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := database.MigrateUp(cfg.DatabaseURL()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	otelDown, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	var (
		rdb    *redis.Client
		mirror realtime.Mirror
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, presence mirror disabled")
			_ = rdb.Close()
			rdb = nil
		} else {
			mirror = realtime.NewRedisMirror(rdb, cfg.PresenceTTL)
		}
	}

	ticketSvc := service.NewTicketService(db)
	jwt := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTTTL)
	presence := realtime.NewPresence(mirror, log.With().Str("component", "presence").Logger())
	hub := realtime.NewHub(jwt, ticketSvc, presence, cfg.WSSendBuffer, log)
	producer := kafka.NewProducer(kafka.ParseBrokers(cfg.KafkaBrokers), cfg.KafkaTopicTicket, log)

	var notify realtime.Notifier = hub
	if producer.Enabled() {
		notify = realtime.Fanout{hub, producer}
	}

	handlerLog := log.With().Str("component", "http").Logger()
	mux := router.New(router.Deps{
		Tickets: handler.NewTicketHandler(ticketSvc, notify, log),
		Uploads: handler.NewUploadHandler(auth.NewURLSigner(jwt, cfg.PublicBaseURL, cfg.SignedURLTTL)),
		Hub:     hub,
		JWT:     jwt,
		Ready:   func() error { return database.Ping(db) },
		Log:     handlerLog,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &API{
		cfg:      cfg,
		log:      log,
		httpSrv:  httpSrv,
		hub:      hub,
		presence: presence,
		producer: producer,
		rdb:      rdb,
		db:       db,
		otelDown: otelDown,
	}, nil
}

// Run запускает HTTP сервер, блокируется до отмены ctx.
func (a *API) Run(ctx context.Context) error {
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	a.log.Info().
		Str("addr", a.httpSrv.Addr).
		Str("swagger", base+"/swagger").
		Str("api", base+"/api/v1/").
		Str("ws", "ws://"+host+":"+a.cfg.HTTPPort+"/ws").
		Msg("HTTP server listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})
	return g.Wait()
}

func (a *API) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.hub.Close()
	err := a.httpSrv.Shutdown(ctx)
	if cerr := a.producer.Close(); cerr != nil {
		a.log.Warn().Err(cerr).Msg("kafka close")
	}
	// зеркало присутствия пишет в Redis: дождаться очереди до закрытия клиента
	a.presence.Close()
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if sqlDB, derr := a.db.DB(); derr == nil {
		_ = sqlDB.Close()
	}
	if a.otelDown != nil {
		if oerr := a.otelDown(ctx); oerr != nil {
			a.log.Warn().Err(oerr).Msg("otel shutdown")
		}
	}
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	a.log.Info().Msg("server stopped")
	return nil
}
