package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sysmanage/core/internal/authsvc"
	"github.com/sysmanage/core/internal/configpush"
	"github.com/sysmanage/core/internal/connmgr"
	"github.com/sysmanage/core/internal/hoststore"
	"github.com/sysmanage/core/internal/processor"
	"github.com/sysmanage/core/internal/protocol"
	"github.com/sysmanage/core/internal/queue"
	"github.com/sysmanage/core/internal/router"
)

// Server composes every component over one shared database and exposes
// them behind a chi router: REST agent auth (C), the agent WebSocket
// endpoint (H), and a Prometheus scrape endpoint.
type Server struct {
	cfg *Config
	db  *sql.DB
	log zerolog.Logger

	hosts      *hoststore.Store
	conns      *connmgr.Manager
	auth       *authsvc.Service
	rt         *router.Router
	queue      *queue.Store
	processor  *processor.Processor
	configPush *configpush.Manager

	upgrader websocket.Upgrader
	mux      *chi.Mux

	httpServer *http.Server
	procCtx    context.Context
	procCancel context.CancelFunc
}

// New wires every component over db/rdb and starts the Inbound Processor.
// The HTTP server itself does not start listening until Run is called.
func New(cfg *Config, db *sql.DB, rdb *redis.Client, log zerolog.Logger) *Server {
	hosts := hoststore.NewStore(db)
	if n, err := hosts.MarkAllOffline(context.Background()); err != nil {
		log.Warn().Err(err).Msg("failed to reset host status on startup")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("marked hosts offline on startup (will reconnect)")
	}

	conns := connmgr.NewManager(hosts, log)
	authSvc := authsvc.NewService(cfg.TokenSecret, rdb, cfg.AuthRateLimitAttempts, cfg.AuthRateLimitWindow, log)
	rt := router.New(hosts, conns, log)
	q := queue.NewStore(db, log)
	configPush := configpush.New(conns, log)

	rt.Register(protocol.TypeCommandResult, commandResultHandler(configPush, log))

	proc := processor.New(q, hosts, rt, log,
		processor.WithStuckThreshold(cfg.ProcessorStuckThreshold),
		processor.WithExpirationTimeout(cfg.QueueExpirationTimeout),
		processor.WithHostBatchSize(cfg.ProcessorHostBatchSize),
		processor.WithTickInterval(cfg.ProcessorTickInterval),
		processor.WithOutboundSender(conns),
	)

	procCtx, procCancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:        cfg,
		db:         db,
		log:        log.With().Str("component", "server").Logger(),
		hosts:      hosts,
		conns:      conns,
		auth:       authSvc,
		rt:         rt,
		queue:      q,
		processor:  proc,
		configPush: configPush,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		procCtx:    procCtx,
		procCancel: procCancel,
	}
	s.setupRouter()

	go s.processor.Run(procCtx)

	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	}))

	r.Post("/agent/auth", s.handleAgentAuth)
	r.Get("/api/agent/connect", s.handleAgentConnect)
	r.Handle("/metrics", promhttp.Handler())

	s.mux = r
}

// Run starts the HTTP server. The Inbound Processor is already running,
// started in New.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.mux,
	}
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting sysmanage-core server")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the Inbound Processor and gracefully drains the HTTP
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down server")
	if s.procCancel != nil {
		s.procCancel()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router returns the HTTP handler, for tests.
func (s *Server) Router() http.Handler {
	return s.mux
}

// ConfigPush exposes the Config Push Manager for administrative pushes,
// for tests and any out-of-band admin surface.
func (s *Server) ConfigPush() *configpush.Manager {
	return s.configPush
}

const maxMessageSize = 512 * 1024
const readWait = 90 * time.Second
const writeWait = 10 * time.Second
