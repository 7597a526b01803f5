package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/ptt-relay/internal/config"
	"github.com/snarg/ptt-relay/internal/database"
	"github.com/snarg/ptt-relay/internal/metrics"
	"github.com/snarg/ptt-relay/internal/relay"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

type ServerOptions struct {
	Config    *config.Config
	DB        *database.DB
	Engine    *relay.Engine
	Bus       *relay.EventBus
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	var corsOrigins []string
	if opts.Config.CORSOrigins != "" {
		for _, o := range strings.Split(opts.Config.CORSOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				corsOrigins = append(corsOrigins, s)
			}
		}
	}
	trustedProxies := opts.Config.TrustedProxyList()

	// Global middleware. The WebSocket route stays outside MaxBodySize
	// and metrics instrumentation; its limits are the engine's own.
	r.Use(RequestID)
	r.Use(CORSWithOrigins(corsOrigins))
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst, trustedProxies))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))

	health := NewHealthHandler(opts.DB, opts.Engine, opts.Version, opts.StartTime)

	r.Group(func(r chi.Router) {
		r.Use(MaxBodySize(1 << 20)) // 1 MB for plain API requests
		if opts.Config.MetricsEnabled {
			r.Use(metrics.InstrumentHandler)
		}
		r.Get("/api/v1/health", health.ServeHTTP)
	})

	if opts.Config.MetricsEnabled {
		var stats metrics.RelayStats
		if opts.Engine != nil {
			stats = &engineStatsAdapter{engine: opts.Engine, bus: opts.Bus}
		}
		collector := metrics.NewCollector(opts.DB.Pool, stats, opts.DB)
		prometheus.MustRegister(collector)
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	}

	ws := NewWSHandler(opts.Engine, corsOrigins, trustedProxies, opts.Log)
	r.Get("/ws", ws.ServeHTTP)

	srv := &http.Server{
		Addr:        opts.Config.HTTPAddr,
		Handler:     r,
		ReadTimeout: opts.Config.ReadTimeout,
		IdleTimeout: opts.Config.IdleTimeout,
		// WriteTimeout stays 0 so long-lived WebSocket connections are
		// never cut by the server; per-frame deadlines live in the engine.
		WriteTimeout: 0,
	}

	return &Server{
		http: srv,
		log:  opts.Log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}

// engineStatsAdapter adapts the relay engine to metrics.RelayStats.
type engineStatsAdapter struct {
	engine *relay.Engine
	bus    *relay.EventBus
}

func (a *engineStatsAdapter) ConnectionCount() int64 {
	return a.engine.Stats().Connections
}

func (a *engineStatsAdapter) ChannelCount() int {
	return a.engine.Stats().Channels
}

func (a *engineStatsAdapter) EventSubscriberCount() int {
	if a.bus == nil {
		return 0
	}
	return a.bus.SubscriberCount()
}
