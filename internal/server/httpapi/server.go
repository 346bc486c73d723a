// Package httpapi serves the dashboard's HTTP surface: the live agent
// view (snapshot and SSE stream) and the content-dashboard workflow
// routes (batch poll, research, strategy, completion webhook).
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cortex/internal/agentview"
	"cortex/internal/gateway"
	"cortex/internal/logging"
	"cortex/internal/workflow"
)

// SessionSource is the slice of the gateway client the server needs.
type SessionSource interface {
	ListSessions(ctx context.Context, activeMinutes, messageLimit int) []gateway.Session
	FetchHistory(ctx context.Context, sessionKey string) string
	CheckHealth(ctx context.Context) gateway.Health
}

// Options tune the server. Zero values take the production defaults;
// tests shrink the stream intervals.
type Options struct {
	Addr string

	// StreamPollInterval is how often a stream connection re-fetches
	// the session list to diff against the last pushed snapshot.
	StreamPollInterval time.Duration
	// HeartbeatInterval spaces the comment lines that keep idle
	// connections alive through proxies.
	HeartbeatInterval time.Duration
	// MaxStreamLifetime bounds one SSE connection; at expiry the
	// client is told to reconnect.
	MaxStreamLifetime time.Duration
	// SnapshotTTL is how long last-known sessions are served after the
	// gateway stops returning them.
	SnapshotTTL time.Duration

	ListActiveMinutes int
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = ":8080"
	}
	if o.StreamPollInterval <= 0 {
		o.StreamPollInterval = 1500 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.MaxStreamLifetime <= 0 {
		o.MaxStreamLifetime = 5 * time.Minute
	}
	if o.SnapshotTTL <= 0 {
		o.SnapshotTTL = 5 * time.Minute
	}
	if o.ListActiveMinutes <= 0 {
		o.ListActiveMinutes = 10
	}
	return o
}

// Server wires the gin engine, the gateway client, and the workflow
// machinery.
type Server struct {
	engine   *gin.Engine
	http     *http.Server
	gw       SessionSource
	store    workflow.Store
	poller   *workflow.Poller
	detector *workflow.Detector
	logger   logging.Logger
	metrics  *Metrics
	opts     Options
	now      func() time.Time

	// lastSeen keeps recently observed sessions so a gateway blip
	// degrades to a stale-but-real snapshot instead of a blank one.
	lastSeen *lru.LRU[string, gateway.Session]
}

// NewServer builds the server and its routes.
func NewServer(gw SessionSource, store workflow.Store, poller *workflow.Poller, detector *workflow.Detector, logger logging.Logger, opts Options) *Server {
	opts = opts.withDefaults()
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		gw:       gw,
		store:    store,
		poller:   poller,
		detector: detector,
		logger:   logging.OrNop(logger),
		metrics:  NewMetrics(),
		opts:     opts,
		now:      time.Now,
		lastSeen: lru.NewLRU[string, gateway.Session](512, nil, opts.SnapshotTTL),
	}

	engine := gin.New()
	engine.Use(requestLogger(s.logger))
	engine.Use(recoveryJSON(s.logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsConfig))

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))

	api := engine.Group("/api")
	api.GET("/agents", s.handleAgents)
	api.GET("/agents/stream", s.handleStream)

	dashboard := api.Group("/content-dashboard")
	dashboard.POST("/workflows/poll", s.handlePoll)
	dashboard.GET("/research", s.handleResearchStatus)
	dashboard.POST("/research", s.handleResearchAction)
	dashboard.GET("/strategy", s.handleStrategyStatus)
	dashboard.POST("/strategy", s.handleStrategyAction)
	dashboard.POST("/complete", s.handleCompletionWebhook)

	s.engine = engine
	s.http = &http.Server{
		Addr:        opts.Addr,
		Handler:     engine,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE connections outlive any sane value and
		// are bounded by MaxStreamLifetime instead.
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening on %s", s.opts.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fetchView loads the current session list, refreshing the last-seen
// cache on gateway-confirmed data and falling back to it otherwise.
// The source tag tells clients whether they are looking at live or
// cached data.
func (s *Server) fetchView(ctx context.Context) (sessions []agentview.AgentSession, source string) {
	raw := s.gw.ListSessions(ctx, s.opts.ListActiveMinutes, 1)
	if len(raw) > 0 {
		for _, session := range raw {
			s.lastSeen.Add(session.ID(), session)
		}
		return agentview.FromGateway(raw, s.now()), "gateway"
	}

	cached := s.lastSeen.Values()
	if len(cached) == 0 {
		return nil, "gateway"
	}
	s.metrics.GatewayFallback.Inc()
	return agentview.FromGateway(cached, s.now()), "fallback"
}
