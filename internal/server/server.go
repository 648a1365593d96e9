// Package server exposes the engine over HTTP: the charting platform posts
// alerts to /webhook and operators read /state and /metrics.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kite-autotrader/internal/engine"
	"kite-autotrader/internal/logging"
	"kite-autotrader/internal/models"
	"kite-autotrader/internal/resilience"
)

// TokenHeader carries the shared secret when it is not in the body.
const TokenHeader = "X-Webhook-Token"

// Processor is the part of the engine the server drives.
type Processor interface {
	Process(ctx context.Context, ev models.SignalEvent) engine.Outcome
	Snapshot(symbol string) models.SymbolState
	Snapshots() []models.SymbolState
	Timeframes() []string
}

// Config holds server settings.
type Config struct {
	Addr           string
	Workers        int
	Queue          int
	Token          string
	RequestTimeout time.Duration
	Mode           string // reported on the health route
	// Health backs GET /healthz; nil reports only the process itself.
	Health *resilience.HealthChecker
}

// Server is the webhook receiver.
type Server struct {
	engine  Processor
	pool    *WorkerPool
	config  Config
	metrics http.Handler
	logger  zerolog.Logger
	router  *gin.Engine
	http    *http.Server
}

// New builds the server and its routes. metrics may be nil.
func New(p Processor, cfg Config, metrics http.Handler, logger zerolog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:  p,
		pool:    NewWorkerPool(cfg.Workers, cfg.Queue),
		config:  cfg,
		metrics: metrics,
		logger:  logger,
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog())
	r.GET("/", s.health)
	r.GET("/healthz", s.healthz)
	r.GET("/state", s.state)
	r.GET("/state/:symbol", s.symbolState)
	r.POST("/webhook", s.webhook)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	s.router = r
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the worker pool and serves until Shutdown. It returns nil
// after a graceful shutdown.
func (s *Server) Start() error {
	s.pool.Start()
	s.http = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", s.config.Addr).Int("workers", s.pool.workers).Msg("webhook server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight transitions.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.pool.Stop()
	return err
}

// StartWorkers starts the pool without listening, for tests.
func (s *Server) StartWorkers() {
	s.pool.Start()
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-Id", id)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("request_id", logging.RequestID(c.Request.Context())).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"mode":       s.config.Mode,
		"timeframes": s.engine.Timeframes(),
		"pool":       s.pool.Stats(),
	})
}

// healthz answers 503 when any component is unhealthy so load balancers and
// uptime checks notice a lost session or an open circuit.
func (s *Server) healthz(c *gin.Context) {
	if s.config.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": resilience.HealthStatusHealthy})
		return
	}
	h := s.config.Health.Check(c.Request.Context())
	code := http.StatusOK
	if h.Status == resilience.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

func (s *Server) state(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.engine.Snapshots()})
}

func (s *Server) symbolState(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	c.JSON(http.StatusOK, s.engine.Snapshot(symbol))
}

func (s *Server) webhook(c *gin.Context) {
	var ev models.SignalEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, engine.Outcome{Status: engine.StatusRejected, Message: "invalid JSON: " + err.Error()})
		return
	}
	if !s.authorized(c, ev.Token) {
		s.logger.Warn().Str("symbol", ev.Symbol).Str("ip", c.ClientIP()).Msg("webhook token mismatch")
		c.JSON(http.StatusUnauthorized, engine.Outcome{Status: engine.StatusRejected, Message: "invalid token"})
		return
	}
	ev.Token = ""

	// A transition must not be cut short because the caller hung up, so its
	// deadline belongs to the pooled task rather than to this handler.
	detached := context.WithoutCancel(c.Request.Context())

	var out engine.Outcome
	err := s.pool.Do(c.Request.Context(), func() {
		ctx, cancel := context.WithTimeout(detached, s.config.RequestTimeout)
		defer cancel()
		out = s.engine.Process(ctx, ev)
	})
	switch {
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrPoolStopped):
		c.JSON(http.StatusServiceUnavailable, engine.Outcome{Status: engine.StatusWarning, Symbol: ev.Symbol, Message: err.Error()})
		return
	case err != nil:
		// Caller went away; the task keeps running on the pool.
		c.Status(http.StatusRequestTimeout)
		return
	}

	c.JSON(statusCode(out.Status), out)
}

func (s *Server) authorized(c *gin.Context, bodyToken string) bool {
	if s.config.Token == "" {
		return true
	}
	token := bodyToken
	if token == "" {
		token = c.GetHeader(TokenHeader)
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.config.Token)) == 1
}

func statusCode(st engine.Status) int {
	switch st {
	case engine.StatusRejected:
		return http.StatusBadRequest
	case engine.StatusUnauthenticated:
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
