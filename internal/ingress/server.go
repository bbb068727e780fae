// Package ingress is the HTTP surface of the dispatcher: a webhook for
// external change streams plus a few operational endpoints.
package ingress

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"notifyd/internal/ledger"
	"notifyd/internal/trigger"
	logx "notifyd/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

// Config controls the HTTP server.
//
// Security: a non-loopback Addr requires JWTSecret.
type Config struct {
	Addr         string
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// FeedActive means request rows written here are picked up by the
	// change feed; otherwise the webhook submits them itself.
	FeedActive bool
}

// Requests is the ledger surface the webhook writes through.
type Requests interface {
	Create(ctx context.Context, r ledger.NewRequest) (string, error)
	Get(ctx context.Context, id string) (ledger.Entry, error)
}

// Events accepts routed change events.
type Events interface {
	Submit(ctx context.Context, ev trigger.Event, onDone func(error)) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Requests Requests
	Events   Events
	Health   Pinger
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// Observe counts accepted events by kind.
	Observe func(source, kind string)
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	gin  *gin.Engine
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	s := &Server{cfg: cfg, deps: deps, log: log}
	s.gin = s.routes()
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.gin }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery(), s.accessLog())

	r.GET("/healthz", s.handleHealth())
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := r.Group("/v1")
	v1.Use(JWTAuth(s.cfg.JWTSecret))
	{
		v1.POST("/events", s.handleEvent())
		v1.GET("/requests/:id", s.handleGetRequest())
	}
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Addr
	if s.cfg.JWTSecret == "" && !isLoopbackAddr(addr) {
		s.log.Error("ingress refused to start: non-loopback addr requires jwt_secret", logx.String("addr", addr))
		return errors.New("ingress refused to start: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:           s.gin,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("ingress started", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.cfg.JWTSecret != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		s.log.Info("ingress stopped")
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ingress server exited unexpectedly")
	}
	return err
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		s.log.Error("ingress panic", logx.String("path", c.Request.URL.Path), logx.Any("panic", rec))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("dur", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("http request", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
