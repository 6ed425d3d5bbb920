// Package eventtail implements the dashboard-boundary crossing point
// named in spec.md §1: GET /healthz and GET /events/tail (polling) plus
// a streaming websocket variant. SPEC_FULL.md §6.
//
// This is the narrowest possible crossing point: it never accepts
// writes, never gates actions, and carries no authority of its own — a
// dashboard process (out of scope) is the intended external consumer.
// The websocket hub is grounded on the pack's
// codeready-toolchain-tarsy/pkg/api/websocket.go register/unregister/
// broadcast-channel hub idiom, generalized from a chat session's message
// stream to the kernel's EventLog subscriber channel; the route surface
// itself is plain gin, the teacher's own declared (if so far unused)
// HTTP router dependency.
package eventtail

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/r3e-network/econe/internal/eventlog"
	"github.com/r3e-network/econe/pkg/logger"
)

// Server serves the kernel's read-only observability surface.
type Server struct {
	events    *eventlog.EventLog
	log       *logger.Logger
	upgrader  websocket.Upgrader
	startedAt func() bool // reports whether the kernel has finished bootstrap; nil means always healthy
}

// Config configures a Server.
type Config struct {
	EventLog *eventlog.EventLog
	Logger   *logger.Logger

	// Ready, if set, gates /healthz: the endpoint reports 503 until it
	// returns true. Nil means always ready.
	Ready func() bool
}

// New returns a ready Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("eventtail")
	}
	return &Server{
		events: cfg.EventLog,
		log:    cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startedAt: cfg.Ready,
	}
}

// Router builds the gin engine exposing this server's routes. Callers
// own the listener (http.Server, TLS termination, etc.) — this package
// only wires handlers.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", s.handleHealthz)
	r.GET("/events/tail", s.handleTail)
	r.GET("/events/stream", s.handleStream)
	return r
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.startedAt != nil && !s.startedAt() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "events_logged": s.events.Len()})
}

// handleTail is the one-shot polling form: GET /events/tail?n=50 or
// ?since=<event_number>.
func (s *Server) handleTail(c *gin.Context) {
	if sinceRaw := c.Query("since"); sinceRaw != "" {
		since, err := strconv.ParseUint(sinceRaw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a non-negative integer"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": s.events.Since(since)})
		return
	}

	n := 100
	if nRaw := c.Query("n"); nRaw != "" {
		parsed, err := strconv.Atoi(nRaw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a non-negative integer"})
			return
		}
		n = parsed
	}
	c.JSON(http.StatusOK, gin.H{"events": s.events.Tail(n)})
}

// handleStream upgrades to a websocket and pushes every newly appended
// event as a JSON frame until the client disconnects.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithField("err", err.Error()).Warn("event stream upgrade failed")
		return
	}
	defer conn.Close()

	sub, unsubscribe := s.events.Subscribe(256)
	defer unsubscribe()

	for e := range sub.C() {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
}
