// Package web serves the read-only dashboard: JSON projections of the
// coordination stores under /api/..., and a WebSocket terminal stream per
// agent session. The dashboard never writes coordination state.
package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"

	"github.com/overstory-ai/overstory/internal/events"
	"github.com/overstory-ai/overstory/internal/logx"
	"github.com/overstory-ai/overstory/internal/runstate"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/tmux"
)

// projection cache TTL; dashboards poll aggressively and the stores are
// shared with the supervisor.
const cacheTTL = 2 * time.Second

// Server is the dashboard HTTP server.
type Server struct {
	sessions *store.SessionStore
	mail     *store.MailStore
	merges   *store.MergeQueueStore
	eventLog *events.Log
	runs     *runstate.Tracker
	terminal *tmux.Tmux
	cache    *gocache.Cache
	router   *gin.Engine
}

// NewServer opens read-only store handles for the project state directory.
func NewServer(stateDir string) (*Server, error) {
	sessions, err := store.OpenSessionStoreReadOnly(stateDir)
	if err != nil {
		return nil, err
	}
	mailStore, err := store.OpenMailStoreReadOnly(stateDir)
	if err != nil {
		_ = sessions.Close()
		return nil, err
	}
	merges, err := store.OpenMergeQueueStoreReadOnly(stateDir)
	if err != nil {
		_ = sessions.Close()
		_ = mailStore.Close()
		return nil, err
	}
	eventLog, err := events.Open(stateDir)
	if err != nil {
		_ = sessions.Close()
		_ = mailStore.Close()
		_ = merges.Close()
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		sessions: sessions,
		mail:     mailStore,
		merges:   merges,
		eventLog: eventLog,
		runs:     runstate.NewTracker(stateDir),
		terminal: tmux.NewTmux(),
		cache:    gocache.New(cacheTTL, time.Minute),
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.routes()
	return s, nil
}

// Close releases the store handles.
func (s *Server) Close() error {
	_ = s.merges.Close()
	_ = s.mail.Close()
	return s.sessions.Close()
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	logx.Info(logx.CatWeb, "dashboard listening", "addr", addr)
	return s.router.Run(addr)
}

func (s *Server) routes() {
	api := s.router.Group("/api")
	api.GET("/sessions", s.handleSessions)
	api.GET("/mail", s.handleMail)
	api.GET("/events", s.handleEvents)
	api.GET("/run", s.handleRun)
	api.GET("/merge-queue", s.handleMergeQueue)

	s.router.GET("/ws/terminal/:session", s.handleTerminal)
}

func (s *Server) handleSessions(c *gin.Context) {
	if cached, ok := s.cache.Get("sessions"); ok {
		c.JSON(http.StatusOK, cached)
		return
	}
	sessions, err := s.sessions.GetAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.cache.SetDefault("sessions", sessions)
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleMail(c *gin.Context) {
	filter := store.ListFilter{
		From:  c.Query("from"),
		To:    c.Query("to"),
		Agent: c.Query("agent"),
		Limit: 200,
	}
	msgs, err := s.mail.List(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleEvents(c *gin.Context) {
	if cached, ok := s.cache.Get("events"); ok {
		c.JSON(http.StatusOK, cached)
		return
	}
	tail, err := s.eventLog.Tail(500)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.cache.SetDefault("events", tail)
	c.JSON(http.StatusOK, tail)
}

func (s *Server) handleMergeQueue(c *gin.Context) {
	entries, err := s.merges.List(c.Query("status"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleRun(c *gin.Context) {
	runID, err := s.runs.CurrentRun()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"runId": runID}
	if runID != "" {
		if sessions, err := s.sessions.GetByRun(runID); err == nil {
			resp["sessions"] = sessions
		}
	}
	c.JSON(http.StatusOK, resp)
}
