// Package httpapi exposes the engine to producers and operators over HTTP.
// No authentication: bind to localhost or front with a proxy.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"notifyd/internal/config"
	"notifyd/internal/engine"
	"notifyd/pkg/logx"
)

type Server struct {
	eng *engine.Engine
	log logx.Logger

	mu  sync.Mutex
	cur config.EngineConfig // last known file-level engine config, for partial updates
	srv *http.Server
}

func New(cfg config.HTTPConfig, engCfg config.EngineConfig, eng *engine.Engine, log logx.Logger) *Server {
	s := &Server{eng: eng, log: log, cur: engCfg}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.CORS {
		c := cors.DefaultConfig()
		c.AllowAllOrigins = true
		c.AllowHeaders = []string{"Content-Type", "Authorization"}
		c.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
		r.Use(cors.New(c))
	}

	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.POST("/notifications", s.createNotification)
	r.GET("/notifications/pending", s.pendingNotifications)
	r.GET("/stats", s.stats)
	r.POST("/flush", s.flush)
	r.GET("/config", s.getConfig)
	r.PUT("/config", s.putConfig)

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Start() {
	go func() {
		s.log.Info("http api listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http api failed", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("http api shutdown", logx.Err(err))
	}
}

// SetEngineConfig records the file-level engine config after an external
// reload, so partial PUT /config updates merge onto the right base.
func (s *Server) SetEngineConfig(cfg config.EngineConfig) {
	s.mu.Lock()
	s.cur = cfg
	s.mu.Unlock()
}

/* -------------------- handlers -------------------- */

type createNotificationReq struct {
	Kind     string         `json:"kind"`
	Title    string         `json:"title" binding:"required"`
	Body     string         `json:"body"`
	Priority string         `json:"priority"`
	Category string         `json:"category" binding:"required"`
	Metadata map[string]any `json:"metadata"`
	TTL      string         `json:"ttl"` // optional Go duration string, sets the expiry
}

type createNotificationResp struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

func (s *Server) createNotification(c *gin.Context) {
	var req createNotificationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return
	}

	n := engine.Notification{
		Title:    req.Title,
		Body:     req.Body,
		Category: engine.Category(req.Category),
		Metadata: req.Metadata,
	}
	if req.Kind != "" {
		kind, err := engine.ParseKind(req.Kind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		n.Kind = kind
	}
	if req.Priority != "" {
		p, err := engine.ParsePriority(req.Priority)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		n.Priority = p
	}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ttl"})
			return
		}
		n.ExpiresAt = time.Now().Add(ttl)
	}

	id, err := s.eng.Add(n)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, createNotificationResp{Status: "accepted", ID: id})
}

func (s *Server) pendingNotifications(c *gin.Context) {
	pending := s.eng.Pending()
	c.JSON(http.StatusOK, gin.H{"count": len(pending), "notifications": pending})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Stats())
}

func (s *Server) flush(c *gin.Context) {
	s.eng.ForceDeliverAll()
	c.JSON(http.StatusAccepted, gin.H{"status": "flushing"})
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Config())
}

// putConfig applies a partial engine config update: fields present in the
// body override the current file-level config, everything else is kept.
func (s *Server) putConfig(c *gin.Context) {
	s.mu.Lock()
	merged := s.cur
	s.mu.Unlock()

	if err := c.ShouldBindJSON(&merged); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return
	}
	engCfg, err := merged.BuildEngine()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.eng.Apply(engCfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.cur = merged
	s.mu.Unlock()

	c.JSON(http.StatusOK, s.eng.Config())
}
