// Package api exposes the management HTTP surface: strategy lifecycle,
// position views, risk state, and health.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"strategy-orchestrator/internal/connector"
	"strategy-orchestrator/internal/events"
	"strategy-orchestrator/internal/monitor"
	"strategy-orchestrator/internal/registry"
	"strategy-orchestrator/internal/risk"
	"strategy-orchestrator/internal/scheduler"
	"strategy-orchestrator/internal/tracker"
)

// Server wires HTTP endpoints around the orchestrator components.
type Server struct {
	Router     *gin.Engine
	Reg        *registry.Registry
	Tracker    *tracker.Tracker
	RiskMgr    *risk.Manager
	Loop       *scheduler.Loop
	Conn       *connector.Manager
	Metrics    *monitor.Metrics
	Bus        *events.Bus
	Log        *zap.Logger
	AuthSecret string
	Meta       SystemMeta
}

// SystemMeta describes static runtime facts exposed on /status.
type SystemMeta struct {
	Venue          string
	Pairs          []string
	TradingEnabled bool
	MockVenue      bool
	Version        string
	StartedAt      time.Time
}

func NewServer(reg *registry.Registry, trk *tracker.Tracker, riskMgr *risk.Manager, loop *scheduler.Loop, conn *connector.Manager, metrics *monitor.Metrics, bus *events.Bus, meta SystemMeta, authSecret string, log *zap.Logger) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, metrics))
	r.Use(RateLimitMiddleware(log))
	r.Use(TimeoutMiddleware(30*time.Second, log))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:     r,
		Reg:        reg,
		Tracker:    trk,
		RiskMgr:    riskMgr,
		Loop:       loop,
		Conn:       conn,
		Metrics:    metrics,
		Bus:        bus,
		Log:        log,
		AuthSecret: authSecret,
		Meta:       meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.streamEvents)

	api := s.Router.Group("/api")
	api.Use(IdentityMiddleware(s.AuthSecret))
	{
		api.GET("/status", s.getStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/risk", s.getRisk)

		api.GET("/strategies", s.listStrategies)
		api.POST("/strategies", s.createStrategy)
		api.GET("/strategies/:name", s.getStrategy)
		api.PUT("/strategies/:name", s.updateStrategy)
		api.DELETE("/strategies/:name", s.removeStrategy)

		// Position endpoints report and act on the venue account as a
		// whole; owner scoping does not apply to them.
		api.GET("/positions", s.getPositions)
		api.POST("/positions/force-sync", s.forceSync)
		api.POST("/positions/force-close", s.forceClose)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"ready":  s.Conn.IsReady(),
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
