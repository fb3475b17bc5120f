package api

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"strategy-orchestrator/internal/registry"
	"strategy-orchestrator/pkg/db"
)

type strategyRequest struct {
	Name       string             `json:"name"`
	Venue      string             `json:"venue"`
	Pair       string             `json:"pair"`
	Pairs      []string           `json:"pairs"`
	EngineType string             `json:"engine_type"`
	Params     map[string]float64 `json:"params"`
}

func (s *Server) listStrategies(c *gin.Context) {
	owner := CallerIdentity(c)
	c.JSON(http.StatusOK, gin.H{
		"strategies": s.Reg.List(owner),
	})
}

func (s *Server) getStrategy(c *gin.Context) {
	name := c.Param("name")
	view, err := s.Reg.Get(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "STRATEGY_NOT_FOUND",
			"error": "strategy not found",
		})
		return
	}
	if view.Config.Owner != CallerIdentity(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"code":  "NOT_OWNER",
			"error": "strategy belongs to another owner",
		})
		return
	}
	orders, _ := s.Reg.ActiveOrders(c.Request.Context(), name)
	c.JSON(http.StatusOK, gin.H{
		"config":        view.Config,
		"stats":         view.Stats,
		"active_orders": orders,
	})
}

// createStrategy registers a strategy owned by the caller. Ownership always
// comes from the resolved identity, never from the payload.
func (s *Server) createStrategy(c *gin.Context) {
	var req strategyRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	cfg := db.StrategyConfig{
		Name:       req.Name,
		Venue:      req.Venue,
		Pair:       req.Pair,
		Pairs:      req.Pairs,
		EngineType: req.EngineType,
		Params:     req.Params,
		Owner:      CallerIdentity(c),
	}
	if cfg.Venue == "" {
		cfg.Venue = s.Meta.Venue
	}

	err := s.Reg.Add(c.Request.Context(), cfg)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"name": cfg.Name, "owner": cfg.Owner})
	case errors.Is(err, registry.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{
			"code":  "DUPLICATE_STRATEGY",
			"error": err.Error(),
		})
	case errors.Is(err, registry.ErrLimitExceeded):
		c.JSON(http.StatusConflict, gin.H{
			"code":  "MAX_STRATEGIES",
			"error": err.Error(),
		})
	case errors.Is(err, registry.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_CONFIG",
			"error": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
	}
}

// updateStrategy applies new parameters. The full config shape is accepted
// so clients can send back what they fetched, but only params may change;
// anything else differing from the registered config is rejected rather than
// silently ignored.
func (s *Server) updateStrategy(c *gin.Context) {
	name := c.Param("name")
	if !s.authorizeOwner(c, name) {
		return
	}

	var req strategyRequest
	if err := c.BindJSON(&req); err != nil || len(req.Params) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "params object is required",
		})
		return
	}

	view, err := s.Reg.Get(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "STRATEGY_NOT_FOUND",
			"error": "strategy not found",
		})
		return
	}
	if field := immutableChange(req, view.Config); field != "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "IMMUTABLE_FIELD",
			"error": field + " cannot be changed; remove and re-add the strategy",
		})
		return
	}

	degraded, err := s.Reg.Update(c.Request.Context(), name, req.Params)
	switch {
	case err == nil:
		resp := gin.H{"name": name, "degraded": degraded}
		if degraded {
			resp["warning"] = "parameter change requires restart; strategy keeps previous parameters until re-added"
		}
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "STRATEGY_NOT_FOUND",
			"error": "strategy not found",
		})
	case errors.Is(err, registry.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_CONFIG",
			"error": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
	}
}

// immutableChange names the first non-param field a client tried to change.
// Omitted fields pass; only explicit divergence is an error.
func immutableChange(req strategyRequest, cur db.StrategyConfig) string {
	switch {
	case req.Name != "" && req.Name != cur.Name:
		return "name"
	case req.Venue != "" && req.Venue != cur.Venue:
		return "venue"
	case req.Pair != "" && req.Pair != cur.Pair:
		return "pair"
	case len(req.Pairs) > 0 && !slices.Equal(req.Pairs, cur.Pairs):
		return "pairs"
	case req.EngineType != "" && req.EngineType != cur.EngineType:
		return "engine_type"
	}
	return ""
}

func (s *Server) removeStrategy(c *gin.Context) {
	name := c.Param("name")
	if !s.authorizeOwner(c, name) {
		return
	}

	opts := registry.RemoveOptions{
		ClosePositions: c.Query("closePositions") == "true",
		CancelOrders:   c.Query("cancelOrders") == "true",
	}
	report, err := s.Reg.Remove(c.Request.Context(), name, opts)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":  "STRATEGY_NOT_FOUND",
				"error": "strategy not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":    name,
		"removed": true,
		"cleanup": report,
	})
}

// authorizeOwner answers 404 for unknown names and 403 for owner mismatch.
func (s *Server) authorizeOwner(c *gin.Context, name string) bool {
	owner, err := s.Reg.Owner(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "STRATEGY_NOT_FOUND",
			"error": "strategy not found",
		})
		return false
	}
	if owner != CallerIdentity(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"code":  "NOT_OWNER",
			"error": "strategy belongs to another owner",
		})
		return false
	}
	return true
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.Tracker.Current(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) forceSync(c *gin.Context) {
	if err := s.Tracker.SyncOnce(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"code":  "SYNC_FAILED",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": true, "status": s.Tracker.Status()})
}

func (s *Server) forceClose(c *gin.Context) {
	closed, err := s.Tracker.ForceClose(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"code":   "CLOSE_FAILED",
			"error":  err.Error(),
			"closed": closed,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"venue":           s.Meta.Venue,
		"pairs":           s.Meta.Pairs,
		"trading_enabled": s.Meta.TradingEnabled,
		"mock_venue":      s.Meta.MockVenue,
		"version":         s.Meta.Version,
		"started_at":      s.Meta.StartedAt,
		"uptime_sec":      int64(time.Since(s.Meta.StartedAt).Seconds()),
		"connector_ready": s.Conn.IsReady(),
		"can_trade":       s.Conn.CanTrade(),
		"strategies":      s.Reg.Count(),
		"actions":         s.Metrics.Actions(),
		"loop":            s.Loop.Status(),
		"tracker":         s.Tracker.Status(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getRisk(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"limits":  s.RiskMgr.Limits(),
		"metrics": s.RiskMgr.Metrics(),
		"alerts":  s.RiskMgr.RecentAlerts(),
	})
}
