package manage

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ztrade/internal/config"
	"ztrade/internal/executor"
	"ztrade/internal/logger"
	"ztrade/internal/portfolio"
	"ztrade/internal/risk"
	"ztrade/internal/store"
	"ztrade/internal/strategy"
)

// Router exposes the management API: strategy lifecycle control and
// read-only views of positions, orders and the audit journal.
type Router struct {
	Strategies *strategy.Engine
	Executor   *executor.Engine
	Portfolio  *portfolio.Tracker
	Limits     *risk.Source
	LimitsPath string
	Journal    *store.Journal
}

// Register mounts the management routes under the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/strategies", r.handleStrategies)
	group.POST("/strategies/:id/start", r.lifecycle(r.Strategies.Start))
	group.POST("/strategies/:id/stop", r.lifecycle(r.Strategies.Stop))
	group.POST("/strategies/:id/pause", r.lifecycle(r.Strategies.Pause))
	group.POST("/strategies/:id/resume", r.lifecycle(r.Strategies.Resume))
	group.POST("/strategies/:id/restart", r.lifecycle(r.Strategies.Restart))
	group.GET("/positions", r.handlePositions)
	group.GET("/orders", r.handleOrders)
	group.GET("/risk/limits", r.handleLimits)
	group.POST("/risk/reload", r.handleRiskReload)
	if r.Journal != nil {
		group.GET("/events", r.handleEvents)
	}
}

func (r *Router) lifecycle(op func(id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := op(id); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "ok": true})
	}
}

func (r *Router) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": r.Strategies.Snapshot()})
}

func (r *Router) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"equity":    r.Portfolio.Equity(),
		"positions": r.Portfolio.Snapshot(),
	})
}

func (r *Router) handleOrders(c *gin.Context) {
	orders := r.Executor.Snapshot()
	out := make([]gin.H, 0, len(orders))
	for _, o := range orders {
		out = append(out, gin.H{
			"key":            o.Key,
			"venue_order_id": o.VenueOrderID,
			"strategy_id":    o.StrategyID,
			"symbol":         o.Symbol,
			"side":           o.Side.String(),
			"status":         o.Status.String(),
			"reason":         o.Reason,
			"quantity":       o.Quantity,
			"filled_qty":     o.FilledQty,
			"avg_fill_price": o.AvgFillPrice,
			"retries":        o.Retries,
			"updated_at":     o.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (r *Router) handleLimits(c *gin.Context) {
	snap := r.Limits.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version":      snap.Version,
		"global":       snap.Global,
		"per_strategy": snap.PerStrategy,
	})
}

// handleRiskReload forces a limits reload outside the fsnotify path,
// useful when the file lives on a filesystem without change events.
func (r *Router) handleRiskReload(c *gin.Context) {
	if r.LimitsPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no limits file configured"})
		return
	}
	snap, err := config.LoadLimits(r.LimitsPath)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v := r.Limits.Swap(snap)
	logger.Infof("limits reloaded via api (version %d)", v)
	c.JSON(http.StatusOK, gin.H{"version": v})
}

func (r *Router) handleEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := r.Journal.Recent(limit, c.Query("kind"), c.Query("strategy"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
