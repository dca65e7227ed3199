package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/knowd-platform/knowd/internal/notify"
	"github.com/knowd-platform/knowd/internal/pipeline"
	"github.com/knowd-platform/knowd/internal/scaling"
	"github.com/knowd-platform/knowd/internal/store"
)

// ItemsHandler exposes ingestion.
type ItemsHandler struct {
	Proc *pipeline.Processor
}

func (h *ItemsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.ingest)
}

type ingestRequest struct {
	Source   string          `json:"source"`
	Payload  json.RawMessage `json:"payload"`
	Priority *int            `json:"priority"`
}

func (h *ItemsHandler) ingest(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Source) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "source is required")
	}
	if len(req.Payload) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "payload is required")
	}
	priority := 5
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < 0 || priority > 9 {
		return echo.NewHTTPError(http.StatusBadRequest, "priority must be within [0,9]")
	}
	id, err := h.Proc.Ingest(c.Request().Context(), req.Source, req.Payload, priority)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"item_id": id})
}

// UsersHandler serves recommendations and accepts user context refreshes.
type UsersHandler struct {
	Store *store.Store
}

func (h *UsersHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.GET("/:id/recommendations", h.recommendations)
	g.PUT("/:id/context", h.putContext)
}

func (h *UsersHandler) recommendations(c echo.Context) error {
	userID := c.Param("id")
	var types []string
	if raw := c.QueryParam("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be in [1,100]")
		}
		limit = n
	}
	recs, err := h.Store.ListActiveRecommendations(c.Request().Context(), userID, types, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if recs == nil {
		recs = []store.Recommendation{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"recommendations": recs})
}

type contextRequest struct {
	Context json.RawMessage `json:"context"`
}

func (h *UsersHandler) putContext(c echo.Context) error {
	var req contextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Context) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "context is required")
	}
	if err := h.Store.UpsertUserContext(c.Request().Context(), c.Param("id"), req.Context); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// RecommendationsHandler accepts interaction feedback.
type RecommendationsHandler struct {
	Store *store.Store
}

func (h *RecommendationsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("/:id/interaction", h.interaction)
}

type interactionRequest struct {
	Status string `json:"status"`
}

func (h *RecommendationsHandler) interaction(c echo.Context) error {
	var req interactionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.Store.UpdateInteractionStatus(c.Request().Context(), c.Param("id"), req.Status); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// AlertsHandler serves alert lookups and accepts notification status
// callbacks from the external channel.
type AlertsHandler struct {
	Store    *store.Store
	Notifier *notify.Notifier
}

func (h *AlertsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.GET("/:id", h.get)
	g.POST("/:id/status", h.status)
}

func (h *AlertsHandler) get(c echo.Context) error {
	alert, ok, err := h.Store.GetAlert(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "alert not found")
	}
	return c.JSON(http.StatusOK, alert)
}

type alertStatusRequest struct {
	Status string `json:"status"`
}

func (h *AlertsHandler) status(c echo.Context) error {
	var req alertStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.Notifier.UpdateStatus(c.Request().Context(), c.Param("id"), req.Status); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// HealthHandler serves the pipeline and system health views. These stay
// unauthenticated for load balancers and dashboards.
type HealthHandler struct {
	Store    *store.Store
	Detector *scaling.Detector
}

func (h *HealthHandler) Register(g *echo.Group) {
	g.GET("/pipeline", h.pipelineHealth)
	g.GET("/system", h.systemHealth)
}

func (h *HealthHandler) pipelineHealth(c echo.Context) error {
	health, err := h.Store.GetPipelineHealth(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, health)
}

// severityWeights turn regression grades into a composite performance
// score: 1.0 means every tracked metric sits inside its baseline.
var severityWeights = map[string]float64{
	scaling.SeverityNone:     0,
	scaling.SeverityMinor:    0.25,
	scaling.SeverityModerate: 0.5,
	scaling.SeveritySevere:   1,
}

func (h *HealthHandler) systemHealth(c echo.Context) error {
	ctx := c.Request().Context()
	activeAlerts, err := h.Store.CountActiveAlerts(ctx, nil, 24*time.Hour)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	score := 1.0
	if h.Detector != nil {
		health, err := h.Store.GetPipelineHealth(ctx)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		observations := map[string]float64{
			"avg_latency_ms": health.AvgLatencyMS,
			"error_rate":     health.ErrorRate,
			"backlog":        float64(health.Backlog),
		}
		var penalty float64
		for metric, value := range observations {
			reg, err := h.Detector.DetectRegression(ctx, "pipeline", metric, value)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
			penalty += severityWeights[reg.Severity]
		}
		score = 1 - penalty/float64(len(observations))
	}

	status := "ok"
	switch {
	case score < 0.4:
		status = "critical"
	case score < 0.7:
		status = "degraded"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":            status,
		"active_alerts":     activeAlerts,
		"performance_score": score,
	})
}
