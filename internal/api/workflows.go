package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	orcherrors "agent-orchestrator/backend/internal/errors"
	"agent-orchestrator/backend/internal/escalation"
	"agent-orchestrator/backend/internal/orchestrator"
	"agent-orchestrator/backend/pkg/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// RestartRequest is the body of a restart call. Stage may be given by index
// or by name; the name wins when both are set.
type RestartRequest struct {
	Stage     *int   `json:"stage,omitempty"`
	StageName string `json:"stage_name,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Register mounts the API routes on g. read and write guard the read-only
// and mutating routes; nil leaves a route unguarded.
func (s *Server) Register(g *echo.Group, read, write echo.MiddlewareFunc) {
	if read == nil {
		read = passthrough
	}
	if write == nil {
		write = passthrough
	}
	g.GET("/workflows", s.ListWorkflows, read)
	g.GET("/workflows/:id", s.GetWorkflow, read)
	g.POST("/workflows/:id/restart", s.RestartWorkflow, write)
	g.GET("/breaker", s.GetBreaker, read)
	g.GET("/escalations", s.ListEscalations, read)
}

func passthrough(next echo.HandlerFunc) echo.HandlerFunc { return next }

// ListWorkflows returns durable workflow rows
// (GET /api/v1/workflows?status=&limit=)
func (s *Server) ListWorkflows(c echo.Context) error {
	status := models.WorkflowStatus(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status: "+string(status))
	}
	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxListLimit)
	}

	workflows, err := s.ops.Workflows(c.Request().Context(), status, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list workflows").SetInternal(err)
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}
	return c.JSON(http.StatusOK, workflows)
}

// GetWorkflow returns everything known about one request
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	id := c.Param("id")
	view, err := s.ops.Workflow(c.Request().Context(), id)
	if errors.Is(err, orchestrator.ErrUnknownWorkflow) {
		return echo.NewHTTPError(http.StatusNotFound, "workflow "+id+" not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load workflow").SetInternal(err)
	}
	return c.JSON(http.StatusOK, view)
}

// RestartWorkflow resets a workflow to a stage and re-dispatches it
// (POST /api/v1/workflows/:id/restart)
func (s *Server) RestartWorkflow(c echo.Context) error {
	id := c.Param("id")
	var body RestartRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	stage := 0
	switch {
	case body.StageName != "":
		i, ok := s.ops.StageIndex(body.StageName)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown stage: "+body.StageName)
		}
		stage = i
	case body.Stage != nil:
		stage = *body.Stage
	}

	err := s.ops.Restart(c.Request().Context(), id, stage, body.Reason)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrUnknownWorkflow):
		return echo.NewHTTPError(http.StatusNotFound, "workflow "+id+" not found")
	case orcherrors.KindOf(err) == orcherrors.KindPolicy:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case orcherrors.IsTransient(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "restart failed, retry later").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "restart failed").SetInternal(err)
	}

	s.logger.WithRequest(id).Info("restart requested over api", "stage", stage)
	view, err := s.ops.Workflow(c.Request().Context(), id)
	if err != nil {
		return c.NoContent(http.StatusAccepted)
	}
	return c.JSON(http.StatusAccepted, view)
}

// BreakerStatus is the breaker view returned by the API.
type BreakerStatus struct {
	State       string   `json:"state"`
	FailureRate float64  `json:"failure_rate"`
	Samples     int      `json:"samples"`
	NextTestAt  string   `json:"next_test_at,omitempty"`
	Cooldown    string   `json:"cooldown"`
	Tracking    []string `json:"tracking,omitempty"`
}

// GetBreaker reports admission control and live decompositions
// (GET /api/v1/breaker)
func (s *Server) GetBreaker(c echo.Context) error {
	snap := s.ops.BreakerSnapshot()
	out := BreakerStatus{
		State:       string(snap.State),
		FailureRate: snap.FailureRate,
		Samples:     snap.Samples,
		Cooldown:    snap.Cooldown.String(),
		Tracking:    s.ops.Tracking(),
	}
	if !snap.NextTestAt.IsZero() {
		out.NextTestAt = snap.NextTestAt.UTC().Format(time.RFC3339)
	}
	return c.JSON(http.StatusOK, out)
}

// ListEscalations returns the escalation side log, newest last
// (GET /api/v1/escalations?request_id=)
func (s *Server) ListEscalations(c echo.Context) error {
	if s.escalations == nil {
		return echo.NewHTTPError(http.StatusNotFound, "escalation log not configured")
	}
	records, err := s.escalations.ReadAll()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read escalation log").SetInternal(err)
	}
	if id := c.QueryParam("request_id"); id != "" {
		var filtered []escalation.Record
		for _, r := range records {
			if r.RequestID == id {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	if records == nil {
		records = []escalation.Record{}
	}
	return c.JSON(http.StatusOK, records)
}
