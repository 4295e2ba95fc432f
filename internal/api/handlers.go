// Package api contains the HTTP ops surface of the orchestrator.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"agent-orchestrator/backend/internal/breaker"
	"agent-orchestrator/backend/internal/escalation"
	"agent-orchestrator/backend/internal/logging"
	"agent-orchestrator/backend/internal/orchestrator"
	"agent-orchestrator/backend/pkg/models"
)

const (
	serviceName    = "agent-orchestrator"
	serviceVersion = "1.0.0"
)

// Operator is the part of the engine the ops surface drives.
type Operator interface {
	Workflows(ctx context.Context, status models.WorkflowStatus, limit int) ([]*models.Workflow, error)
	Workflow(ctx context.Context, requestID string) (orchestrator.WorkflowView, error)
	Restart(ctx context.Context, requestID string, stage int, reason string) error
	StageIndex(name string) (int, bool)
	BreakerSnapshot() breaker.Snapshot
	Tracking() []string
}

// EscalationReader reads the escalation side log.
type EscalationReader interface {
	ReadAll() ([]escalation.Record, error)
}

// Check tests one dependency for the health endpoint.
type Check func(ctx context.Context) error

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	ops         Operator
	escalations EscalationReader
	checks      map[string]Check
	logger      *logging.Logger
	now         func() time.Time
}

// NewServer creates a new Server. escalations may be nil.
func NewServer(ops Operator, escalations EscalationReader, checks map[string]Check, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		ops:         ops,
		escalations: escalations,
		checks:      checks,
		logger:      logger,
		now:         time.Now,
	}
}

// HandleHealth reports liveness and the state of every dependency check.
// (GET /healthz)
func (s *Server) HandleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := models.HealthStatus{
		Status:    "ok",
		Service:   serviceName,
		Version:   serviceVersion,
		Timestamp: s.now().UTC(),
	}
	code := http.StatusOK
	if len(s.checks) > 0 {
		status.Checks = make(map[string]string, len(s.checks))
		for name, check := range s.checks {
			if err := check(ctx); err != nil {
				status.Checks[name] = err.Error()
				status.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			status.Checks[name] = "ok"
		}
	}
	return c.JSON(code, status)
}

// ProblemErrorHandler renders every error as an RFC 7807 Problem Details
// response.
func ProblemErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		detail := ""
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				detail = msg
			}
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", "path", c.Request().URL.Path, "status", code, "error", err)
		}
		problem := models.ProblemDetails{
			Type:     "about:blank",
			Title:    http.StatusText(code),
			Status:   code,
			Detail:   detail,
			Instance: c.Request().URL.Path,
		}
		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		if werr := c.JSON(code, problem); werr != nil {
			logger.Error("writing problem response", "error", werr)
		}
	}
}
