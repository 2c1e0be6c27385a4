package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/enclagent/gateway/pkg/database"
	"github.com/enclagent/gateway/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only the gateway's own components (database, dispatcher) are checked;
// provisioned runtimes are not probed here.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	_, err := database.Health(reqCtx, s.dbClient.DB())
	if err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.dispatcher != nil {
		dh := s.dispatcher.Health()
		switch {
		case dh.Stopped:
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["dispatcher"] = HealthCheck{Status: healthStatusDegraded, Message: "dispatcher stopped"}
		default:
			checks["dispatcher"] = HealthCheck{
				Status:  healthStatusHealthy,
				Message: fmt.Sprintf("%d/%d in flight", dh.InFlight, dh.Capacity),
			}
		}
	}

	if s.warnings != nil {
		if active := s.warnings.GetWarnings(); len(active) > 0 {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["warnings"] = HealthCheck{
				Status:  healthStatusDegraded,
				Message: fmt.Sprintf("%d active system warnings", len(active)),
			}
		} else {
			checks["warnings"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
