// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/webp-converter/backend/internal/storage"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version string
	store   storage.Store
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, store storage.Store) HealthHandler {
	return &HealthHandlerImpl{
		version: version,
		store:   store,
	}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   h.version,
		"liveBlobs": h.store.LiveCount(),
	})
}
