package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"hls-proxy-go/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// statusResponse is the body of /proxy/status.
type statusResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	ProxyPath    string `json:"proxy_path"`
	AllowAll     bool   `json:"allow_all_hosts"`
	AllowedHosts int    `json:"allowed_hosts"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	guard   *service.Guard
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(svc *service.ProxyService, v Version) *HealthHandler {
	return &HealthHandler{guard: svc.Guard(), version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information. Allow-listed hostnames are not
// disclosed, only their number.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:       "ok",
		Version:      string(h.version),
		ProxyPath:    ProxyPath,
		AllowAll:     h.guard.Open(),
		AllowedHosts: h.guard.Size(),
	})
}
