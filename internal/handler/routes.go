package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	// Any method reaches Handle so unsupported ones get the JSON 405 from the guard.
	e.Any(ProxyPath, proxy.Handle)
	e.GET(ProxyPath+"/inspect", proxy.Inspect)
}
