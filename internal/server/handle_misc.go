package server

import (
	"github.com/labstack/echo/v4"
	"net/http"
)

func (server *Server) ping(c echo.Context) error {
	server.countRequest(c, "ping")

	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (server *Server) apiReference(c echo.Context) error {
	server.countRequest(c, "api-reference")

	return c.JSON(http.StatusOK, map[string]string{
		"GET /v1/redirect/:service/:region/:url": "redirect to a same-region copy of :url",
		"DELETE /v1/purge/:service/:region/:url": "remove the regional copy of :url",
		"GET /v1/ping":                           "health check",
		"GET /v1/api-reference":                  "this document",
	})
}
