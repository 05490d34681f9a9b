package server

import (
	"github.com/cirruslabs/cloudmirror/internal/server/fail"
	"github.com/labstack/echo/v4"
	"net/http"
)

func (server *Server) purge(c echo.Context) error {
	server.countRequest(c, "purge")

	requestURL, manager, failure := server.poolAndURL(c)
	if failure != nil {
		return failure()
	}

	if err := manager.Purge(c.Request().Context(), requestURL); err != nil {
		return fail.Fail(c, http.StatusInternalServerError, "failed to purge %q: %v",
			requestURL, err)
	}

	server.logger.Infof("purged %q from pool %s", requestURL, manager.Pool().ID())

	return c.NoContent(http.StatusNoContent)
}
