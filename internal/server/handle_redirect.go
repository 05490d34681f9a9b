package server

import (
	"context"
	"errors"
	"github.com/cirruslabs/cloudmirror/internal/mirror"
	"github.com/cirruslabs/cloudmirror/internal/server/fail"
	"github.com/cirruslabs/cloudmirror/internal/validate"
	"github.com/labstack/echo/v4"
	"net/http"
	"net/url"
	"time"
)

type redirectResponse struct {
	Status string `json:"status"`
	URL    string `json:"url"`
}

//nolint:cyclop // the polling state machine reads better as a single unit
func (server *Server) redirect(c echo.Context) error {
	server.countRequest(c, "redirect")

	requestURL, manager, failure := server.poolAndURL(c)
	if failure != nil {
		return failure()
	}

	ctx := c.Request().Context()

	deadline := time.Now().Add(server.maxWait)
	firstPoll := true

	for {
		status, publicURL, err := manager.GetURLForRedirect(ctx, requestURL)
		if err != nil {
			return fail.Fail(c, http.StatusInternalServerError,
				"failed to look up the cache entry: %v", err)
		}

		switch status {
		case mirror.StatusPresent:
			return redirect(c, publicURL, mirror.StatusPresent)
		case mirror.StatusPending:
			// Some copy worker is on it, keep polling
		case mirror.StatusAbsent:
			// Vet the URL once, before the first copy attempt;
			// a URL that fails the gate will fail it on every
			// retry anyway
			if firstPoll {
				if err := server.vet(ctx, requestURL); err != nil {
					return server.vetFailure(c, err)
				}
			}

			if err := manager.RequestPut(ctx, requestURL); err != nil {
				return fail.Fail(c, http.StatusInternalServerError,
					"failed to request a copy: %v", err)
			}
		case mirror.StatusError:
			// The previous copy failed, request a fresh attempt;
			// the diagnostic stack stays server-side
			if err := manager.RequestPut(ctx, requestURL); err != nil {
				return fail.Fail(c, http.StatusInternalServerError,
					"failed to request a copy: %v", err)
			}
		}

		firstPoll = false

		if !time.Now().Before(deadline) {
			// No copy materialised in time, send the client to the
			// origin directly rather than keeping it hanging
			server.metrics.RedirectOriginal(ctx)
			server.logger.Infof("redirecting %q to the original URL after waiting %s",
				requestURL, server.maxWait)

			return redirect(c, requestURL, status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(server.pollDelay):
		}
	}
}

func (server *Server) vet(ctx context.Context, requestURL string) error {
	_, err := server.validator.Validate(ctx, requestURL)

	return err
}

func (server *Server) vetFailure(c echo.Context, err error) error {
	if errors.Is(err, validate.ErrDisallowedURL) || errors.Is(err, validate.ErrInsecureURL) {
		return fail.Fail(c, http.StatusForbidden, "URL is not allowed: %v", err)
	}

	// The upstream diagnostic stays server-side
	server.logger.Warnf("URL failed validation: %v", err)

	return fail.Fail(c, http.StatusBadRequest, "URL failed validation")
}

// poolAndURL parses and validates the common path parameters of
// /redirect and /purge. On failure the returned thunk produces the
// HTTP error response.
func (server *Server) poolAndURL(c echo.Context) (string, *mirror.Manager, func() error) {
	if tail := c.Param("*"); tail != "" {
		return "", nil, func() error {
			return fail.Fail(c, http.StatusBadRequest,
				"URL does not seem to be properly percent-encoded")
		}
	}

	service := c.Param("service")
	region := c.Param("region")

	if !tokenRegexp.MatchString(service) || !tokenRegexp.MatchString(region) {
		return "", nil, func() error {
			return fail.Fail(c, http.StatusBadRequest,
				"service and region must match %s", tokenRegexp.String())
		}
	}

	requestURL, err := url.PathUnescape(c.Param("url"))
	if err != nil {
		return "", nil, func() error {
			return fail.Fail(c, http.StatusBadRequest, "failed to decode the URL: %v", err)
		}
	}

	manager, ok := server.manager(service, region)
	if !ok {
		return "", nil, func() error {
			return fail.Fail(c, http.StatusNotFound, "no pool serves service %q in region %q",
				service, region)
		}
	}

	return requestURL, manager, nil
}

func (server *Server) malformed(c echo.Context) error {
	server.countRequest(c, "malformed")

	return fail.Fail(c, http.StatusBadRequest, "URL does not seem to be properly percent-encoded")
}

func redirect(c echo.Context, location string, status mirror.Status) error {
	c.Response().Header().Set("Location", location)

	return c.JSON(http.StatusFound, &redirectResponse{
		Status: string(status),
		URL:    location,
	})
}
