package validate_test

import (
	"context"
	"errors"
	"fmt"
	"github.com/cirruslabs/cloudmirror/internal/validate"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSingleHop(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "application/octet-stream")
		writer.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	validator := validate.New(allowAll(t), 10, false)

	result, err := validator.Validate(context.Background(), origin.URL+"/artifact")
	require.NoError(t, err)
	require.Equal(t, origin.URL+"/artifact", result.FinalURL)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, "application/octet-stream", result.Headers.Get("Content-Type"))
	require.Len(t, result.Hops, 1)
	require.Equal(t, http.StatusOK, result.Hops[0].Code)
}

func TestFollowsRelativeRedirects(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case "/start":
			writer.Header().Set("Location", "/middle")
			writer.WriteHeader(http.StatusFound)
		case "/middle":
			writer.Header().Set("Location", "/end")
			writer.WriteHeader(http.StatusMovedPermanently)
		default:
			writer.WriteHeader(http.StatusOK)
		}
	}))
	defer origin.Close()

	validator := validate.New(allowAll(t), 10, false)

	result, err := validator.Validate(context.Background(), origin.URL+"/start")
	require.NoError(t, err)
	require.Equal(t, origin.URL+"/end", result.FinalURL)
	require.Len(t, result.Hops, 3)
	require.Equal(t, []int{http.StatusFound, http.StatusMovedPermanently, http.StatusOK},
		[]int{result.Hops[0].Code, result.Hops[1].Code, result.Hops[2].Code})
}

func TestEnforcesTLS(t *testing.T) {
	validator := validate.New(allowAll(t), 10, true)

	_, err := validator.Validate(context.Background(), "http://example.com/artifact")
	require.ErrorIs(t, err, validate.ErrInsecureURL)
}

func TestEnforcesAllowlist(t *testing.T) {
	allowlist, err := validate.CompileAllowlist([]string{"^https://good\\.example\\.com/"})
	require.NoError(t, err)

	validator := validate.New(allowlist, 10, true)

	_, err = validator.Validate(context.Background(), "https://www.facebook.com/")
	require.ErrorIs(t, err, validate.ErrDisallowedURL)
}

func TestEnforcesAllowlistOnEveryHop(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path == "/start" {
			writer.Header().Set("Location", "https://elsewhere.example.com/artifact")
			writer.WriteHeader(http.StatusFound)

			return
		}

		writer.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	allowlist, err := validate.CompileAllowlist([]string{fmt.Sprintf("^%s/", origin.URL)})
	require.NoError(t, err)

	validator := validate.New(allowlist, 10, false)

	_, err = validator.Validate(context.Background(), origin.URL+"/start")
	require.ErrorIs(t, err, validate.ErrDisallowedURL)
}

func TestRedirectLimit(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Location", "/loop")
		writer.WriteHeader(http.StatusFound)
	}))
	defer origin.Close()

	validator := validate.New(allowAll(t), 3, false)

	_, err := validator.Validate(context.Background(), origin.URL+"/loop")
	require.ErrorIs(t, err, validate.ErrTooManyRedirects)
}

func TestZeroRedirectLimitFailsEverything(t *testing.T) {
	validator := validate.New(allowAll(t), 0, false)

	_, err := validator.Validate(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, validate.ErrTooManyRedirects)
}

func TestMissingLocation(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusFound)
	}))
	defer origin.Close()

	validator := validate.New(allowAll(t), 10, false)

	_, err := validator.Validate(context.Background(), origin.URL+"/artifact")
	require.ErrorIs(t, err, validate.ErrMissingLocation)
}

func TestNotModifiedTerminates(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusNotModified)
	}))
	defer origin.Close()

	validator := validate.New(allowAll(t), 10, false)

	result, err := validator.Validate(context.Background(), origin.URL+"/artifact")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotModified, result.StatusCode)
}

func TestBadHTTPStatus(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusForbidden)
	}))
	defer origin.Close()

	validator := validate.New(allowAll(t), 10, false)

	_, err := validator.Validate(context.Background(), origin.URL+"/artifact")

	var badHTTPStatusError *validate.BadHTTPStatusError
	require.True(t, errors.As(err, &badHTTPStatusError))
	require.Equal(t, http.StatusForbidden, badHTTPStatusError.StatusCode)
}

func TestCompileAllowlistRejectsUnanchoredPatterns(t *testing.T) {
	_, err := validate.CompileAllowlist([]string{"https://example\\.com/"})
	require.Error(t, err)

	_, err = validate.CompileAllowlist([]string{"^https://example\\.com"})
	require.Error(t, err)
}

func allowAll(t *testing.T) validate.Allowlist {
	t.Helper()

	allowlist, err := validate.CompileAllowlist([]string{"^.*/"})
	require.NoError(t, err)

	return allowlist
}
