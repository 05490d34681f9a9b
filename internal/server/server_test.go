package server_test

import (
	"context"
	"encoding/json"
	"github.com/cirruslabs/cloudmirror/internal/mirror"
	"github.com/cirruslabs/cloudmirror/internal/server"
	"github.com/cirruslabs/cloudmirror/internal/statusstore"
	"github.com/cirruslabs/cloudmirror/internal/testutil"
	"github.com/cirruslabs/cloudmirror/internal/validate"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

type serverHarness struct {
	endpointURL string
	manager     *mirror.Manager
	statusStore *testutil.StatusStore
	blobStore   *testutil.BlobStore
	sender      *testutil.QueueSender
}

func newServerHarness(t *testing.T, maxWait time.Duration, allowedPatterns []string) *serverHarness {
	t.Helper()

	harness := &serverHarness{
		statusStore: testutil.NewStatusStore(),
		sender:      testutil.NewQueueSender(),
	}

	blobServer := httptest.NewServer(http.HandlerFunc(
		func(writer http.ResponseWriter, request *http.Request) {
			key := strings.TrimPrefix(request.URL.Path, "/")

			if _, ok := harness.blobStore.Object(key); !ok {
				writer.WriteHeader(http.StatusNotFound)

				return
			}

			writer.Header().Set(testutil.ExpirationHeader,
				time.Now().Add(24*time.Hour).Format(time.RFC3339))
			writer.WriteHeader(http.StatusOK)
		}))
	t.Cleanup(blobServer.Close)

	harness.blobStore = testutil.NewBlobStore(blobServer.URL)

	allowlist, err := validate.CompileAllowlist(allowedPatterns)
	require.NoError(t, err)

	validator := validate.New(allowlist, 10, true)

	pool, err := mirror.NewPool("s3", "us-west-1")
	require.NoError(t, err)

	harness.manager, err = mirror.NewManager(pool, harness.statusStore, harness.blobStore,
		harness.sender, validator, 24*time.Hour)
	require.NoError(t, err)

	mirrorServer, err := server.New(":0", validator, maxWait,
		server.WithPollDelay(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, mirrorServer.RegisterManager(harness.manager))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		_ = mirrorServer.Run(ctx)
	}()

	harness.endpointURL = "http://" + mirrorServer.Addr()

	return harness
}

// noFollow performs request without following the redirect under test.
var noFollow = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func redirectPath(rawURL string) string {
	return "/v1/redirect/s3/us-west-1/" + url.PathEscape(rawURL)
}

func decodeBody(t *testing.T, response *http.Response) map[string]string {
	t.Helper()

	bodyBytes, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())

	var body map[string]string
	require.NoError(t, json.Unmarshal(bodyBytes, &body))

	return body
}

func TestPing(t *testing.T) {
	harness := newServerHarness(t, 0, []string{"^https://example\\.com/"})

	response, err := http.Get(harness.endpointURL + "/v1/ping")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, map[string]string{"status": "ok"}, decodeBody(t, response))
}

func TestAPIReference(t *testing.T) {
	harness := newServerHarness(t, 0, []string{"^https://example\\.com/"})

	response, err := http.Get(harness.endpointURL + "/v1/api-reference")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.NoError(t, response.Body.Close())
}

func TestRedirectPresent(t *testing.T) {
	harness := newServerHarness(t, 0, []string{"^https://example\\.com/"})

	rawURL := "https://example.com/" + uuid.NewString()

	require.NoError(t, harness.statusStore.Put(context.Background(),
		harness.manager.CacheKey(rawURL), statusstore.Fields{
			"url":    rawURL,
			"status": "present",
		}, time.Hour))

	response, err := noFollow.Get(harness.endpointURL + redirectPath(rawURL))
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, response.StatusCode)
	require.Equal(t, harness.blobStore.PublicURL(rawURL), response.Header.Get("Location"))

	body := decodeBody(t, response)
	require.Equal(t, "present", body["status"])
	require.Equal(t, harness.blobStore.PublicURL(rawURL), body["url"])
}

func TestRedirectEnqueuesAndFallsBack(t *testing.T) {
	harness := newServerHarness(t, 0, []string{"^https://example\\.com/"})

	const rawURL = "https://example.com/artifact"

	// Skip the URL gate: the entry already reads "error", which
	// means the URL was vetted before and just needs a retry
	require.NoError(t, harness.statusStore.Put(context.Background(),
		harness.manager.CacheKey(rawURL), statusstore.Fields{
			"url":    rawURL,
			"status": "error",
		}, time.Hour))

	response, err := noFollow.Get(harness.endpointURL + redirectPath(rawURL))
	require.NoError(t, err)

	// With no time budget left, the client is sent to the original URL
	require.Equal(t, http.StatusFound, response.StatusCode)
	require.Equal(t, rawURL, response.Header.Get("Location"))
	require.NoError(t, response.Body.Close())

	// ...but a copy was still requested for future requests
	jobs := harness.sender.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, rawURL, jobs[0].URL)
	require.Equal(t, "s3_us-west-1", jobs[0].PoolID)
}

func TestRedirectWaitsForPendingCopy(t *testing.T) {
	harness := newServerHarness(t, 5*time.Second, []string{"^https://example\\.com/"})

	const rawURL = "https://example.com/artifact"

	require.NoError(t, harness.statusStore.Put(context.Background(),
		harness.manager.CacheKey(rawURL), statusstore.Fields{
			"url":    rawURL,
			"status": "pending",
		}, time.Hour))

	// Simulate a copy worker finishing while the request polls
	go func() {
		time.Sleep(100 * time.Millisecond)

		_ = harness.statusStore.Put(context.Background(),
			harness.manager.CacheKey(rawURL), statusstore.Fields{
				"url":    rawURL,
				"status": "present",
			}, time.Hour)
	}()

	response, err := noFollow.Get(harness.endpointURL + redirectPath(rawURL))
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, response.StatusCode)
	require.Equal(t, harness.blobStore.PublicURL(rawURL), response.Header.Get("Location"))
	require.Equal(t, "present", decodeBody(t, response)["status"])
}

func TestRedirectDisallowedURL(t *testing.T) {
	harness := newServerHarness(t, time.Second, []string{"^https://example\\.com/"})

	response, err := noFollow.Get(harness.endpointURL +
		redirectPath("https://www.facebook.com/"))
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, response.StatusCode)
	require.NoError(t, response.Body.Close())

	// No copy may be requested for a rejected URL
	require.Empty(t, harness.sender.Jobs())
	require.Zero(t, harness.blobStore.PutCount())
}

func TestRedirectInsecureURL(t *testing.T) {
	harness := newServerHarness(t, time.Second, []string{"^https?://example\\.com/"})

	response, err := noFollow.Get(harness.endpointURL +
		redirectPath("http://example.com/artifact"))
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, response.StatusCode)
	require.NoError(t, response.Body.Close())
	require.Empty(t, harness.sender.Jobs())
}

func TestRedirectUnknownPool(t *testing.T) {
	harness := newServerHarness(t, 0, []string{"^https://example\\.com/"})

	response, err := noFollow.Get(harness.endpointURL + "/v1/redirect/s3/eu-central-1/" +
		url.PathEscape("https://example.com/artifact"))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, response.StatusCode)
	require.NoError(t, response.Body.Close())
}

func TestRedirectMalformedToken(t *testing.T) {
	harness := newServerHarness(t, 0, []string{"^https://example\\.com/"})

	response, err := noFollow.Get(harness.endpointURL +
		"/v1/redirect/s3/a-region-name-way-over-the-twenty-two-limit/" +
		url.PathEscape("https://example.com/artifact"))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
	require.NoError(t, response.Body.Close())
}

func TestRedirectNonEncodedURL(t *testing.T) {
	harness := newServerHarness(t, 0, []string{"^https://example\\.com/"})

	response, err := noFollow.Get(harness.endpointURL + "/v1/redirect/s3/us-west-1/" +
		url.PathEscape("https://example.com/artifact") + "/trailing")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
	require.NoError(t, response.Body.Close())
}

func TestPurge(t *testing.T) {
	harness := newServerHarness(t, 0, []string{"^https://example\\.com/"})

	const rawURL = "https://example.com/artifact"

	_, err := harness.blobStore.Put(context.Background(), rawURL,
		strings.NewReader("artifact bytes"), contentTypeHeader(), nil)
	require.NoError(t, err)

	require.NoError(t, harness.statusStore.Put(context.Background(),
		harness.manager.CacheKey(rawURL), statusstore.Fields{
			"url":    rawURL,
			"status": "present",
		}, time.Hour))

	request, err := http.NewRequest(http.MethodDelete,
		harness.endpointURL+"/v1/purge/s3/us-west-1/"+url.PathEscape(rawURL), nil)
	require.NoError(t, err)

	response, err := noFollow.Do(request)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, response.StatusCode)
	require.NoError(t, response.Body.Close())

	// Both the blob and the status entry are gone
	_, ok := harness.blobStore.Object(rawURL)
	require.False(t, ok)

	_, err = harness.statusStore.Get(context.Background(), harness.manager.CacheKey(rawURL))
	require.ErrorIs(t, err, statusstore.ErrMiss)
}

func TestDuplicatePoolRegistration(t *testing.T) {
	allowlist, err := validate.CompileAllowlist([]string{"^https://example\\.com/"})
	require.NoError(t, err)

	validator := validate.New(allowlist, 10, true)

	mirrorServer, err := server.New(":0", validator, 0)
	require.NoError(t, err)

	pool, err := mirror.NewPool("s3", "us-west-1")
	require.NoError(t, err)

	newManager := func() *mirror.Manager {
		manager, err := mirror.NewManager(pool, testutil.NewStatusStore(),
			testutil.NewBlobStore("https://blob.invalid"), testutil.NewQueueSender(),
			validator, 24*time.Hour)
		require.NoError(t, err)

		return manager
	}

	require.NoError(t, mirrorServer.RegisterManager(newManager()))
	require.Error(t, mirrorServer.RegisterManager(newManager()))
}

func contentTypeHeader() http.Header {
	headers := http.Header{}
	headers.Set("Content-Type", "application/octet-stream")

	return headers
}
