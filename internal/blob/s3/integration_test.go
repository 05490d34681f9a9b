package s3_test

import (
	"bytes"
	"context"
	"github.com/cirruslabs/cloudmirror/internal/blob/s3"
	"github.com/cirruslabs/cloudmirror/internal/testutil"
	"github.com/stretchr/testify/require"
	"net/http"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()

	store, err := s3.NewFromConfig(ctx, testutil.Localstack(t))
	require.NoError(t, err)

	// A non-existent key yields a 404-ish head and a harmless delete
	_, statusCode, err := store.Head(ctx, "https://example.com/artifact")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, statusCode)

	require.NoError(t, store.Delete(ctx, "https://example.com/artifact"))

	// Insertion of a non-existent key should succeed
	contentBytes := []byte("Hello, World!")

	headers := http.Header{}
	headers.Set("Content-Type", "application/octet-stream")

	written, err := store.Put(ctx, "https://example.com/artifact", bytes.NewReader(contentBytes),
		headers, map[string]string{"upstream-url": "https://example.com/artifact"})
	require.NoError(t, err)
	require.Equal(t, int64(len(contentBytes)), written)

	resultHeaders, statusCode, err := store.Head(ctx, "https://example.com/artifact")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, statusCode)
	require.Equal(t, "application/octet-stream", resultHeaders.Get("Content-Type"))

	// A Put without a Content-Type is refused before any bytes flow
	_, err = store.Put(ctx, "https://example.com/other", bytes.NewReader(contentBytes),
		http.Header{}, nil)
	require.Error(t, err)

	// Deletion of an existing key should succeed
	require.NoError(t, store.Delete(ctx, "https://example.com/artifact"))

	_, statusCode, err = store.Head(ctx, "https://example.com/artifact")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, statusCode)
}
