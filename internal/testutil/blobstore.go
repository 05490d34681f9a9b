package testutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ExpirationHeader is the header through which the fake blob store
// conveys an object's expiration, mirroring S3's x-amz-expiration.
const ExpirationHeader = "X-Fake-Expiration"

// BlobObject is a blob captured by the in-memory store.
type BlobObject struct {
	Data     []byte
	Headers  http.Header
	Metadata map[string]string
}

// BlobStore is an in-memory blob.Store for tests. Its public URLs are
// formed from BaseURL, which typically points at an httptest server
// that serves HEAD requests for backfill scenarios.
type BlobStore struct {
	BaseURL string

	// PutErr makes every Put fail, for failure-path tests
	PutErr error

	mtx      sync.Mutex
	objects  map[string]BlobObject
	putCount int
}

func NewBlobStore(baseURL string) *BlobStore {
	return &BlobStore{
		BaseURL: baseURL,
		objects: map[string]BlobObject{},
	}
}

func (store *BlobStore) Put(
	_ context.Context,
	key string,
	body io.Reader,
	headers http.Header,
	metadata map[string]string,
) (int64, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return int64(len(data)), err
	}

	store.mtx.Lock()
	defer store.mtx.Unlock()

	store.putCount++

	if store.PutErr != nil {
		return 0, store.PutErr
	}

	store.objects[key] = BlobObject{
		Data:     data,
		Headers:  headers.Clone(),
		Metadata: metadata,
	}

	return int64(len(data)), nil
}

func (store *BlobStore) Delete(_ context.Context, key string) error {
	store.mtx.Lock()
	defer store.mtx.Unlock()

	delete(store.objects, key)

	return nil
}

func (store *BlobStore) Head(_ context.Context, key string) (http.Header, int, error) {
	store.mtx.Lock()
	defer store.mtx.Unlock()

	object, ok := store.objects[key]
	if !ok {
		return nil, http.StatusNotFound, nil
	}

	return object.Headers.Clone(), http.StatusOK, nil
}

func (store *BlobStore) ExpirationDate(headers http.Header) (time.Time, error) {
	value := headers.Get(ExpirationHeader)
	if value == "" {
		return time.Time{}, fmt.Errorf("no %s header", ExpirationHeader)
	}

	return time.Parse(time.RFC3339, value)
}

func (store *BlobStore) PublicURL(key string) string {
	return store.BaseURL + "/" + key
}

// Object returns the stored blob for key, if any.
func (store *BlobStore) Object(key string) (BlobObject, bool) {
	store.mtx.Lock()
	defer store.mtx.Unlock()

	object, ok := store.objects[key]

	return object, ok
}

// PutCount reports how many uploads were attempted.
func (store *BlobStore) PutCount() int {
	store.mtx.Lock()
	defer store.mtx.Unlock()

	return store.putCount
}
