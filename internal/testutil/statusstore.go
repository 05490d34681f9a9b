package testutil

import (
	"context"
	"github.com/cirruslabs/cloudmirror/internal/statusstore"
	"sync"
	"time"
)

// StatusStore is an in-memory statusstore.Store with real TTL
// semantics, for tests.
type StatusStore struct {
	mtx     sync.Mutex
	entries map[string]*statusStoreEntry
}

type statusStoreEntry struct {
	fields    statusstore.Fields
	value     string
	expiresAt time.Time
}

func NewStatusStore() *StatusStore {
	return &StatusStore{
		entries: map[string]*statusStoreEntry{},
	}
}

func (store *StatusStore) Get(_ context.Context, key string) (statusstore.Fields, error) {
	store.mtx.Lock()
	defer store.mtx.Unlock()

	entry, ok := store.live(key)
	if !ok || entry.fields == nil {
		return nil, statusstore.ErrMiss
	}

	// Hand out a copy so that the caller can't mutate the store
	fields := statusstore.Fields{}
	for name, value := range entry.fields {
		fields[name] = value
	}

	return fields, nil
}

func (store *StatusStore) Put(
	_ context.Context,
	key string,
	fields statusstore.Fields,
	ttl time.Duration,
) error {
	store.mtx.Lock()
	defer store.mtx.Unlock()

	copied := statusstore.Fields{}
	for name, value := range fields {
		copied[name] = value
	}

	store.entries[key] = &statusStoreEntry{
		fields:    copied,
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

func (store *StatusStore) Delete(_ context.Context, key string) error {
	store.mtx.Lock()
	defer store.mtx.Unlock()

	delete(store.entries, key)

	return nil
}

func (store *StatusStore) SetIfAbsent(
	_ context.Context,
	key string,
	value string,
	ttl time.Duration,
) (bool, error) {
	store.mtx.Lock()
	defer store.mtx.Unlock()

	if _, ok := store.live(key); ok {
		return false, nil
	}

	store.entries[key] = &statusStoreEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}

	return true, nil
}

// TTL reports the remaining lifetime of key, for TTL-related assertions.
func (store *StatusStore) TTL(key string) (time.Duration, bool) {
	store.mtx.Lock()
	defer store.mtx.Unlock()

	entry, ok := store.live(key)
	if !ok {
		return 0, false
	}

	return time.Until(entry.expiresAt), true
}

// Flush drops everything, simulating a status store restart.
func (store *StatusStore) Flush() {
	store.mtx.Lock()
	defer store.mtx.Unlock()

	store.entries = map[string]*statusStoreEntry{}
}

func (store *StatusStore) live(key string) (*statusStoreEntry, bool) {
	entry, ok := store.entries[key]
	if !ok {
		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		delete(store.entries, key)

		return nil, false
	}

	return entry, true
}
