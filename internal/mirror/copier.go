package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// streamInactivityTimeout aborts an origin download whose byte stream
// stalls; slow-but-moving downloads are unaffected.
const streamInactivityTimeout = time.Hour

// Put is the copy-worker entry point: it streams the origin's bytes
// for url into the regional blob store and settles the status entry
// to either "present" or "error".
//
// At most one copy per (pool, url) runs fleet-wide: the cross-process
// lock lives in the status store, with an in-process keyed mutex in
// front of it to spare the store the obvious collisions.
func (manager *Manager) Put(ctx context.Context, url string) error {
	cacheKey := manager.CacheKey(url)

	manager.kmutex.Lock(cacheKey)
	defer manager.kmutex.Unlock(cacheKey)

	// The lock carries a TTL no longer than the cache entry's, so a
	// worker that dies without releasing stalls the URL only briefly
	acquired, err := manager.statusStore.SetIfAbsent(ctx, lockKey(cacheKey),
		time.Now().UTC().Format(time.RFC3339), manager.cacheTTL)
	if err != nil {
		return err
	}

	if !acquired {
		manager.metrics.alreadyLockedCounter.Add(ctx, 1)
		manager.logger.Infof("copy of %q for pool %s is already in flight elsewhere",
			url, manager.pool.ID())

		return nil
	}

	defer func() {
		// Release must happen even when the worker's context is gone
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		_ = manager.statusStore.Delete(releaseCtx, lockKey(cacheKey))
	}()

	// Another worker may have completed the very same copy while we
	// were waiting for the lock, in which case there's nothing to do
	if fields, err := manager.statusStore.Get(ctx, cacheKey); err == nil &&
		Status(fields[fieldStatus]) == StatusPresent {
		return nil
	}

	if err := manager.writeStatus(ctx, url, StatusPending, ""); err != nil {
		return err
	}

	if err := manager.copy(ctx, url); err != nil {
		// Best-effort cleanup: a half-written blob must not survive,
		// and the entry needs to record what went wrong
		_ = manager.blobStore.Delete(ctx, url)

		if statusErr := manager.writeStatus(ctx, url, StatusError, err.Error()); statusErr != nil {
			manager.logger.Errorf("failed to record the copy failure of %q: %v", url, statusErr)
		}

		return err
	}

	return manager.writeStatus(ctx, url, StatusPresent, "")
}

//nolint:funlen // the copy pipeline reads better as a single unit
func (manager *Manager) copy(ctx context.Context, url string) error {
	manager.metrics.cacheMissCounter.Add(ctx, 1)

	result, err := manager.validator.Validate(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to validate URL %q: %w", url, err)
	}

	// The watchdog cancels the download once its stream goes quiet
	downloadCtx, abort := context.WithCancel(ctx)
	defer abort()

	request, err := http.NewRequestWithContext(downloadCtx, http.MethodGet, result.FinalURL, nil)
	if err != nil {
		return err
	}

	// Bytes are mirrored exactly as the origin serves them
	request.Header.Set("Accept-Encoding", "*")

	response, err := manager.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("failed to open a stream to %q: %w", result.FinalURL, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("unexpected HTTP %d when downloading %q", response.StatusCode,
			result.FinalURL)
	}

	addresses, err := json.Marshal(result.Hops)
	if err != nil {
		return err
	}

	metadata := map[string]string{
		"upstream-etag":           response.Header.Get("ETag"),
		"upstream-content-length": response.Header.Get("Content-Length"),
		"upstream-url":            url,
		"stored":                  time.Now().UTC().Format(time.RFC3339),
		"addresses":               string(addresses),
	}

	watchdogReader := newWatchdogReader(response.Body, streamInactivityTimeout, abort)
	defer watchdogReader.Stop()

	startedAt := time.Now()

	written, err := manager.blobStore.Put(ctx, url, watchdogReader,
		forwardedHeaders(response.Header), metadata)
	if err != nil {
		return fmt.Errorf("failed to store %q: %w", url, err)
	}

	duration := time.Since(startedAt)

	manager.metrics.copyDurationHistogram.Record(ctx, duration.Milliseconds())
	manager.metrics.copySizeHistogram.Record(ctx, written)

	if seconds := duration.Seconds(); seconds > 0 {
		manager.metrics.copySpeedHistogram.Record(ctx, int64(float64(written)*8/1000/seconds))
	}

	manager.logger.Infof("copied %d byte(s) of %q into pool %s in %s",
		written, url, manager.pool.ID(), duration)

	// The mismatch is observed but deliberately non-fatal: some
	// origins advertise a Content-Length that disagrees with what
	// they then serve over a compressed transfer
	if contentLength := response.Header.Get("Content-Length"); contentLength != "" {
		if advertised, err := strconv.ParseInt(contentLength, 10, 64); err == nil && advertised != written {
			manager.logger.Warnf("origin %q advertised %d byte(s) but served %d",
				result.FinalURL, advertised, written)
			manager.metrics.contentLengthMismatchCounter.Add(ctx, 1)
		}
	}

	return nil
}

// forwardedHeaders picks the origin headers that are forwarded to the
// blob store. Cache-Control and Expires are dropped: the store's own
// lifecycle governs the copy's lifetime.
func forwardedHeaders(origin http.Header) http.Header {
	forwarded := http.Header{}

	contentType := origin.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	forwarded.Set("Content-Type", contentType)

	for _, name := range []string{"Content-Disposition", "Content-Encoding", "Content-MD5", "Content-Length"} {
		if value := origin.Get(name); value != "" {
			forwarded.Set(name, value)
		}
	}

	return forwarded
}
