package mirror

import (
	"context"
	"errors"
	"fmt"
	"github.com/cirruslabs/cloudmirror/internal/blob"
	"github.com/cirruslabs/cloudmirror/internal/percentencoding"
	"github.com/cirruslabs/cloudmirror/internal/queue"
	"github.com/cirruslabs/cloudmirror/internal/statusstore"
	"github.com/cirruslabs/cloudmirror/internal/validate"
	"github.com/im7mortal/kmutex"
	"go.uber.org/zap"
	"net/http"
	"time"
)

type Status string

const (
	StatusAbsent  Status = "absent"
	StatusPending Status = "pending"
	StatusPresent Status = "present"
	StatusError   Status = "error"
)

const (
	fieldURL    = "url"
	fieldStatus = "status"
	fieldStack  = "stack"

	// A backfilled entry must expire well before the blob itself does,
	// otherwise clients could be redirected into a 404
	backfillSafetyMargin = 30 * time.Minute

	backfillHeadTimeout = 60 * time.Second
)

// Manager orchestrates the cache of a single pool: status lookups,
// job enqueueing, purging, backfilling and the copy operation itself.
//
// It is stateless beyond its injected collaborators, all coordination
// happens through the status store and the queue.
type Manager struct {
	pool        Pool
	statusStore statusstore.Store
	blobStore   blob.Store
	sender      queue.Sender
	validator   *validate.Validator
	cacheTTL    time.Duration

	httpClient *http.Client
	kmutex     *kmutex.Kmutex
	logger     *zap.SugaredLogger
	metrics    *Metrics
}

type Option func(manager *Manager)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(manager *Manager) {
		manager.logger = logger
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(manager *Manager) {
		manager.httpClient = httpClient
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(manager *Manager) {
		manager.metrics = metrics
	}
}

func NewManager(
	pool Pool,
	statusStore statusstore.Store,
	blobStore blob.Store,
	sender queue.Sender,
	validator *validate.Validator,
	cacheTTL time.Duration,
	opts ...Option,
) (*Manager, error) {
	manager := &Manager{
		pool:        pool,
		statusStore: statusStore,
		blobStore:   blobStore,
		sender:      sender,
		validator:   validator,
		cacheTTL:    cacheTTL,
		kmutex:      kmutex.New(),
	}

	for _, opt := range opts {
		opt(manager)
	}

	if manager.httpClient == nil {
		manager.httpClient = &http.Client{
			Transport: &http.Transport{
				DisableCompression: true,
			},
		}
	}

	if manager.logger == nil {
		manager.logger = zap.NewNop().Sugar()
	}

	if manager.metrics == nil {
		metrics, err := NewMetrics()
		if err != nil {
			return nil, err
		}

		manager.metrics = metrics
	}

	return manager, nil
}

func (manager *Manager) Pool() Pool {
	return manager.pool
}

func (manager *Manager) PublicURL(url string) string {
	return manager.blobStore.PublicURL(url)
}

// CacheKey derives the status-store key for url: the pool id, "_" and
// the percent-encoded URL. Pool tokens are underscore-free, so the
// first two underscores of a key always belong to the pool id part;
// the blob key remains the raw URL.
func (manager *Manager) CacheKey(url string) string {
	return manager.pool.ID() + "_" + percentencoding.Encode(url)
}

func lockKey(cacheKey string) string {
	return "LOCK-" + cacheKey
}

// GetURLForRedirect reports the relationship of url to its regional
// copy. A cold status store is an opportunity, not a failure: when the
// blob still exists, the entry is backfilled from a HEAD request.
func (manager *Manager) GetURLForRedirect(ctx context.Context, url string) (Status, string, error) {
	fields, err := manager.statusStore.Get(ctx, manager.CacheKey(url))
	if err != nil {
		if errors.Is(err, statusstore.ErrMiss) {
			return manager.backfill(ctx, url)
		}

		return "", "", err
	}

	status := Status(fields[fieldStatus])

	if status == StatusPresent {
		manager.metrics.cacheHitCounter.Add(ctx, 1)
	}

	return status, manager.blobStore.PublicURL(url), nil
}

// RequestPut marks url as pending and enqueues a copy job for it.
func (manager *Manager) RequestPut(ctx context.Context, url string) error {
	if err := manager.writeStatus(ctx, url, StatusPending, ""); err != nil {
		return err
	}

	return manager.sender.Send(ctx, queue.Job{
		PoolID: manager.pool.ID(),
		URL:    url,
		Action: queue.ActionPut,
	})
}

// Purge removes the blob first and the status entry second. A blob
// that is already gone is not an error.
func (manager *Manager) Purge(ctx context.Context, url string) error {
	if err := manager.blobStore.Delete(ctx, url); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return err
	}

	return manager.statusStore.Delete(ctx, manager.CacheKey(url))
}

func (manager *Manager) backfill(ctx context.Context, url string) (Status, string, error) {
	publicURL := manager.blobStore.PublicURL(url)

	boundedCtx, cancel := context.WithTimeout(ctx, backfillHeadTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(boundedCtx, http.MethodHead, publicURL, nil)
	if err != nil {
		return "", "", err
	}

	response, err := manager.httpClient.Do(request)
	if err != nil {
		return "", "", err
	}
	_ = response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		manager.metrics.cacheMissCounter.Add(ctx, 1)

		return StatusAbsent, "", nil
	}

	expirationDate, err := manager.blobStore.ExpirationDate(response.Header)
	if err != nil {
		manager.logger.Warnf("failed to determine the expiration date of %q during backfill: %v",
			publicURL, err)
		manager.metrics.cacheMissCounter.Add(ctx, 1)

		return StatusAbsent, "", nil
	}

	ttl := min(manager.cacheTTL, time.Until(expirationDate)-backfillSafetyMargin)
	if ttl <= 0 {
		// The blob is about to be evicted, let a fresh copy happen
		manager.metrics.cacheMissCounter.Add(ctx, 1)

		return StatusAbsent, "", nil
	}

	if err := manager.putStatus(ctx, url, StatusPresent, "", ttl); err != nil {
		return "", "", err
	}

	manager.metrics.backfillCounter.Add(ctx, 1)

	return StatusPresent, publicURL, nil
}

func (manager *Manager) writeStatus(ctx context.Context, url string, status Status, stack string) error {
	return manager.putStatus(ctx, url, status, stack, manager.cacheTTL)
}

func (manager *Manager) putStatus(
	ctx context.Context,
	url string,
	status Status,
	stack string,
	ttl time.Duration,
) error {
	fields := statusstore.Fields{
		fieldURL:    url,
		fieldStatus: string(status),
	}

	if stack != "" {
		fields[fieldStack] = stack
	}

	if err := manager.statusStore.Put(ctx, manager.CacheKey(url), fields, ttl); err != nil {
		return fmt.Errorf("failed to write %q status for URL %q: %w", status, url, err)
	}

	return nil
}
