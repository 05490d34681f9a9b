// Package fleet assembles one cache pool per configured region and
// runs the whole ensemble: the redirect server, the copy workers, the
// dead-letter listener and the queue-depth probe.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sqspkg "github.com/aws/aws-sdk-go-v2/service/sqs"
	blobs3 "github.com/cirruslabs/cloudmirror/internal/blob/s3"
	configpkg "github.com/cirruslabs/cloudmirror/internal/config"
	"github.com/cirruslabs/cloudmirror/internal/mirror"
	"github.com/cirruslabs/cloudmirror/internal/opentelemetry"
	queuepkg "github.com/cirruslabs/cloudmirror/internal/queue"
	"github.com/cirruslabs/cloudmirror/internal/queue/sqs"
	serverpkg "github.com/cirruslabs/cloudmirror/internal/server"
	redisstore "github.com/cirruslabs/cloudmirror/internal/statusstore/redis"
	"github.com/cirruslabs/cloudmirror/internal/validate"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"time"
)

type Fleet struct {
	config *configpkg.Config
	server *serverpkg.Server
	pools  []*pool
	logger *zap.SugaredLogger

	queueDepthGauge metric.Int64Gauge
}

type pool struct {
	manager *mirror.Manager
	queue   *sqs.Queue
	workers int
}

type Option func(fleet *Fleet)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(fleet *Fleet) {
		fleet.logger = logger
	}
}

//nolint:funlen // assembling the fleet is sequential by nature
func New(ctx context.Context, config *configpkg.Config, opts ...Option) (*Fleet, error) {
	fleet := &Fleet{
		config: config,
	}

	for _, opt := range opts {
		opt(fleet)
	}

	if fleet.logger == nil {
		fleet.logger = zap.NewNop().Sugar()
	}

	var err error

	fleet.queueDepthGauge, err = opentelemetry.DefaultMeter.Int64Gauge(
		"org.cirruslabs.cloudmirror.queue-depth",
	)
	if err != nil {
		return nil, err
	}

	allowlist, err := validate.CompileAllowlist(config.AllowedPatterns)
	if err != nil {
		return nil, err
	}

	validator := validate.New(allowlist, *config.RedirectLimit, *config.EnsureSSL)

	statusStore, err := redisstore.New(&redisstore.Config{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	if err != nil {
		return nil, err
	}

	metrics, err := mirror.NewMetrics()
	if err != nil {
		return nil, err
	}

	fleet.server, err = serverpkg.New(config.Addr, validator, config.MaxWaitForCachedCopy(),
		serverpkg.WithLogger(fleet.logger), serverpkg.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	sqsClient, err := newSQSClient(ctx, config)
	if err != nil {
		return nil, err
	}

	for _, region := range config.RegionList() {
		mirrorPool, err := mirror.NewPool(config.Backend.Service, region)
		if err != nil {
			return nil, err
		}

		blobStore, err := blobs3.NewFromConfig(ctx, s3Config(config, region))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize the blob store for region %q: %w",
				region, err)
		}

		queue, err := sqs.Initialize(ctx, sqsClient,
			config.Queue.Name+"_"+mirrorPool.ID(),
			config.Queue.DeadLetterSuffix,
			config.Queue.MaxReceiveCount,
			sqs.WithBatchSize(config.Queue.BatchSize),
			sqs.WithVisibilityTimeout(config.VisibilityTimeout()),
			sqs.WithLogger(fleet.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize the queue for region %q: %w",
				region, err)
		}

		manager, err := mirror.NewManager(mirrorPool, statusStore, blobStore, queue,
			validator, config.CacheTTL(),
			mirror.WithLogger(fleet.logger), mirror.WithMetrics(metrics))
		if err != nil {
			return nil, err
		}

		// A duplicate pool would mean two worker fleets fighting
		// over the same keys, refuse to start
		if err := fleet.server.RegisterManager(manager); err != nil {
			return nil, err
		}

		fleet.pools = append(fleet.pools, &pool{
			manager: manager,
			queue:   queue,
			workers: config.Backend.Count,
		})
	}

	return fleet, nil
}

// Run blocks until ctx is cancelled or a fatal error occurs (e.g. the
// queue API rejecting our credentials).
func (fleet *Fleet) Run(ctx context.Context) error {
	fleet.logger.Infof("starting fleet with pools: %v",
		lo.Map(fleet.pools, func(pool *pool, _ int) string {
			return pool.manager.Pool().ID()
		}))

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return fleet.server.Run(groupCtx)
	})

	for _, pool := range fleet.pools {
		pool := pool
		handler := newJobHandler(pool.manager)

		for i := 0; i < pool.workers; i++ {
			group.Go(func() error {
				return pool.queue.Run(groupCtx, handler)
			})
		}

		group.Go(func() error {
			return pool.queue.RunDeadLetterListener(groupCtx,
				func(_ context.Context, body string) {
					fleet.logger.Warnf("job of pool %s was dead-lettered: %q",
						pool.manager.Pool().ID(), body)
				})
		})

		group.Go(func() error {
			return fleet.probeQueueDepth(groupCtx, pool)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// newJobHandler dispatches a pool's queue messages to its manager.
func newJobHandler(manager *mirror.Manager) queuepkg.Handler {
	return func(ctx context.Context, job queuepkg.Job) error {
		if job.PoolID != manager.Pool().ID() {
			return fmt.Errorf("job for pool %q ended up on the queue of pool %q",
				job.PoolID, manager.Pool().ID())
		}

		switch job.Action {
		case queuepkg.ActionPut:
			return manager.Put(ctx, job.URL)
		default:
			return fmt.Errorf("unsupported action %q", job.Action)
		}
	}
}

func (fleet *Fleet) probeQueueDepth(ctx context.Context, pool *pool) error {
	ticker := time.NewTicker(fleet.config.ProbeInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			visible, notVisible, err := pool.queue.Depths(ctx)
			if err != nil {
				fleet.logger.Warnf("failed to probe the queue depth of pool %s: %v",
					pool.manager.Pool().ID(), err)

				continue
			}

			poolAttribute := attribute.String("pool", pool.manager.Pool().ID())

			fleet.queueDepthGauge.Record(ctx, visible, metric.WithAttributes(
				poolAttribute, attribute.String("state", "visible")))
			fleet.queueDepthGauge.Record(ctx, notVisible, metric.WithAttributes(
				poolAttribute, attribute.String("state", "not-visible")))
		}
	}
}

func newSQSClient(ctx context.Context, config *configpkg.Config) (*sqspkg.Client, error) {
	if config.AWS == nil {
		awsConfig, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}

		return sqspkg.NewFromConfig(awsConfig), nil
	}

	awsConfig := aws.Config{
		Region: config.AWS.Region,
	}

	if config.AWS.AccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentialsProvider(
			config.AWS.AccessKeyID,
			config.AWS.AccessKeySecret,
			"",
		)
	}

	return sqspkg.NewFromConfig(awsConfig, func(options *sqspkg.Options) {
		if config.AWS.Endpoint != "" {
			options.BaseEndpoint = aws.String(config.AWS.Endpoint)
		}
	}), nil
}

func s3Config(config *configpkg.Config, region string) *blobs3.Config {
	s3Config := &blobs3.Config{
		Region:          region,
		Bucket:          config.BucketForRegion(region),
		ACL:             config.Backend.ACL,
		LifespanDays:    config.Backend.LifespanDays,
		PartSize:        config.PartSizeBytes(),
		QueueSize:       config.Backend.QueueSize,
		MaxCopyDuration: config.MaxCopyDuration(),
	}

	if config.AWS != nil {
		s3Config.Endpoint = config.AWS.Endpoint
		s3Config.AccessKeyID = config.AWS.AccessKeyID
		s3Config.AccessKeySecret = config.AWS.AccessKeySecret
	}

	return s3Config
}
