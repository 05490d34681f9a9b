package redis

import (
	"context"
	"github.com/cirruslabs/cloudmirror/internal/opentelemetry"
	"github.com/cirruslabs/cloudmirror/internal/statusstore"
	redispkg "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"time"
)

type Redis struct {
	client *redispkg.Client

	failureCounter metric.Int64Counter
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

func New(config *Config) (*Redis, error) {
	failureCounter, err := opentelemetry.DefaultMeter.Int64Counter(
		"org.cirruslabs.cloudmirror.status-store-failure",
	)
	if err != nil {
		return nil, err
	}

	return &Redis{
		client: redispkg.NewClient(&redispkg.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		}),
		failureCounter: failureCounter,
	}, nil
}

func (redis *Redis) Get(ctx context.Context, key string) (statusstore.Fields, error) {
	result, err := redis.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, redis.failure(ctx, err)
	}

	// HGETALL yields an empty map for missing keys,
	// convert it for consumer's convenience
	if len(result) == 0 {
		return nil, statusstore.ErrMiss
	}

	return result, nil
}

func (redis *Redis) Put(
	ctx context.Context,
	key string,
	fields statusstore.Fields,
	ttl time.Duration,
) error {
	// The value and its TTL need to be set together, otherwise a
	// flush between the two commands would leave an immortal entry
	pipeline := redis.client.TxPipeline()

	pipeline.Del(ctx, key)
	pipeline.HSet(ctx, key, map[string]string(fields))
	pipeline.Expire(ctx, key, ttl)

	if _, err := pipeline.Exec(ctx); err != nil {
		return redis.failure(ctx, err)
	}

	return nil
}

func (redis *Redis) Delete(ctx context.Context, key string) error {
	if err := redis.client.Del(ctx, key).Err(); err != nil {
		return redis.failure(ctx, err)
	}

	return nil
}

func (redis *Redis) SetIfAbsent(
	ctx context.Context,
	key string,
	value string,
	ttl time.Duration,
) (bool, error) {
	acquired, err := redis.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, redis.failure(ctx, err)
	}

	return acquired, nil
}

func (redis *Redis) failure(ctx context.Context, err error) error {
	redis.failureCounter.Add(ctx, 1)

	return err
}
