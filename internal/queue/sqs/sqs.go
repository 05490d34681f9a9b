package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/aws/aws-sdk-go-v2/aws"
	sqspkg "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cirruslabs/cloudmirror/internal/opentelemetry"
	queuepkg "github.com/cirruslabs/cloudmirror/internal/queue"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"strconv"
	"strings"
	"sync"
	"time"
)

const longPollDuration = 20 * time.Second

// API is the subset of the SQS client that the adapter consumes.
type API interface {
	CreateQueue(ctx context.Context, params *sqspkg.CreateQueueInput,
		optFns ...func(*sqspkg.Options)) (*sqspkg.CreateQueueOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqspkg.GetQueueAttributesInput,
		optFns ...func(*sqspkg.Options)) (*sqspkg.GetQueueAttributesOutput, error)
	SendMessage(ctx context.Context, params *sqspkg.SendMessageInput,
		optFns ...func(*sqspkg.Options)) (*sqspkg.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqspkg.ReceiveMessageInput,
		optFns ...func(*sqspkg.Options)) (*sqspkg.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqspkg.DeleteMessageInput,
		optFns ...func(*sqspkg.Options)) (*sqspkg.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqspkg.ChangeMessageVisibilityInput,
		optFns ...func(*sqspkg.Options)) (*sqspkg.ChangeMessageVisibilityOutput, error)
}

type Queue struct {
	client             API
	queueURL           string
	deadLetterQueueURL string

	batchSize         int32
	visibilityTimeout time.Duration

	logger *zap.SugaredLogger

	deadLetterCounter metric.Int64Counter
}

type Option func(queue *Queue)

func WithBatchSize(batchSize int) Option {
	return func(queue *Queue) {
		queue.batchSize = int32(batchSize)
	}
}

func WithVisibilityTimeout(visibilityTimeout time.Duration) Option {
	return func(queue *Queue) {
		queue.visibilityTimeout = visibilityTimeout
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(queue *Queue) {
		queue.logger = logger
	}
}

// Initialize creates the dead-letter queue first, reads back its ARN
// and then creates the primary queue with a redrive policy bound to
// that dead-letter queue. Re-creating existing queues is harmless as
// long as the attributes match.
func Initialize(
	ctx context.Context,
	client API,
	queueName string,
	deadLetterSuffix string,
	maxReceiveCount int,
	opts ...Option,
) (*Queue, error) {
	queue := &Queue{
		client:            client,
		batchSize:         10,
		visibilityTimeout: time.Hour,
		logger:            zap.NewNop().Sugar(),
	}

	for _, opt := range opts {
		opt(queue)
	}

	deadLetterCounter, err := opentelemetry.DefaultMeter.Int64Counter(
		"org.cirruslabs.cloudmirror.dead-letters",
	)
	if err != nil {
		return nil, err
	}
	queue.deadLetterCounter = deadLetterCounter

	deadLetterResult, err := client.CreateQueue(ctx, &sqspkg.CreateQueueInput{
		QueueName: aws.String(queueName + deadLetterSuffix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create the dead-letter queue: %w", err)
	}
	queue.deadLetterQueueURL = *deadLetterResult.QueueUrl

	attributesResult, err := client.GetQueueAttributes(ctx, &sqspkg.GetQueueAttributesInput{
		QueueUrl: deadLetterResult.QueueUrl,
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameQueueArn,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to determine the dead-letter queue's ARN: %w", err)
	}

	redrivePolicy, err := json.Marshal(map[string]string{
		"deadLetterTargetArn": attributesResult.Attributes[string(types.QueueAttributeNameQueueArn)],
		"maxReceiveCount":     strconv.Itoa(maxReceiveCount),
	})
	if err != nil {
		return nil, err
	}

	result, err := client.CreateQueue(ctx, &sqspkg.CreateQueueInput{
		QueueName: aws.String(queueName),
		Attributes: map[string]string{
			string(types.QueueAttributeNameRedrivePolicy): string(redrivePolicy),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create the queue: %w", err)
	}
	queue.queueURL = *result.QueueUrl

	return queue, nil
}

func (queue *Queue) URL() string {
	return queue.queueURL
}

func (queue *Queue) DeadLetterURL() string {
	return queue.deadLetterQueueURL
}

func (queue *Queue) Send(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	// Consumers expect a JSON object, refuse everything
	// else before it reaches the queue
	if len(payload) == 0 || payload[0] != '{' {
		return fmt.Errorf("refusing to send a non-object payload of %d byte(s)", len(payload))
	}

	_, err = queue.client.SendMessage(ctx, &sqspkg.SendMessageInput{
		QueueUrl:    aws.String(queue.queueURL),
		MessageBody: aws.String(string(payload)),
	})

	return err
}

// Run is the long-lived consumer loop. Messages of a batch are handled
// concurrently; a message is acked only when its handler succeeds.
//
// An error from the queue API itself is wrapped and returned rather
// than retried: it usually means broken credentials and the operator
// needs to intervene.
func (queue *Queue) Run(ctx context.Context, handler queuepkg.Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := queue.client.ReceiveMessage(ctx, &sqspkg.ReceiveMessageInput{
			QueueUrl:            aws.String(queue.queueURL),
			MaxNumberOfMessages: queue.batchSize,
			VisibilityTimeout:   int32(queue.visibilityTimeout.Seconds()),
			WaitTimeSeconds:     int32(longPollDuration.Seconds()),
		})
		if err != nil {
			return fmt.Errorf("failed to receive messages: %w", err)
		}

		var wg sync.WaitGroup

		for _, message := range result.Messages {
			message := message

			wg.Add(1)

			go func() {
				defer wg.Done()

				queue.handle(ctx, message, handler)
			}()
		}

		wg.Wait()
	}
}

func (queue *Queue) handle(ctx context.Context, message types.Message, handler queuepkg.Handler) {
	var job queuepkg.Job

	if err := render.DecodeJSON(strings.NewReader(*message.Body), &job); err != nil {
		// Leave the message unacked: after enough redeliveries
		// it'll surface on the dead-letter queue
		queue.logger.Warnf("failed to decode job %q: %v", *message.Body, err)

		return
	}

	// Keep the lease alive while the handler runs
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()

	go queue.extendLease(heartbeatCtx, *message.ReceiptHandle)

	if err := handler(ctx, job); err != nil {
		queue.logger.Warnf("failed to process job for URL %q: %v", job.URL, err)

		return
	}

	if _, err := queue.client.DeleteMessage(ctx, &sqspkg.DeleteMessageInput{
		QueueUrl:      aws.String(queue.queueURL),
		ReceiptHandle: message.ReceiptHandle,
	}); err != nil {
		queue.logger.Warnf("failed to ack job for URL %q: %v", job.URL, err)
	}
}

func (queue *Queue) extendLease(ctx context.Context, receiptHandle string) {
	ticker := time.NewTicker(queue.visibilityTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := queue.client.ChangeMessageVisibility(ctx, &sqspkg.ChangeMessageVisibilityInput{
				QueueUrl:          aws.String(queue.queueURL),
				ReceiptHandle:     aws.String(receiptHandle),
				VisibilityTimeout: int32(queue.visibilityTimeout.Seconds()),
			})
			if err != nil {
				queue.logger.Warnf("failed to extend the lease: %v", err)
			}
		}
	}
}

// RunDeadLetterListener drains the dead-letter queue for observability
// purposes: each body is counted and handed to rawHandler verbatim.
func (queue *Queue) RunDeadLetterListener(ctx context.Context, rawHandler queuepkg.RawHandler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := queue.client.ReceiveMessage(ctx, &sqspkg.ReceiveMessageInput{
			QueueUrl:            aws.String(queue.deadLetterQueueURL),
			MaxNumberOfMessages: queue.batchSize,
			WaitTimeSeconds:     int32(longPollDuration.Seconds()),
		})
		if err != nil {
			return fmt.Errorf("failed to receive dead-lettered messages: %w", err)
		}

		for _, message := range result.Messages {
			queue.deadLetterCounter.Add(ctx, 1)

			rawHandler(ctx, *message.Body)

			if _, err := queue.client.DeleteMessage(ctx, &sqspkg.DeleteMessageInput{
				QueueUrl:      aws.String(queue.deadLetterQueueURL),
				ReceiptHandle: message.ReceiptHandle,
			}); err != nil {
				queue.logger.Warnf("failed to ack a dead-lettered message: %v", err)
			}
		}
	}
}

// Depths reports the approximate number of visible and in-flight
// messages for the periodic queue-depth probe.
func (queue *Queue) Depths(ctx context.Context) (int64, int64, error) {
	result, err := queue.client.GetQueueAttributes(ctx, &sqspkg.GetQueueAttributesInput{
		QueueUrl: aws.String(queue.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return 0, 0, err
	}

	visible, err := strconv.ParseInt(
		result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)], 10, 64)
	if err != nil {
		return 0, 0, err
	}

	notVisible, err := strconv.ParseInt(
		result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)], 10, 64)
	if err != nil {
		return 0, 0, err
	}

	return visible, notVisible, nil
}
