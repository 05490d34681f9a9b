package sqs_test

import (
	"context"
	"encoding/json"
	"github.com/aws/aws-sdk-go-v2/aws"
	sqspkg "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	queuepkg "github.com/cirruslabs/cloudmirror/internal/queue"
	"github.com/cirruslabs/cloudmirror/internal/queue/sqs"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

type fakeAPI struct {
	mtx sync.Mutex

	createdQueues []string
	sentBodies    []string
	messages      []types.Message
	deleted       []string
}

func (fake *fakeAPI) CreateQueue(
	_ context.Context,
	params *sqspkg.CreateQueueInput,
	_ ...func(*sqspkg.Options),
) (*sqspkg.CreateQueueOutput, error) {
	fake.mtx.Lock()
	defer fake.mtx.Unlock()

	fake.createdQueues = append(fake.createdQueues, *params.QueueName)

	return &sqspkg.CreateQueueOutput{
		QueueUrl: aws.String("https://sqs.invalid/" + *params.QueueName),
	}, nil
}

func (fake *fakeAPI) GetQueueAttributes(
	_ context.Context,
	_ *sqspkg.GetQueueAttributesInput,
	_ ...func(*sqspkg.Options),
) (*sqspkg.GetQueueAttributesOutput, error) {
	return &sqspkg.GetQueueAttributesOutput{
		Attributes: map[string]string{
			string(types.QueueAttributeNameQueueArn):                           "arn:aws:sqs:invalid",
			string(types.QueueAttributeNameApproximateNumberOfMessages):        "3",
			string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible): "1",
		},
	}, nil
}

func (fake *fakeAPI) SendMessage(
	_ context.Context,
	params *sqspkg.SendMessageInput,
	_ ...func(*sqspkg.Options),
) (*sqspkg.SendMessageOutput, error) {
	fake.mtx.Lock()
	defer fake.mtx.Unlock()

	fake.sentBodies = append(fake.sentBodies, *params.MessageBody)

	return &sqspkg.SendMessageOutput{}, nil
}

func (fake *fakeAPI) ReceiveMessage(
	_ context.Context,
	_ *sqspkg.ReceiveMessageInput,
	_ ...func(*sqspkg.Options),
) (*sqspkg.ReceiveMessageOutput, error) {
	fake.mtx.Lock()
	defer fake.mtx.Unlock()

	messages := fake.messages
	fake.messages = nil

	return &sqspkg.ReceiveMessageOutput{Messages: messages}, nil
}

func (fake *fakeAPI) DeleteMessage(
	_ context.Context,
	params *sqspkg.DeleteMessageInput,
	_ ...func(*sqspkg.Options),
) (*sqspkg.DeleteMessageOutput, error) {
	fake.mtx.Lock()
	defer fake.mtx.Unlock()

	fake.deleted = append(fake.deleted, *params.ReceiptHandle)

	return &sqspkg.DeleteMessageOutput{}, nil
}

func (fake *fakeAPI) ChangeMessageVisibility(
	_ context.Context,
	_ *sqspkg.ChangeMessageVisibilityInput,
	_ ...func(*sqspkg.Options),
) (*sqspkg.ChangeMessageVisibilityOutput, error) {
	return &sqspkg.ChangeMessageVisibilityOutput{}, nil
}

func TestInitializeCreatesDeadLetterQueueFirst(t *testing.T) {
	fake := &fakeAPI{}

	queue, err := sqs.Initialize(context.Background(), fake, "cloud-mirror", "_dead", 5)
	require.NoError(t, err)

	require.Equal(t, []string{"cloud-mirror_dead", "cloud-mirror"}, fake.createdQueues)
	require.Equal(t, "https://sqs.invalid/cloud-mirror", queue.URL())
	require.Equal(t, "https://sqs.invalid/cloud-mirror_dead", queue.DeadLetterURL())
}

func TestSendSerializesJobs(t *testing.T) {
	fake := &fakeAPI{}

	queue, err := sqs.Initialize(context.Background(), fake, "cloud-mirror", "_dead", 5)
	require.NoError(t, err)

	require.NoError(t, queue.Send(context.Background(), queuepkg.Job{
		PoolID: "s3_us-west-1",
		URL:    "https://example.com/artifact",
		Action: queuepkg.ActionPut,
	}))

	require.Len(t, fake.sentBodies, 1)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(fake.sentBodies[0]), &decoded))
	require.Equal(t, map[string]string{
		"id":     "s3_us-west-1",
		"url":    "https://example.com/artifact",
		"action": "put",
	}, decoded)
}

func TestSendRejectsNonObjectPayloads(t *testing.T) {
	fake := &fakeAPI{}

	queue, err := sqs.Initialize(context.Background(), fake, "cloud-mirror", "_dead", 5)
	require.NoError(t, err)

	require.Error(t, queue.Send(context.Background(), "a string"))
	require.Error(t, queue.Send(context.Background(), 42))
	require.Error(t, queue.Send(context.Background(), []string{"a", "slice"}))
	require.Empty(t, fake.sentBodies)
}

func TestRunAcksOnHandlerSuccessOnly(t *testing.T) {
	fake := &fakeAPI{
		messages: []types.Message{
			{
				Body:          aws.String(`{"id":"s3_us-west-1","url":"https://example.com/good","action":"put"}`),
				ReceiptHandle: aws.String("receipt-good"),
			},
			{
				Body:          aws.String(`{"id":"s3_us-west-1","url":"https://example.com/bad","action":"put"}`),
				ReceiptHandle: aws.String("receipt-bad"),
			},
			{
				Body:          aws.String(`not JSON at all`),
				ReceiptHandle: aws.String("receipt-unparseable"),
			},
		},
	}

	queue, err := sqs.Initialize(context.Background(), fake, "cloud-mirror", "_dead", 5)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	var handledMtx sync.Mutex
	var handled []string

	err = queue.Run(ctx, func(_ context.Context, job queuepkg.Job) error {
		handledMtx.Lock()
		handled = append(handled, job.URL)
		handledMtx.Unlock()

		if job.URL == "https://example.com/bad" {
			return context.DeadlineExceeded
		}

		// All fake messages are delivered in the first batch,
		// stop the consumer loop right after it
		cancel()

		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	require.ElementsMatch(t, []string{
		"https://example.com/good",
		"https://example.com/bad",
	}, handled)
	require.Equal(t, []string{"receipt-good"}, fake.deleted)
}

func TestDepths(t *testing.T) {
	fake := &fakeAPI{}

	queue, err := sqs.Initialize(context.Background(), fake, "cloud-mirror", "_dead", 5)
	require.NoError(t, err)

	visible, notVisible, err := queue.Depths(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), visible)
	require.Equal(t, int64(1), notVisible)
}
