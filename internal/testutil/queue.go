package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	queuepkg "github.com/cirruslabs/cloudmirror/internal/queue"
	"sync"
)

// QueueSender is an in-memory queue.Sender that records the jobs it
// was asked to enqueue.
type QueueSender struct {
	mtx  sync.Mutex
	jobs []queuepkg.Job
}

func NewQueueSender() *QueueSender {
	return &QueueSender{}
}

func (sender *QueueSender) Send(_ context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	if len(payload) == 0 || payload[0] != '{' {
		return fmt.Errorf("refusing to send a non-object payload of %d byte(s)", len(payload))
	}

	var job queuepkg.Job

	if err := json.Unmarshal(payload, &job); err != nil {
		return err
	}

	sender.mtx.Lock()
	defer sender.mtx.Unlock()

	sender.jobs = append(sender.jobs, job)

	return nil
}

func (sender *QueueSender) Jobs() []queuepkg.Job {
	sender.mtx.Lock()
	defer sender.mtx.Unlock()

	return append([]queuepkg.Job{}, sender.jobs...)
}
