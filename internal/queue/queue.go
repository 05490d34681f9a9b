// Package queue declares the work-queue contract between the redirect
// front end (which enqueues copy jobs) and the copy workers (which
// consume them). Redelivery and dead-lettering are driven entirely by
// the queue itself: a handler failure simply leaves the message unacked.
package queue

import "context"

const ActionPut = "put"

// Job is the unit of work exchanged over the queue.
type Job struct {
	PoolID string `json:"id"`
	URL    string `json:"url"`
	Action string `json:"action"`
}

type Sender interface {
	// Send serialises v as JSON and enqueues it. Only JSON objects
	// are accepted, anything else fails locally without touching
	// the queue.
	Send(ctx context.Context, v any) error
}

// Handler processes a single decoded job. A non-nil error leaves the
// message on the queue for redelivery.
type Handler func(ctx context.Context, job Job) error

// RawHandler observes dead-lettered message bodies. It receives the
// raw text because a parse failure may be the very reason the message
// was dead-lettered.
type RawHandler func(ctx context.Context, body string)
