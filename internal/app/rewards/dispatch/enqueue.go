package dispatch

import (
	"context"
	"fmt"
)

// Enqueuer accepts tasks for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, t Task) error
}

// Publisher sends a JSON message identified by id.
type Publisher interface {
	PublishJSON(ctx context.Context, id string, v any) error
}

// Submitter runs jobs in the background.
type Submitter interface {
	Submit(ctx context.Context, job func(ctx context.Context)) error
}

// BrokerQueue enqueues tasks on a message broker.
type BrokerQueue struct {
	pub Publisher
}

// NewBrokerQueue returns an Enqueuer backed by pub.
func NewBrokerQueue(pub Publisher) *BrokerQueue { return &BrokerQueue{pub: pub} }

// Enqueue validates t and publishes it.
func (q *BrokerQueue) Enqueue(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := q.pub.PublishJSON(ctx, t.ID, t); err != nil {
		return fmt.Errorf("publish task %s: %w", t.ID, err)
	}
	return nil
}

// LocalQueue runs tasks on an in-process worker pool. Used when no broker is
// configured; tasks queued at shutdown are lost.
type LocalQueue struct {
	pool Submitter
	h    *Handler
}

// NewLocalQueue returns an Enqueuer that hands tasks straight to h.
func NewLocalQueue(pool Submitter, h *Handler) *LocalQueue {
	return &LocalQueue{pool: pool, h: h}
}

// Enqueue validates t and submits it to the pool.
func (q *LocalQueue) Enqueue(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return q.pool.Submit(ctx, func(jobCtx context.Context) {
		// errors are logged and counted by Handle
		_ = q.h.Handle(jobCtx, t)
	})
}
