package task

import (
	"context"
)

// Handler processes one job id taken from a queue.
type Handler func(ctx context.Context, jobID string) error

// Producer enqueues job ids.
type Producer interface {
	Publish(ctx context.Context, jobID string) error
	Close() error
}

// Consumer delivers queued job ids to a handler.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue is both ends of a job queue.
type Queue interface {
	Producer
	Consumer
}
