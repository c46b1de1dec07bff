package eventstream

import "context"

// Publisher publishes stream completion events to an event stream backend.
type Publisher interface {
	PublishCompletion(ctx context.Context, event *StreamCompletedEvent) error
	Close() error
}
