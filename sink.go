package dirwatch

import (
	"context"
)

// Sink receives changes dispatched by a watcher and forwards them to an
// external destination. Sinks are used by the daemon but can be wired
// into any handler.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string

	// WriteChange delivers a single change to the sink.
	WriteChange(ctx context.Context, change Change) error

	// Close flushes buffered data and releases the sink's resources.
	Close() error
}
