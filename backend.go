package dirwatch

import (
	"context"
	"errors"
)

// ErrEventQueueOverflow is returned when a native event queue has overflowed.
var ErrEventQueueOverflow = errors.New("event queue overflow")

// Backend represents a native notification facility that can watch
// directories. One call to Start produces one independent watcher bound
// to a single directory; watchers started by the same backend share no
// lifecycle.
type Backend interface {
	// Start begins watching dir under the given source identifier.
	// It returns a handle for the running watcher or the reason it
	// could not start.
	Start(ctx context.Context, id, dir string) (Handle, error)
}

// Handle represents one running native watcher.
type Handle interface {
	// Messages returns the channel of raw notifications emitted by the
	// watcher. The channel is closed when the watcher terminates, either
	// by Terminate or because the underlying facility failed.
	Messages() <-chan RawMessage

	// Terminate stops the watcher and releases its OS resources.
	// Best-effort: errors are discarded and calling it more than once
	// is safe.
	Terminate()
}
