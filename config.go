package dirwatch

import (
	"log/slog"
	"slices"
	"time"
)

// DefaultStartupTimeout is the maximum time a watcher may spend in its
// startup sequence: initializer execution plus source spawn and
// subscription.
const DefaultStartupTimeout = 5 * time.Second

// Handler applies one message to the current state and returns the next
// state. Returning Stop stops the dispatch loop cleanly at the message
// boundary; any other non-nil error terminates the loop with that error.
type Handler[T any] func(state T, msg Message) (T, error)

// SimpleHandler observes individual events without carrying state.
type SimpleHandler func(path string, event Event)

// Initializer produces the initial loop state. It is evaluated lazily
// on the loop goroutine before any source starts and receives the
// watcher's own handle, so it can acquire resources that must live in
// that context or arrange feedback through Send.
type Initializer[T any] func(w *Watcher[T]) (T, error)

// Config accumulates directories, a handler, and an initial state ahead
// of Start. The zero value has no handler and is rejected by Start;
// construct with NewConfig or NewSimpleConfig. A config is treated as
// immutable once passed to Start.
type Config[T any] struct {
	// StartupTimeout bounds the whole startup sequence.
	// Defaults to DefaultStartupTimeout.
	StartupTimeout time.Duration

	// Backend starts the native watchers. Defaults to the platform
	// backend returned by NewBackend.
	Backend Backend

	// Logger used by the watcher and its sources.
	// Defaults to slog.Default().
	Logger *slog.Logger

	dirs    []string
	handler Handler[T]
	initial T
	init    Initializer[T]
}

// NewConfig returns a config with a state handler and a constant
// initial state.
func NewConfig[T any](initial T, fn Handler[T]) *Config[T] {
	return &Config[T]{
		StartupTimeout: DefaultStartupTimeout,
		initial:        initial,
		handler:        fn,
	}
}

// NewSimpleConfig returns a config whose handler observes each event of
// a change individually and keeps no state. Custom messages are ignored.
func NewSimpleConfig(fn SimpleHandler) *Config[struct{}] {
	return &Config[struct{}]{
		StartupTimeout: DefaultStartupTimeout,
		handler: func(state struct{}, msg Message) (struct{}, error) {
			if change, ok := msg.(Change); ok {
				for _, event := range change.Events {
					fn(change.Path, event)
				}
			}
			return state, nil
		},
	}
}

// AddDir appends a directory to watch. Order of addition is kept and
// duplicates are allowed.
func (c *Config[T]) AddDir(dir string) *Config[T] {
	c.dirs = append(c.dirs, dir)
	return c
}

// AddDirs appends a batch of directories to watch.
func (c *Config[T]) AddDirs(dirs ...string) *Config[T] {
	c.dirs = append(c.dirs, dirs...)
	return c
}

// SetInitializer replaces the constant initial state with a function
// evaluated at start time on the loop goroutine.
func (c *Config[T]) SetInitializer(fn Initializer[T]) *Config[T] {
	c.init = fn
	return c
}

// Dirs returns the configured directories in order of addition.
func (c *Config[T]) Dirs() []string {
	return slices.Clone(c.dirs)
}
