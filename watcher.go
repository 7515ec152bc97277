package dirwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dirwatch/dirwatch/internal"
)

var (
	// ErrHandlerRequired is returned by Start when the config has no handler.
	ErrHandlerRequired = errors.New("handler required")

	// ErrStopped is returned by Send after the dispatch loop has stopped.
	ErrStopped = errors.New("watcher stopped")

	// ErrStartupTimeout is returned when the startup sequence exceeds
	// its window.
	ErrStartupTimeout = errors.New("startup timeout")
)

// Stop is a control sentinel a handler returns to stop the dispatch
// loop cleanly. It is not a failure and is never reported by Err.
var Stop = errors.New("stop watching")

// sourceIDPrefix namespaces derived source identifiers.
const sourceIDPrefix = "dirwatch"

// inboxSize is the capacity of the dispatch inbox shared by all sources.
const inboxSize = 64

// WatchSource identifies one running native watcher and its directory.
type WatchSource struct {
	ID  string
	Dir string

	handle Handle
}

// SourceError describes why one directory's watcher could not start.
type SourceError struct {
	Dir string
	ID  string
	Err error
}

// Error returns the formatted error string.
func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %s", e.ID, e.Err)
}

// Unwrap returns the underlying error.
func (e *SourceError) Unwrap() error { return e.Err }

// StartError aggregates every per-directory failure from a rejected
// startup. Sources that did start were already terminated by the time
// the error is returned.
type StartError struct {
	Failures []*SourceError
}

// Error returns the formatted error string.
func (e *StartError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("cannot start %d of requested sources: %s", len(e.Failures), strings.Join(msgs, "; "))
}

// Unwrap returns the individual source failures.
func (e *StartError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Watcher is the dispatch loop: a single goroutine owning the
// application state, fed by every source through one inbox. Messages
// are handled strictly one at a time, so handlers never need locking
// around the state they thread through the loop.
type Watcher[T any] struct {
	handler Handler[T]
	initial T
	init    Initializer[T]
	dirs    []string
	backend Backend

	inbox chan Message
	done  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	sources []WatchSource
	err     error

	wg sync.WaitGroup

	logger *slog.Logger
}

// Start builds a watcher from cfg and runs its startup sequence:
// evaluate the initializer on the loop goroutine, then start one native
// watcher per configured directory as a single atomic unit. If any
// directory fails, every source that did start is terminated and the
// aggregated failure is returned; no partially watching system is ever
// left running. The whole sequence is bounded by cfg.StartupTimeout.
//
// The returned watcher runs until a handler returns Stop or an error,
// Stop is called, or ctx is canceled.
func Start[T any](ctx context.Context, cfg *Config[T]) (*Watcher[T], error) {
	if cfg == nil || cfg.handler == nil {
		return nil, ErrHandlerRequired
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backend := cfg.Backend
	if backend == nil {
		backend = NewBackend()
	}
	timeout := cfg.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}

	w := &Watcher[T]{
		handler: cfg.handler,
		initial: cfg.initial,
		init:    cfg.init,
		dirs:    slices.Clone(cfg.dirs),
		backend: backend,
		inbox:   make(chan Message, inboxSize),
		done:    make(chan struct{}),
		logger:  logger,
	}
	w.ctx, w.cancel = context.WithCancel(ctx)

	readyCh := make(chan error, 1)
	go w.run(readyCh)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-readyCh:
		if err != nil {
			return nil, err
		}
		return w, nil
	case <-timer.C:
		// Abandon the startup; the loop goroutine rolls back whatever
		// started once it unblocks.
		w.Stop()
		return nil, fmt.Errorf("watcher startup timed out after %s: %w", timeout, ErrStartupTimeout)
	}
}

// Send injects a custom message into the dispatch loop. The payload is
// delivered to the handler wrapped in a Custom message, after every
// message already queued. Send blocks while the inbox is full and
// returns ErrStopped once the loop has stopped.
//
// A handler calling Send must bound what it sends: the loop cannot
// drain the inbox while the handler runs, so a Send into a full inbox
// from inside the handler deadlocks.
func (w *Watcher[T]) Send(v any) error {
	select {
	case <-w.done:
		return ErrStopped
	default:
	}

	select {
	case w.inbox <- Custom{Value: v}:
		return nil
	case <-w.ctx.Done():
		return ErrStopped
	case <-w.done:
		return ErrStopped
	}
}

// Stop requests a cooperative stop. It takes effect at the next message
// boundary; buffered messages that were not yet handled are dropped.
// Stop is idempotent and safe to call from any goroutine, including
// from inside a handler.
func (w *Watcher[T]) Stop() {
	w.cancel()
}

// Done returns a channel that is closed once the dispatch loop has
// terminated and every source has been released.
func (w *Watcher[T]) Done() <-chan struct{} {
	return w.done
}

// Err returns the error that terminated the dispatch loop. It is nil
// after a clean stop and meaningful only once Done is closed.
func (w *Watcher[T]) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Sources returns a snapshot of the sources started by this watcher.
func (w *Watcher[T]) Sources() []WatchSource {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.sources)
}

// run is the dispatch loop goroutine. It owns the state value for the
// whole watcher lifetime.
func (w *Watcher[T]) run(readyCh chan<- error) {
	defer close(w.done)
	defer w.wg.Wait()
	defer w.cancel()
	defer w.terminateSources()

	state, err := w.starting()
	if err != nil {
		readyCh <- err
		return
	}
	readyCh <- nil

	if err := w.ready(state); err != nil {
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		w.logger.Error("watcher terminated", "error", err)
		return
	}
	w.logger.Debug("watcher stopped")
}

// starting runs the initializer and then the source startup protocol.
// The initializer goes first so sources can never emit into an
// uninitialized loop and an initializer failure has nothing to roll
// back.
func (w *Watcher[T]) starting() (T, error) {
	state := w.initial
	if w.init != nil {
		var err error
		if state, err = w.init(w); err != nil {
			return state, fmt.Errorf("initializer: %w", err)
		}
	}

	if err := w.startSources(); err != nil {
		return state, err
	}
	return state, nil
}

// startSources starts one native watcher per configured directory and
// subscribes each to the inbox. All-or-nothing: on any failure every
// source that did start is terminated and nothing stays subscribed.
func (w *Watcher[T]) startSources() error {
	var started []WatchSource
	var failures []*SourceError

	for i, dir := range w.dirs {
		id := fmt.Sprintf("%s-%d-%s", sourceIDPrefix, i, dir)
		handle, err := w.backend.Start(w.ctx, id, dir)
		if err != nil {
			failures = append(failures, &SourceError{Dir: dir, ID: id, Err: err})
			continue
		}
		started = append(started, WatchSource{ID: id, Dir: dir, handle: handle})
	}

	if len(failures) > 0 {
		// Terminate is best-effort and must not abort the rollback.
		for _, src := range started {
			src.handle.Terminate()
		}
		return &StartError{Failures: failures}
	}

	w.mu.Lock()
	w.sources = started
	w.mu.Unlock()

	for _, src := range started {
		w.subscribe(src)
	}

	internal.SourcesActiveGauge.Add(float64(len(started)))
	w.logger.Debug("watcher ready", "sources", len(started))
	return nil
}

// subscribe pumps decoded messages from one source into the inbox.
// One goroutine per source keeps arrival order within the source.
func (w *Watcher[T]) subscribe(src WatchSource) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		for raw := range src.handle.Messages() {
			change := DecodeRaw(raw)
			if change.Path == "" {
				internal.DecodeAnomaliesCounter.Inc()
			}
			for _, event := range change.Events {
				internal.EventsDecodedCounterVec.WithLabelValues(event.Kind.String()).Inc()
			}

			select {
			case w.inbox <- change:
			case <-w.ctx.Done():
				return
			}
		}

		// The source died on its own. Surface it; recovery is up to
		// the application.
		if w.ctx.Err() == nil {
			w.logger.Warn("source terminated, not restarting", "source", src.ID, "dir", src.Dir)
		}
	}()
}

// ready processes inbox messages until a stop or a handler failure.
func (w *Watcher[T]) ready(state T) error {
	for {
		select {
		case <-w.ctx.Done():
			return nil
		case msg := <-w.inbox:
			internal.MessagesDispatchedCounterVec.WithLabelValues(messageType(msg)).Inc()

			var err error
			if state, err = w.handler(state, msg); err != nil {
				if errors.Is(err, Stop) {
					return nil
				}
				return fmt.Errorf("handler: %w", err)
			}
		}
	}
}

func (w *Watcher[T]) terminateSources() {
	w.mu.Lock()
	sources := slices.Clone(w.sources)
	w.mu.Unlock()

	for _, src := range sources {
		src.handle.Terminate()
	}
	internal.SourcesActiveGauge.Sub(float64(len(sources)))
}

func messageType(msg Message) string {
	switch msg.(type) {
	case Change:
		return "change"
	default:
		return "custom"
	}
}
