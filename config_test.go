package dirwatch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dirwatch/dirwatch"
)

func TestConfig_Dirs(t *testing.T) {
	cfg := dirwatch.NewConfig(0, func(state int, msg dirwatch.Message) (int, error) {
		return state, nil
	}).AddDir("/data/a").AddDirs("/data/b", "/data/c").AddDir("/data/d")

	require.Equal(t, []string{"/data/a", "/data/b", "/data/c", "/data/d"}, cfg.Dirs())

	// Mutating the returned slice must not affect the config.
	dirs := cfg.Dirs()
	dirs[0] = "/mutated"
	require.Equal(t, "/data/a", cfg.Dirs()[0])
}

func TestNewSimpleConfig(t *testing.T) {
	type call struct {
		path  string
		event dirwatch.Event
	}

	backend := newTestBackend()
	calls := make(chan call, 16)
	cfg := dirwatch.NewSimpleConfig(func(path string, event dirwatch.Event) {
		calls <- call{path: path, event: event}
	})
	cfg.Backend = backend.mock()
	cfg.AddDir("/data/a")

	w, err := dirwatch.Start(t.Context(), cfg)
	require.NoError(t, err)
	defer w.Stop()

	// Custom messages are dropped by the per-event adapter.
	require.NoError(t, w.Send("ignored"))

	backend.sendFileEvent(t, "/data/a", "/data/a/x", "created", "closed")

	want := []call{
		{path: "/data/a/x", event: dirwatch.Event{Kind: dirwatch.Created}},
		{path: "/data/a/x", event: dirwatch.Event{Kind: dirwatch.Closed}},
	}
	for _, wc := range want {
		select {
		case <-time.After(10 * time.Second):
			t.Fatal("timeout waiting for handler call")
		case got := <-calls:
			require.Equal(t, wc, got)
		}
	}

	// The custom message preceded the file event, so had it produced a
	// call it would have arrived first.
	require.Empty(t, calls)
}
