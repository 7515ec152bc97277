package main_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	main "github.com/dirwatch/dirwatch/cmd/dirwatch"
)

func TestWatchCommand_ParseFlags(t *testing.T) {
	t.Run("Dirs", func(t *testing.T) {
		c := main.NewWatchCommand()
		if err := c.ParseFlags(t.Context(), []string{"-dir", "/data/a", "-dir", "/data/b", "-recursive"}); err != nil {
			t.Fatal(err)
		}

		if got, want := len(c.Config.Dirs), 2; got != want {
			t.Fatalf("len(Dirs)=%v, want %v", got, want)
		}
		if got, want := c.Config.Dirs[0].Path, "/data/a"; got != want {
			t.Fatalf("Dirs[0].Path=%v, want %v", got, want)
		}
		if !c.Config.Dirs[0].Recursive || !c.Config.Dirs[1].Recursive {
			t.Fatal("expected all CLI dirs to be recursive")
		}
	})

	t.Run("DirWithConfigFlag", func(t *testing.T) {
		c := main.NewWatchCommand()
		err := c.ParseFlags(t.Context(), []string{"-dir", "/data/a", "-config", "/etc/dirwatch.yml"})
		if err == nil || !strings.Contains(err.Error(), "cannot specify") {
			t.Fatalf("err=%v, want conflict error", err)
		}
	})

	t.Run("ConfigFile", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "dirwatch.yml")
		if err := os.WriteFile(filename, []byte(`
dirs:
  - path: /data/a
exec: "myapp -serve"
`[1:]), 0666); err != nil {
			t.Fatal(err)
		}

		c := main.NewWatchCommand()
		if err := c.ParseFlags(t.Context(), []string{"-config", filename}); err != nil {
			t.Fatal(err)
		}
		if got, want := len(c.Config.Dirs), 1; got != want {
			t.Fatalf("len(Dirs)=%v, want %v", got, want)
		}
		if got, want := c.Config.Exec, "myapp -serve"; got != want {
			t.Fatalf("Exec=%v, want %v", got, want)
		}
	})

	t.Run("ExecOverride", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "dirwatch.yml")
		if err := os.WriteFile(filename, []byte(`
dirs:
  - path: /data/a
exec: "myapp -serve"
`[1:]), 0666); err != nil {
			t.Fatal(err)
		}

		c := main.NewWatchCommand()
		if err := c.ParseFlags(t.Context(), []string{"-config", filename, "-exec", "otherapp"}); err != nil {
			t.Fatal(err)
		}
		if got, want := c.Config.Exec, "otherapp"; got != want {
			t.Fatalf("Exec=%v, want %v", got, want)
		}
	})

	t.Run("TooManyArgs", func(t *testing.T) {
		c := main.NewWatchCommand()
		if err := c.ParseFlags(t.Context(), []string{"extra"}); err == nil {
			t.Fatal("expected error for extra arguments")
		}
	})
}

func TestWatchCommand_Run(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(t.TempDir(), "changes.ndjson")

	c := main.NewWatchCommand()
	c.Config.Dirs = []*main.DirConfig{{Path: dir}}
	c.Config.Sinks = []*main.SinkConfig{{URL: out}}

	if err := c.Run(t.Context()); err != nil {
		t.Fatal(err)
	}
	defer c.Close(context.Background())

	path := filepath.Join(dir, "x.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The change travels through the dispatch loop into the file sink.
	deadline := time.Now().Add(10 * time.Second)
	for {
		buf, _ := os.ReadFile(out)
		if strings.Contains(string(buf), path) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("change never reached sink, log=%q", buf)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
