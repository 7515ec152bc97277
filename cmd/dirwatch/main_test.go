package main_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	main "github.com/dirwatch/dirwatch/cmd/dirwatch"
)

func TestOpenConfigFile(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		dir := t.TempDir()
		testContent := "test: content\n"
		configPath := filepath.Join(dir, "test.yml")
		if err := os.WriteFile(configPath, []byte(testContent), 0644); err != nil {
			t.Fatal(err)
		}

		rc, err := main.OpenConfigFile(configPath)
		if err != nil {
			t.Fatalf("failed to open config file: %v", err)
		}
		defer rc.Close()

		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(rc); err != nil {
			t.Fatalf("failed to read from config file: %v", err)
		}

		if got := buf.String(); got != testContent {
			t.Errorf("content mismatch: got %q, want %q", got, testContent)
		}
	})

	t.Run("FileNotFound", func(t *testing.T) {
		_, err := main.OpenConfigFile("/nonexistent/file.yml")
		if err == nil {
			t.Error("expected error for nonexistent file")
		} else if !errors.Is(err, main.ErrConfigFileNotFound) {
			t.Errorf("expected ErrConfigFileNotFound, got: %v", err)
		}
	})
}

func TestReadConfigFile(t *testing.T) {
	t.Run("Full", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "dirwatch.yml")
		if err := os.WriteFile(filename, []byte(`
addr: ":9090"
dedupe-window: 500ms
startup-timeout: 10s
exec: "myapp -serve"

dirs:
  - path: /var/spool/uploads
    recursive: true
  - path: /var/log/myapp

sinks:
  - url: file:///var/log/dirwatch/changes.ndjson
  - url: nats://localhost:4222/events.fs

logging:
  level: debug
  type: text
`[1:]), 0666); err != nil {
			t.Fatal(err)
		}

		config, err := main.ReadConfigFile(filename, true)
		if err != nil {
			t.Fatal(err)
		}

		if got, want := config.Addr, ":9090"; got != want {
			t.Fatalf("Addr=%v, want %v", got, want)
		}
		if got, want := *config.DedupeWindow, 500*time.Millisecond; got != want {
			t.Fatalf("DedupeWindow=%v, want %v", got, want)
		}
		if got, want := *config.StartupTimeout, 10*time.Second; got != want {
			t.Fatalf("StartupTimeout=%v, want %v", got, want)
		}
		if got, want := config.Exec, "myapp -serve"; got != want {
			t.Fatalf("Exec=%v, want %v", got, want)
		}

		if got, want := len(config.Dirs), 2; got != want {
			t.Fatalf("len(Dirs)=%v, want %v", got, want)
		}
		if got, want := config.Dirs[0].Path, "/var/spool/uploads"; got != want {
			t.Fatalf("Dirs[0].Path=%v, want %v", got, want)
		}
		if !config.Dirs[0].Recursive {
			t.Fatal("Dirs[0].Recursive=false, want true")
		}
		if config.Dirs[1].Recursive {
			t.Fatal("Dirs[1].Recursive=true, want false")
		}

		if got, want := len(config.Sinks), 2; got != want {
			t.Fatalf("len(Sinks)=%v, want %v", got, want)
		}
		if got, want := config.Sinks[1].URL, "nats://localhost:4222/events.fs"; got != want {
			t.Fatalf("Sinks[1].URL=%v, want %v", got, want)
		}

		if got, want := config.Logging.Level, "debug"; got != want {
			t.Fatalf("Logging.Level=%v, want %v", got, want)
		}
	})

	t.Run("ExpandEnv", func(t *testing.T) {
		t.Setenv("DIRWATCH_TEST_DIR", "/data/expanded")

		filename := filepath.Join(t.TempDir(), "dirwatch.yml")
		if err := os.WriteFile(filename, []byte(`
dirs:
  - path: $DIRWATCH_TEST_DIR
`[1:]), 0666); err != nil {
			t.Fatal(err)
		}

		config, err := main.ReadConfigFile(filename, true)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := config.Dirs[0].Path, "/data/expanded"; got != want {
			t.Fatalf("Dirs[0].Path=%v, want %v", got, want)
		}
	})

	t.Run("NoExpandEnv", func(t *testing.T) {
		t.Setenv("DIRWATCH_TEST_DIR", "/data/expanded")

		filename := filepath.Join(t.TempDir(), "dirwatch.yml")
		if err := os.WriteFile(filename, []byte(`
dirs:
  - path: $DIRWATCH_TEST_DIR
`[1:]), 0666); err != nil {
			t.Fatal(err)
		}

		config, err := main.ReadConfigFile(filename, false)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasSuffix(config.Dirs[0].Path, "$DIRWATCH_TEST_DIR") {
			t.Fatalf("Dirs[0].Path=%v, want literal env var", config.Dirs[0].Path)
		}
	})

	t.Run("InvalidStartupTimeout", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "dirwatch.yml")
		if err := os.WriteFile(filename, []byte(`
startup-timeout: -5s
dirs:
  - path: /data/a
`[1:]), 0666); err != nil {
			t.Fatal(err)
		}

		_, err := main.ReadConfigFile(filename, true)
		if !errors.Is(err, main.ErrInvalidStartupTimeout) {
			t.Fatalf("err=%v, want ErrInvalidStartupTimeout", err)
		}
	})

	t.Run("InvalidDedupeWindow", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "dirwatch.yml")
		if err := os.WriteFile(filename, []byte(`
dedupe-window: -1s
dirs:
  - path: /data/a
`[1:]), 0666); err != nil {
			t.Fatal(err)
		}

		_, err := main.ReadConfigFile(filename, true)
		if !errors.Is(err, main.ErrInvalidDedupeWindow) {
			t.Fatalf("err=%v, want ErrInvalidDedupeWindow", err)
		}
	})

	t.Run("InvalidLoggingType", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "dirwatch.yml")
		if err := os.WriteFile(filename, []byte(`
logging:
  type: yaml
dirs:
  - path: /data/a
`[1:]), 0666); err != nil {
			t.Fatal(err)
		}

		_, err := main.ReadConfigFile(filename, true)
		if !errors.Is(err, main.ErrInvalidLoggingType) {
			t.Fatalf("err=%v, want ErrInvalidLoggingType", err)
		}
	})

	t.Run("MissingDirPath", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "dirwatch.yml")
		if err := os.WriteFile(filename, []byte(`
dirs:
  - recursive: true
`[1:]), 0666); err != nil {
			t.Fatal(err)
		}

		_, err := main.ReadConfigFile(filename, true)
		if err == nil || !strings.Contains(err.Error(), "'path' is required") {
			t.Fatalf("err=%v, want path required error", err)
		}
	})

	t.Run("MissingSinkURL", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "dirwatch.yml")
		if err := os.WriteFile(filename, []byte(`
dirs:
  - path: /data/a
sinks:
  - url: ""
`[1:]), 0666); err != nil {
			t.Fatal(err)
		}

		_, err := main.ReadConfigFile(filename, true)
		if err == nil || !strings.Contains(err.Error(), "'url' is required") {
			t.Fatalf("err=%v, want url required error", err)
		}
	})
}

func TestDefaultConfigPath(t *testing.T) {
	t.Run("FromEnv", func(t *testing.T) {
		t.Setenv("DIRWATCH_CONFIG", "/custom/dirwatch.yml")
		if got, want := main.DefaultConfigPath(), "/custom/dirwatch.yml"; got != want {
			t.Fatalf("path=%v, want %v", got, want)
		}
	})

	t.Run("Default", func(t *testing.T) {
		t.Setenv("DIRWATCH_CONFIG", "")
		if got, want := main.DefaultConfigPath(), "/etc/dirwatch.yml"; got != want {
			t.Fatalf("path=%v, want %v", got, want)
		}
	})
}
