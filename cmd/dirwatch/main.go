package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/dirwatch/dirwatch/internal"
)

// Build information.
var (
	Version = "(development build)"
)

// Sentinel errors for configuration validation
var (
	ErrInvalidStartupTimeout = errors.New("startup timeout must be greater than 0")
	ErrInvalidDedupeWindow   = errors.New("dedupe window must be >= 0")
	ErrInvalidLoggingType    = errors.New("logging type must be 'text' or 'json'")
	ErrConfigFileNotFound    = errors.New("config file not found")
)

// ConfigValidationError wraps a validation error with additional context
type ConfigValidationError struct {
	Err   error
	Field string
	Value interface{}
}

func (e *ConfigValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s: %v (got %v)", e.Field, e.Err, e.Value)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ConfigValidationError) Unwrap() error {
	return e.Err
}

func main() {
	m := NewMain()
	if err := m.Run(context.Background(), os.Args[1:]); errors.Is(err, flag.ErrHelp) {
		os.Exit(1)
	} else if err != nil {
		slog.Error("failed to run", "error", err)
		os.Exit(1)
	}
}

// Main represents the main program execution.
type Main struct{}

// NewMain returns a new instance of Main.
func NewMain() *Main {
	return &Main{}
}

// Run executes the program.
func (m *Main) Run(ctx context.Context, args []string) (err error) {
	// Extract command name.
	var cmd string
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "watch":
		c := NewWatchCommand()
		if err := c.ParseFlags(ctx, args); err != nil {
			return err
		}

		// Setup signal handler.
		signalCh := signalChan()

		if err := c.Run(ctx); err != nil {
			return err
		}

		// Wait for a signal, subprocess exit, or watcher failure.
		select {
		case err = <-c.execCh:
			slog.Info("subprocess exited, dirwatch shutting down")
		case <-c.watcher.Done():
			err = c.watcher.Err()
			slog.Info("watcher stopped, dirwatch shutting down")
		case sig := <-signalCh:
			slog.Info("signal received, dirwatch shutting down")

			if c.cmd != nil {
				slog.Info("sending signal to exec process")
				if err := c.cmd.Process.Signal(sig); err != nil {
					return fmt.Errorf("cannot signal exec process: %w", err)
				}

				slog.Info("waiting for exec process to close")
				if err := <-c.execCh; err != nil && !strings.HasPrefix(err.Error(), "signal:") {
					return fmt.Errorf("cannot wait for exec process: %w", err)
				}
			}
		}

		// Gracefully close.
		if e := c.Close(ctx); e != nil && err == nil {
			err = e
		}
		slog.Info("dirwatch shut down")
		return err

	case "version":
		return (&VersionCommand{}).Run(ctx, args)
	default:
		if cmd == "" || cmd == "help" || strings.HasPrefix(cmd, "-") {
			m.Usage()
			return flag.ErrHelp
		}
		return fmt.Errorf("dirwatch %s: unknown command", cmd)
	}
}

// Usage prints the help screen to STDOUT.
func (m *Main) Usage() {
	fmt.Println(`
dirwatch is a daemon for watching directories and dispatching file events.

Usage:

	dirwatch <command> [arguments]

The commands are:

	version      prints the binary version
	watch        runs the watch daemon
`[1:])
}

// Config represents a configuration file for the dirwatch daemon.
type Config struct {
	// Bind address for serving metrics & status.
	Addr string `yaml:"addr"`

	// List of directories to watch.
	Dirs []*DirConfig `yaml:"dirs"`

	// Changes repeating within this window are dropped. Zero disables
	// deduplication.
	DedupeWindow *time.Duration `yaml:"dedupe-window"`

	// Maximum time to wait for all watch sources to start.
	StartupTimeout *time.Duration `yaml:"startup-timeout"`

	// Subcommand to execute while watching.
	// Dirwatch will shutdown when subcommand exits.
	Exec string `yaml:"exec"`

	// List of sinks changes are forwarded to.
	Sinks []*SinkConfig `yaml:"sinks"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DirConfig represents the configuration for a single watched directory.
type DirConfig struct {
	Path      string `yaml:"path"`
	Recursive bool   `yaml:"recursive"` // Watch subdirectories recursively
}

// SinkConfig represents the configuration for a single change sink.
type SinkConfig struct {
	URL string `yaml:"url"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Type   string `yaml:"type"`
	Stderr bool   `yaml:"stderr"`
}

// DefaultConfig returns a new instance of Config with defaults set.
func DefaultConfig() Config {
	return Config{}
}

// Validate returns an error if config contains invalid settings.
func (c *Config) Validate() error {
	if c.StartupTimeout != nil && *c.StartupTimeout <= 0 {
		return &ConfigValidationError{
			Err:   ErrInvalidStartupTimeout,
			Field: "startup-timeout",
			Value: *c.StartupTimeout,
		}
	}
	if c.DedupeWindow != nil && *c.DedupeWindow < 0 {
		return &ConfigValidationError{
			Err:   ErrInvalidDedupeWindow,
			Field: "dedupe-window",
			Value: *c.DedupeWindow,
		}
	}

	// initLog only builds handlers for these types.
	switch c.Logging.Type {
	case "", "text", "json":
	default:
		return &ConfigValidationError{
			Err:   ErrInvalidLoggingType,
			Field: "logging.type",
			Value: c.Logging.Type,
		}
	}

	for i, dir := range c.Dirs {
		if dir.Path == "" {
			return fmt.Errorf("directory config #%d: 'path' is required", i+1)
		}
	}

	for i, sink := range c.Sinks {
		if sink.URL == "" {
			return fmt.Errorf("sink config #%d: 'url' is required", i+1)
		}
	}

	return nil
}

// OpenConfigFile opens a configuration file and returns a reader.
// Expands the filename path if needed.
func OpenConfigFile(filename string) (io.ReadCloser, error) {
	// Expand filename, if necessary.
	filename, err := expand(filename)
	if err != nil {
		return nil, err
	}

	// Open configuration file.
	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
	} else if err != nil {
		return nil, err
	}

	return f, nil
}

// ReadConfigFile unmarshals config from filename. Expands path if needed.
// If expandEnv is true then environment variables are expanded in the config.
func ReadConfigFile(filename string, expandEnv bool) (Config, error) {
	f, err := OpenConfigFile(filename)
	if err != nil {
		return DefaultConfig(), err
	}
	defer f.Close()

	return ParseConfig(f, expandEnv)
}

// ParseConfig unmarshals config from a reader.
// If expandEnv is true then environment variables are expanded in the config.
func ParseConfig(r io.Reader, expandEnv bool) (_ Config, err error) {
	config := DefaultConfig()

	// Read configuration.
	buf, err := io.ReadAll(r)
	if err != nil {
		return config, err
	}

	// Expand environment variables, if enabled.
	if expandEnv {
		buf = []byte(os.ExpandEnv(string(buf)))
	}

	if err := yaml.Unmarshal(buf, &config); err != nil {
		return config, err
	}

	// Normalize paths.
	for _, dirConfig := range config.Dirs {
		if dirConfig.Path == "" {
			continue
		}
		if dirConfig.Path, err = expand(dirConfig.Path); err != nil {
			return config, err
		}
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return config, err
	}

	// Configure logging.
	logOutput := os.Stdout
	if config.Logging.Stderr {
		logOutput = os.Stderr
	}
	initLog(logOutput, config.Logging.Level, config.Logging.Type)

	return config, nil
}

const defaultConfigPath = "/etc/dirwatch.yml"

// DefaultConfigPath returns the default config path.
func DefaultConfigPath() string {
	if v := os.Getenv("DIRWATCH_CONFIG"); v != "" {
		return v
	}
	return defaultConfigPath
}

func registerConfigFlag(fs *flag.FlagSet) (configPath *string, noExpandEnv *bool) {
	return fs.String("config", "", "config path"),
		fs.Bool("no-expand-env", false, "do not expand env vars in config")
}

// expand returns an absolute path for s, replacing a leading tilde with
// the current user's home directory.
func expand(s string) (string, error) {
	// Just expand to absolute path if there is no home directory prefix.
	prefix := "~" + string(os.PathSeparator)
	if s != "~" && !strings.HasPrefix(s, prefix) {
		return filepath.Abs(s)
	}

	// Look up home directory.
	u, err := user.Current()
	if err != nil {
		return "", err
	} else if u.HomeDir == "" {
		return "", fmt.Errorf("cannot expand path %s, no home directory available", s)
	}

	// Return path with tilde replaced by the home directory.
	if s == "~" {
		return u.HomeDir, nil
	}
	return filepath.Join(u.HomeDir, strings.TrimPrefix(s, prefix)), nil
}

func signalChan() <-chan os.Signal {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch
}

// initLog configures the global logger.
func initLog(w io.Writer, level, typ string) {
	logOptions := slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: internal.ReplaceAttr,
	}

	// Read log level from environment, if available.
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = v
	}

	switch strings.ToUpper(level) {
	case "TRACE":
		logOptions.Level = internal.LevelTrace
	case "DEBUG":
		logOptions.Level = slog.LevelDebug
	case "INFO":
		logOptions.Level = slog.LevelInfo
	case "WARN", "WARNING":
		logOptions.Level = slog.LevelWarn
	case "ERROR":
		logOptions.Level = slog.LevelError
	}

	var logHandler slog.Handler
	switch typ {
	case "json":
		logHandler = slog.NewJSONHandler(w, &logOptions)
	case "text", "":
		logHandler = slog.NewTextHandler(w, &logOptions)
	}

	// Set global default logger.
	slog.SetDefault(slog.New(logHandler))
}
