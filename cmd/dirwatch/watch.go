package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/MadAppGang/httplog"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mattn/go-shellwords"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dirwatch/dirwatch"
	"github.com/dirwatch/dirwatch/file"
	"github.com/dirwatch/dirwatch/nats"
)

// dedupeCacheSize is the maximum number of change keys kept in the
// dedupe window cache.
const dedupeCacheSize = 1024

// WatchCommand represents a command that watches directories and
// dispatches file change events.
type WatchCommand struct {
	cmd    *exec.Cmd  // subcommand
	execCh chan error // subcommand error channel

	Config Config

	watcher *dirwatch.Watcher[watchStats]
	sinks   []dirwatch.Sink
	server  *http.Server
	dedupe  *expirable.LRU[string, struct{}]
}

func NewWatchCommand() *WatchCommand {
	return &WatchCommand{
		execCh: make(chan error),
	}
}

// ParseFlags parses the CLI flags and loads the configuration file.
func (c *WatchCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("dirwatch-watch", flag.ContinueOnError)
	execFlag := fs.String("exec", "", "execute subcommand")
	recursive := fs.Bool("recursive", false, "watch -dir directories recursively")
	var dirs dirsFlag
	fs.Var(&dirs, "dir", "directory to watch, may be repeated")
	configPath, noExpandEnv := registerConfigFlag(fs)
	fs.Usage = c.Usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments")
	}

	// Build config from CLI dirs or load the configuration file.
	if len(dirs) > 0 {
		if *configPath != "" {
			return fmt.Errorf("cannot specify a -dir and the -config flag")
		}
		for _, dir := range dirs {
			path, err := expand(dir)
			if err != nil {
				return err
			}
			c.Config.Dirs = append(c.Config.Dirs, &DirConfig{Path: path, Recursive: *recursive})
		}
	} else {
		if *configPath == "" {
			*configPath = DefaultConfigPath()
		}
		if c.Config, err = ReadConfigFile(*configPath, !*noExpandEnv); err != nil {
			return err
		}
	}

	// Override config exec command, if specified.
	if *execFlag != "" {
		c.Config.Exec = *execFlag
	}

	return nil
}

// Run builds the sinks and watcher from the configuration and starts the
// metrics server and exec subprocess.
func (c *WatchCommand) Run(ctx context.Context) (err error) {
	// Display version information.
	slog.Info("dirwatch", "version", Version)

	// Build sinks from configuration.
	for _, sinkConfig := range c.Config.Sinks {
		sink, err := dirwatch.NewSinkFromURL(sinkConfig.URL)
		if err != nil {
			return fmt.Errorf("cannot create sink: %w", err)
		}
		c.sinks = append(c.sinks, sink)
	}

	for _, sink := range c.sinks {
		slog := slog.With("name", sink.Name())
		switch sink := sink.(type) {
		case *file.Sink:
			slog.Info("forwarding changes to", "type", file.SinkType, "path", sink.Path())
		case *nats.Sink:
			slog.Info("forwarding changes to", "type", nats.SinkType, "url", sink.URL, "subject-prefix", sink.SubjectPrefix)
		default:
			slog.Info("forwarding changes to")
		}
	}

	// Set up change deduplication.
	if c.Config.DedupeWindow != nil && *c.Config.DedupeWindow > 0 {
		c.dedupe = expirable.NewLRU[string, struct{}](dedupeCacheSize, nil, *c.Config.DedupeWindow)
	}

	// Notify user that there is nothing to watch.
	if len(c.Config.Dirs) == 0 {
		slog.Error("no directories specified in configuration")
	}

	// Watch each directory with the platform backend, honoring the
	// per-directory recursive setting.
	backend := &dirBackend{
		flat:      dirwatch.NewBackend(),
		recursive: dirwatch.NewRecursiveBackend(),
		byDir:     make(map[string]bool),
	}

	cfg := dirwatch.NewConfig(watchStats{StartedAt: time.Now().UTC()}, c.handler(ctx))
	cfg.Backend = backend
	if c.Config.StartupTimeout != nil {
		cfg.StartupTimeout = *c.Config.StartupTimeout
	}
	for _, dirConfig := range c.Config.Dirs {
		backend.byDir[dirConfig.Path] = dirConfig.Recursive
		cfg.AddDir(dirConfig.Path)
	}

	if c.watcher, err = dirwatch.Start(ctx, cfg); err != nil {
		return err
	}

	for _, src := range c.watcher.Sources() {
		slog.Info("watching", "source", src.ID, "dir", src.Dir)
	}

	// Serve metrics & status over HTTP if enabled.
	if c.Config.Addr != "" {
		hostport := c.Config.Addr
		if host, port, _ := net.SplitHostPort(c.Config.Addr); port == "" {
			return fmt.Errorf("must specify port for bind address: %q", c.Config.Addr)
		} else if host == "" {
			hostport = net.JoinHostPort("localhost", port)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/status", httplog.Logger(http.HandlerFunc(c.handleStatus)))
		c.server = &http.Server{Addr: c.Config.Addr, Handler: mux}

		slog.Info("serving metrics on", "url", fmt.Sprintf("http://%s/metrics", hostport))
		go func() {
			if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("cannot start metrics server", "error", err)
			}
		}()
	}

	// Parse exec commands args & start subprocess.
	if c.Config.Exec != "" {
		execArgs, err := shellwords.Parse(c.Config.Exec)
		if err != nil {
			return fmt.Errorf("cannot parse exec command: %w", err)
		}

		c.cmd = exec.Command(execArgs[0], execArgs[1:]...)
		c.cmd.Env = os.Environ()
		c.cmd.Stdout = os.Stdout
		c.cmd.Stderr = os.Stderr
		if err := c.cmd.Start(); err != nil {
			return fmt.Errorf("cannot start exec command: %w", err)
		}
		go func() { c.execCh <- c.cmd.Wait() }()
	}

	return nil
}

// Close stops the watcher, the HTTP server, and all sinks.
func (c *WatchCommand) Close(ctx context.Context) (err error) {
	if c.watcher != nil {
		c.watcher.Stop()
		<-c.watcher.Done()
	}

	if c.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if e := c.server.Shutdown(shutdownCtx); e != nil && err == nil {
			err = e
		}
		cancel()
	}

	for _, sink := range c.sinks {
		if e := sink.Close(); e != nil {
			slog.Error("error closing sink", "sink", sink.Name(), "error", e)
			if err == nil {
				err = e
			}
		}
	}

	return err
}

// watchStats is the dispatch loop state for the watch daemon. It is
// owned by the loop and read through statsRequest round-trips.
type watchStats struct {
	StartedAt time.Time `json:"started_at"`
	Changes   uint64    `json:"changes"`
	Events    uint64    `json:"events"`
	Deduped   uint64    `json:"deduped"`
	LastPath  string    `json:"last_path,omitempty"`
}

// statsRequest asks the dispatch loop for a snapshot of its state.
type statsRequest struct {
	replyCh chan watchStats
}

// handler returns the dispatch handler for the daemon: it dedupes and
// logs changes, forwards them to the sinks, and answers stats requests.
func (c *WatchCommand) handler(ctx context.Context) dirwatch.Handler[watchStats] {
	return func(state watchStats, msg dirwatch.Message) (watchStats, error) {
		switch msg := msg.(type) {
		case dirwatch.Change:
			if msg.Path == "" {
				return state, nil // degraded decode, nothing to act on
			}
			if c.isDuplicate(msg) {
				state.Deduped++
				return state, nil
			}
			state.Changes++
			state.Events += uint64(len(msg.Events))
			state.LastPath = msg.Path

			c.logChange(msg)

			for _, sink := range c.sinks {
				if err := sink.WriteChange(ctx, msg); err != nil {
					slog.Error("cannot write change to sink", "sink", sink.Name(), "error", err)
				}
			}
			return state, nil

		case dirwatch.Custom:
			if req, ok := msg.Value.(statsRequest); ok {
				select {
				case req.replyCh <- state:
				default:
				}
			}
			return state, nil

		default:
			return state, nil
		}
	}
}

// isDuplicate reports whether the same path and event combination was
// already seen within the dedupe window.
func (c *WatchCommand) isDuplicate(change dirwatch.Change) bool {
	if c.dedupe == nil {
		return false
	}

	key := change.Path
	for _, event := range change.Events {
		key += "|" + event.String()
	}

	if _, ok := c.dedupe.Get(key); ok {
		return true
	}
	c.dedupe.Add(key, struct{}{})
	return false
}

// logChange logs an accepted change, including the current file size
// while the file still exists.
func (c *WatchCommand) logChange(change dirwatch.Change) {
	args := []any{"path", change.Path, "events", len(change.Events)}
	if fi, err := os.Stat(change.Path); err == nil && !fi.IsDir() {
		args = append(args, "size", humanize.Bytes(uint64(fi.Size())))
	}
	slog.Debug("change", args...)
}

// statusResponse is the JSON body served at /status.
type statusResponse struct {
	Version string         `json:"version"`
	Sources []statusSource `json:"sources"`
	Stats   watchStats     `json:"stats"`
}

type statusSource struct {
	ID  string `json:"id"`
	Dir string `json:"dir"`
}

// handleStatus serves a snapshot of the watcher state. The stats travel
// through the dispatch loop like any other message.
func (c *WatchCommand) handleStatus(w http.ResponseWriter, r *http.Request) {
	req := statsRequest{replyCh: make(chan watchStats, 1)}
	if err := c.watcher.Send(req); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	var stats watchStats
	select {
	case stats = <-req.replyCh:
	case <-time.After(time.Second):
		http.Error(w, "status request timed out", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	resp := statusResponse{Version: Version, Stats: stats}
	for _, src := range c.watcher.Sources() {
		resp.Sources = append(resp.Sources, statusSource{ID: src.ID, Dir: src.Dir})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("cannot encode status response", "error", err)
	}
}

// dirBackend routes each directory to a recursive or flat platform
// backend based on its configuration.
type dirBackend struct {
	flat      dirwatch.Backend
	recursive dirwatch.Backend
	byDir     map[string]bool
}

func (b *dirBackend) Start(ctx context.Context, id, dir string) (dirwatch.Handle, error) {
	if b.byDir[dir] {
		return b.recursive.Start(ctx, id, dir)
	}
	return b.flat.Start(ctx, id, dir)
}

// dirsFlag collects repeated -dir flags.
type dirsFlag []string

func (f *dirsFlag) String() string { return strings.Join(*f, ",") }

func (f *dirsFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

// Usage prints the help screen to STDOUT.
func (c *WatchCommand) Usage() {
	fmt.Printf(`
The watch command starts a daemon that watches directories and
dispatches file change events to the configured sinks. You can specify
directories and sinks in a configuration file or watch directories
directly from the command line.

Usage:

	dirwatch watch [arguments]

Arguments:

	-config PATH
	    Specifies the configuration file.
	    Defaults to %s

	-dir PATH
	    Watch a directory. May be specified multiple times.
	    Cannot be combined with -config.

	-recursive
	    Watch -dir directories recursively.

	-exec CMD
	    Executes a subcommand. Dirwatch will exit when the child
	    process exits. Useful for simple process management.

	-no-expand-env
	    Disables environment variable expansion in configuration file.

`[1:], DefaultConfigPath())
}
