package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dirwatch/dirwatch"
)

func init() {
	dirwatch.RegisterSinkFactory("file", NewSinkFromURL)
}

// SinkType is the sink type for this package.
const SinkType = "file"

var _ dirwatch.Sink = (*Sink)(nil)

// Sink appends changes to a local file, one JSON record per line.
type Sink struct {
	path string // destination path

	mu     sync.Mutex
	f      *os.File
	logger *slog.Logger
}

// NewSink returns a new instance of Sink.
func NewSink(path string) *Sink {
	return &Sink{
		logger: slog.Default().WithGroup(SinkType),
		path:   path,
	}
}

// NewSinkFromURL creates a new Sink from URL components.
// This is used by the sink factory registration.
func NewSinkFromURL(scheme, host, urlPath string, query url.Values, userinfo *url.Userinfo) (dirwatch.Sink, error) {
	// For file URLs, the path is the full path
	if urlPath == "" {
		return nil, fmt.Errorf("file sink path required")
	}
	return NewSink(urlPath), nil
}

// Name identifies the sink in logs.
func (s *Sink) Name() string {
	return SinkType + ":" + s.path
}

// Path returns the destination path changes are appended to.
func (s *Sink) Path() string {
	return s.path
}

// record is the wire form of a single change.
type record struct {
	Timestamp time.Time `json:"ts"`
	Path      string    `json:"path"`
	Events    []string  `json:"events"`
}

// WriteChange appends one change to the log file. The file and its
// parent directory are created on first write.
func (s *Sink) WriteChange(ctx context.Context, change dirwatch.Change) error {
	events := make([]string, 0, len(change.Events))
	for _, event := range change.Events {
		events = append(events, event.String())
	}

	buf, err := json.Marshal(record{
		Timestamp: time.Now().UTC(),
		Path:      change.Path,
		Events:    events,
	})
	if err != nil {
		return err
	}
	buf = append(buf, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		s.f = f
		s.logger.Debug("opened change log", "path", s.path)
	}

	_, err = s.f.Write(buf)
	return err
}

// Close closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
