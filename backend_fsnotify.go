package dirwatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var _ Backend = (*FsnotifyBackend)(nil)

// FsnotifyBackend watches directories through the fsnotify library. It
// works on every platform fsnotify supports and is the default backend
// on systems without a native one.
type FsnotifyBackend struct {
	// Recursive watches the whole tree under each requested directory
	// and picks up directories created while watching.
	Recursive bool

	// Logger used for source messages. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewFsnotifyBackend returns a new instance of FsnotifyBackend.
func NewFsnotifyBackend() *FsnotifyBackend {
	return &FsnotifyBackend{}
}

// Start begins watching dir and returns a handle for the running watcher.
func (b *FsnotifyBackend) Start(ctx context.Context, id, dir string) (Handle, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	s := &fsnotifySource{
		id:          id,
		dir:         filepath.Clean(dir),
		recursive:   b.Recursive,
		watcher:     fw,
		ch:          make(chan RawMessage),
		watchedDirs: make(map[string]struct{}),
		logger:      logger.With("source", id, "dir", dir),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.addInitialWatches(); err != nil {
		fw.Close()
		s.cancel()
		return nil, err
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// fsnotifySource is one running watcher bound to a single directory.
type fsnotifySource struct {
	id        string
	dir       string
	recursive bool

	watcher *fsnotify.Watcher
	ch      chan RawMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu          sync.Mutex
	watchedDirs map[string]struct{}

	logger *slog.Logger
}

// Messages returns the channel of raw notifications for this source.
func (s *fsnotifySource) Messages() <-chan RawMessage {
	return s.ch
}

// Terminate stops the watcher and releases its resources.
func (s *fsnotifySource) Terminate() {
	s.once.Do(func() {
		s.cancel()
		_ = s.watcher.Close()
		s.wg.Wait()
	})
}

func (s *fsnotifySource) run() {
	defer s.wg.Done()
	defer close(s.ch)

	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("watch error", "error", err)
		}
	}
}

func (s *fsnotifySource) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if path == "" || path == "." {
		return
	}

	// New subdirectories must be watched before their contents settle.
	if s.recursive && event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := s.addDirectoryWatch(path); err != nil {
				s.logger.Error("add directory watch", "path", path, "error", err)
			}
		}
	}
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		s.removeDirectoryWatch(path)
	}

	tags := fsnotifyTags(event.Op)
	if len(tags) == 0 {
		return
	}

	select {
	case <-s.ctx.Done():
	case s.ch <- RawMessage{
		Source: s.id,
		Kind:   RawKindFileEvent,
		Path:   []byte(path),
		Tags:   tags,
	}:
	}
}

func (s *fsnotifySource) addInitialWatches() error {
	if !s.recursive {
		return s.addDirectoryWatch(s.dir)
	}

	return filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return s.addDirectoryWatch(path)
	})
}

func (s *fsnotifySource) addDirectoryWatch(path string) error {
	abspath := filepath.Clean(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watchedDirs[abspath]; ok {
		return nil
	}
	s.watchedDirs[abspath] = struct{}{}

	if err := s.watcher.Add(abspath); err != nil {
		delete(s.watchedDirs, abspath)
		return err
	}

	s.logger.Debug("watching directory", "path", abspath)
	return nil
}

func (s *fsnotifySource) removeDirectoryWatch(path string) {
	abspath := filepath.Clean(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watchedDirs[abspath]; !ok {
		return
	}
	delete(s.watchedDirs, abspath)

	if err := s.watcher.Remove(abspath); err != nil {
		s.logger.Debug("remove directory watch", "path", abspath, "error", err)
	}
}

// fsnotifyTags converts an fsnotify op bitmask to raw event tags.
// Deletions surface as "removed" and tag order is fixed regardless of
// how the bits were combined.
func fsnotifyTags(op fsnotify.Op) []string {
	var tags []string
	if op&fsnotify.Create != 0 {
		tags = append(tags, "created")
	}
	if op&fsnotify.Write != 0 {
		tags = append(tags, "modified")
	}
	if op&fsnotify.Remove != 0 {
		tags = append(tags, "removed")
	}
	if op&fsnotify.Rename != 0 {
		tags = append(tags, "renamed")
	}
	if op&fsnotify.Chmod != 0 {
		tags = append(tags, "attribute")
	}
	return tags
}
