//go:build linux

package dirwatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var _ Backend = (*InotifyBackend)(nil)

// inotifyMask selects the event classes delivered for watched directories.
const inotifyMask = unix.IN_CREATE | unix.IN_MODIFY | unix.IN_CLOSE_WRITE |
	unix.IN_DELETE | unix.IN_DELETE_SELF | unix.IN_MOVED_FROM | unix.IN_MOVED_TO |
	unix.IN_MOVE_SELF | unix.IN_ATTRIB

// InotifyBackend watches directories through the kernel inotify
// facility. It is the default backend on Linux and the only one that
// can report close-write and attribute changes.
//
// Watcher code based on https://github.com/fsnotify/fsnotify
type InotifyBackend struct {
	// Recursive watches the whole tree under each requested directory
	// and picks up directories created while watching.
	Recursive bool

	// Logger used for source messages. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewInotifyBackend returns a new instance of InotifyBackend.
func NewInotifyBackend() *InotifyBackend {
	return &InotifyBackend{}
}

// NewBackend returns an instance of InotifyBackend on Linux systems.
func NewBackend() Backend {
	return NewInotifyBackend()
}

// NewRecursiveBackend returns the platform backend configured to watch
// directory trees recursively.
func NewRecursiveBackend() Backend {
	return &InotifyBackend{Recursive: true}
}

// Start begins watching dir and returns a handle for the running watcher.
func (b *InotifyBackend) Start(ctx context.Context, id, dir string) (Handle, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &inotifySource{
		id:        id,
		dir:       filepath.Clean(dir),
		recursive: b.Recursive,
		ch:        make(chan RawMessage),
		watches:   make(map[string]int),
		paths:     make(map[int]string),
		logger:    logger.With("source", id, "dir", dir),
	}
	s.inotify.buf = make([]byte, 4096*unix.SizeofInotifyEvent)
	s.epoll.events = make([]unix.EpollEvent, 64)
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.open(); err != nil {
		s.cancel()
		return nil, err
	}

	return s, nil
}

// inotifySource is one running inotify instance bound to a single
// directory tree.
type inotifySource struct {
	id        string
	dir       string
	recursive bool

	inotify struct {
		fd  int
		buf []byte
	}
	epoll struct {
		fd     int // epoll_create1() file descriptor
		events []unix.EpollEvent
	}
	pipe struct {
		r int // read pipe file descriptor
		w int // write pipe file descriptor
	}

	ch chan RawMessage

	mu      sync.Mutex
	watches map[string]int
	paths   map[int]string

	g      errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	logger *slog.Logger
}

// Messages returns the channel of raw notifications for this source.
func (s *inotifySource) Messages() <-chan RawMessage {
	return s.ch
}

// Terminate stops the watcher and releases its file descriptors.
func (s *inotifySource) Terminate() {
	s.once.Do(func() {
		s.cancel()
		_ = s.wake()
		_ = s.g.Wait()
	})
}

// open initializes the file descriptors, registers the initial watches,
// and starts the monitor goroutine.
func (s *inotifySource) open() (err error) {
	s.inotify.fd, err = unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("cannot init inotify: %w", err)
	}

	if s.epoll.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		unix.Close(s.inotify.fd)
		return fmt.Errorf("cannot create epoll: %w", err)
	}

	pipe := []int{-1, -1}
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(s.inotify.fd)
		unix.Close(s.epoll.fd)
		return fmt.Errorf("cannot create epoll pipe: %w", err)
	}
	s.pipe.r, s.pipe.w = pipe[0], pipe[1]

	// Register inotify fd with epoll
	if err := unix.EpollCtl(s.epoll.fd, unix.EPOLL_CTL_ADD, s.inotify.fd, &unix.EpollEvent{
		Fd:     int32(s.inotify.fd),
		Events: unix.EPOLLIN,
	}); err != nil {
		s.closeFDs()
		return fmt.Errorf("cannot add inotify to epoll: %w", err)
	}

	// Register pipe fd with epoll
	if err := unix.EpollCtl(s.epoll.fd, unix.EPOLL_CTL_ADD, s.pipe.r, &unix.EpollEvent{
		Fd:     int32(s.pipe.r),
		Events: unix.EPOLLIN,
	}); err != nil {
		s.closeFDs()
		return fmt.Errorf("cannot add pipe to epoll: %w", err)
	}

	if err := s.addWatches(s.dir); err != nil {
		s.closeFDs()
		return err
	}

	// Once the monitor runs it owns the file descriptors.
	s.g.Go(func() error {
		if err := s.monitor(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Error("source terminated", "error", err)
			return err
		}
		return nil
	})

	return nil
}

func (s *inotifySource) closeFDs() {
	unix.Close(s.inotify.fd)
	unix.Close(s.epoll.fd)
	unix.Close(s.pipe.w)
	unix.Close(s.pipe.r)
}

// addWatches registers dir, plus every subdirectory when the source is
// recursive.
func (s *inotifySource) addWatches(dir string) error {
	if !s.recursive {
		return s.addWatch(dir)
	}

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return s.addWatch(path)
	})
}

func (s *inotifySource) addWatch(path string) error {
	path = filepath.Clean(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watches[path]; ok {
		return nil
	}

	wd, err := unix.InotifyAddWatch(s.inotify.fd, path, inotifyMask)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	s.watches[path] = wd
	s.paths[wd] = path

	return nil
}

// monitor runs in a separate goroutine and monitors the inotify event queue.
func (s *inotifySource) monitor(ctx context.Context) error {
	defer close(s.ch)

	// Close all file descriptors once monitor exits.
	defer s.closeFDs()

	for {
		if err := s.wait(ctx); err != nil {
			return err
		} else if err := s.read(ctx); err != nil {
			return err
		}
	}
}

// read reads from the inotify file descriptor. Automatically retry on EINTR.
func (s *inotifySource) read(ctx context.Context) error {
	for {
		n, err := unix.Read(s.inotify.fd, s.inotify.buf)
		if err != nil && err != unix.EINTR {
			return err
		} else if n < 0 {
			continue
		}

		return s.recv(ctx, s.inotify.buf[:n])
	}
}

func (s *inotifySource) recv(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for {
		if len(b) == 0 {
			return nil
		} else if len(b) < unix.SizeofInotifyEvent {
			return fmt.Errorf("inotify short record: n=%d", len(b))
		}

		event := (*unix.InotifyEvent)(unsafe.Pointer(&b[0]))
		if event.Mask&unix.IN_Q_OVERFLOW != 0 {
			return ErrEventQueueOverflow
		}

		// Remove dropped watches from the lookups.
		s.mu.Lock()
		dir, ok := s.paths[int(event.Wd)]
		if ok && event.Mask&(unix.IN_DELETE_SELF|unix.IN_IGNORED) != 0 {
			delete(s.paths, int(event.Wd))
			delete(s.watches, dir)
		}
		s.mu.Unlock()

		// The filename follows the event struct, padded with NUL bytes.
		path := dir
		if event.Len > 0 && len(b) >= int(unix.SizeofInotifyEvent+event.Len) {
			bytes := (*[unix.PathMax]byte)(unsafe.Pointer(&b[unix.SizeofInotifyEvent]))[:event.Len:event.Len]
			if name := strings.TrimRight(string(bytes), "\x00"); name != "" {
				path = filepath.Join(dir, name)
			}
		}

		// Move to next event.
		b = b[unix.SizeofInotifyEvent+event.Len:]

		// Skip event if ignored or its watch is already gone.
		if event.Mask&unix.IN_IGNORED != 0 || !ok {
			continue
		}

		// Watch directories that appear inside a recursive source.
		if s.recursive && event.Mask&unix.IN_ISDIR != 0 && event.Mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0 {
			if err := s.addWatches(path); err != nil {
				s.logger.Error("add directory watch", "path", path, "error", err)
			}
		}

		tags := inotifyTags(event.Mask)
		if len(tags) == 0 {
			continue
		}

		// Send event to channel or wait for close.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.ch <- RawMessage{
			Source: s.id,
			Kind:   RawKindFileEvent,
			Path:   []byte(path),
			Tags:   tags,
		}:
		}
	}
}

func (s *inotifySource) wait(ctx context.Context) error {
	for {
		n, err := unix.EpollWait(s.epoll.fd, s.epoll.events, -1)
		if n == 0 || err == unix.EINTR {
			continue
		} else if err != nil {
			return err
		}

		// Read events to see if we have data available on inotify or if we are awaken.
		var hasData bool
		for _, event := range s.epoll.events[:n] {
			switch event.Fd {
			case int32(s.inotify.fd): // inotify file descriptor
				hasData = hasData || event.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLIN) != 0

			case int32(s.pipe.r): // wake pipe file descriptor
				if _, err := unix.Read(s.pipe.r, make([]byte, 1024)); err != nil && err != unix.EAGAIN {
					return fmt.Errorf("epoll pipe error: %w", err)
				}
			}
		}

		// Check if context is closed and then exit if data is available.
		if err := ctx.Err(); err != nil {
			return err
		} else if hasData {
			return nil
		}
	}
}

func (s *inotifySource) wake() error {
	if _, err := unix.Write(s.pipe.w, []byte{0}); err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

// inotifyTags converts an inotify event mask to raw event tags in a
// fixed order. The directory marker bit surfaces as its own "isdir"
// tag, outside the decoder vocabulary.
func inotifyTags(mask uint32) []string {
	var tags []string
	if mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0 {
		tags = append(tags, "created")
	}
	if mask&unix.IN_MODIFY != 0 {
		tags = append(tags, "modified")
	}
	if mask&unix.IN_CLOSE_WRITE != 0 {
		tags = append(tags, "closed")
	}
	if mask&(unix.IN_DELETE|unix.IN_DELETE_SELF) != 0 {
		tags = append(tags, "deleted")
	}
	if mask&(unix.IN_MOVED_FROM|unix.IN_MOVE_SELF) != 0 {
		tags = append(tags, "renamed")
	}
	if mask&unix.IN_ATTRIB != 0 {
		tags = append(tags, "attribute")
	}
	if len(tags) > 0 && mask&unix.IN_ISDIR != 0 {
		tags = append(tags, "isdir")
	}
	return tags
}
