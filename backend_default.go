//go:build !linux

package dirwatch

// NewBackend returns an instance of FsnotifyBackend on systems without
// a native backend.
func NewBackend() Backend {
	return NewFsnotifyBackend()
}

// NewRecursiveBackend returns the platform backend configured to watch
// directory trees recursively.
func NewRecursiveBackend() Backend {
	return &FsnotifyBackend{Recursive: true}
}
