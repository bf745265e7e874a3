package diskmanager

import (
	"errors"
	"io"
	"strings"
	"syscall"
)

// FilesystemWriter is an interface for writing files to the disk image.
// Different implementations can use different methods (go-diskfs, loopback mount)
type FilesystemWriter interface {
	// Begin prepares the filesystem for writing (e.g., mounting)
	Begin() error

	// WriteFile writes a file to the filesystem at the given path,
	// truncating any existing content
	WriteFile(filePath string, reader io.Reader, size int64) error

	// End finalizes the filesystem writes (e.g., unmounting)
	End() error
}

// FilesystemReader is implemented by writers whose writes are not visible
// through go-diskfs until End. Reads inside a transaction go through it.
type FilesystemReader interface {
	ReadFile(filePath string) (io.ReadCloser, error)
}

// isOutOfSpaceError checks if an error is a "no space left on device" error
func isOutOfSpaceError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "no space left") || strings.Contains(msg, "insufficient space")
}
