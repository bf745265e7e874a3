package diskmanager

import (
	"fmt"

	"github.com/diskfs/go-diskfs/filesystem"
)

// Backend names a FilesystemWriter implementation.
type Backend string

const (
	// BackendDiskfs writes through go-diskfs and works everywhere.
	BackendDiskfs Backend = "diskfs"

	// BackendLoopback mounts the image with the kernel FAT driver. Linux
	// only, needs privileges to mount.
	BackendLoopback Backend = "loopback"
)

// ParseBackend maps a backend name to a Backend.
func ParseBackend(name string) (Backend, error) {
	switch b := Backend(name); b {
	case "", BackendDiskfs:
		return BackendDiskfs, nil
	case BackendLoopback:
		return b, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedBackend, name)
	}
}

// NewFilesystemWriter creates the FilesystemWriter for backend. fs is the
// already opened go-diskfs filesystem of the image at diskPath.
func NewFilesystemWriter(backend Backend, diskPath string, fs filesystem.FileSystem) (FilesystemWriter, error) {
	switch backend {
	case "", BackendDiskfs:
		return NewDiskfsFilesystemWriter(fs), nil
	case BackendLoopback:
		return newLoopbackWriterPlatform(diskPath)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, backend)
	}
}
