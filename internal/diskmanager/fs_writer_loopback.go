package diskmanager

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// LoopbackFilesystemWriter uses loopback mounting for fast filesystem writes
type LoopbackFilesystemWriter struct {
	diskPath string
	mountDir string
}

// NewLoopbackFilesystemWriter creates a new loopback-based filesystem writer
func NewLoopbackFilesystemWriter(diskPath string) *LoopbackFilesystemWriter {
	return &LoopbackFilesystemWriter{
		diskPath: diskPath,
	}
}

// Begin mounts the disk image to a temporary directory using loopback mount
func (w *LoopbackFilesystemWriter) Begin() error {
	mountDir, err := os.MkdirTemp("", "fatstage-mount-*")
	if err != nil {
		return fmt.Errorf("failed to create temp mount directory: %w", err)
	}

	cmd := exec.Command("mount", "-o", "loop", w.diskPath, mountDir)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(mountDir)
		return fmt.Errorf("failed to mount loopback: %w (output: %s)", err, string(output))
	}

	w.mountDir = mountDir
	return nil
}

var errNotMounted = errors.New("filesystem not mounted")

// resolve maps an in-image path onto the mount. A symlink or .. can never
// leave it.
func (w *LoopbackFilesystemWriter) resolve(filePath string) (string, error) {
	if w.mountDir == "" {
		return "", errNotMounted
	}
	absPath, err := securejoin.SecureJoin(w.mountDir, normalizePath(filePath))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return absPath, nil
}

// WriteFile writes a file to the mounted filesystem using standard OS operations
func (w *LoopbackFilesystemWriter) WriteFile(filePath string, reader io.Reader, size int64) (err error) {
	absPath, err := w.resolve(filePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		if isOutOfSpaceError(err) {
			return ErrDiskFull
		}
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(absPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		if isOutOfSpaceError(err) {
			return ErrDiskFull
		}
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close file: %w", cerr)
		}
	}()

	// Use a large buffered writer (1MB) for better performance
	bufferedWriter := bufio.NewWriterSize(file, 1024*1024)

	src := reader
	if size >= 0 {
		src = io.LimitReader(reader, size)
	}
	n, err := io.Copy(bufferedWriter, src)
	if err != nil {
		if isOutOfSpaceError(err) {
			return ErrDiskFull
		}
		return fmt.Errorf("failed to write file: %w", err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("failed to write file: short copy of %d/%d bytes: %w", n, size, io.ErrUnexpectedEOF)
	}

	if err := bufferedWriter.Flush(); err != nil {
		if isOutOfSpaceError(err) {
			return ErrDiskFull
		}
		return fmt.Errorf("failed to flush file: %w", err)
	}

	return nil
}

// ReadFile opens a file on the mounted filesystem, so writes made earlier
// in the transaction are visible.
func (w *LoopbackFilesystemWriter) ReadFile(filePath string) (io.ReadCloser, error) {
	absPath, err := w.resolve(filePath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// End unmounts the loopback mount and removes the temporary directory
func (w *LoopbackFilesystemWriter) End() error {
	if w.mountDir == "" {
		return nil // Already unmounted or never mounted
	}

	cmd := exec.Command("umount", w.mountDir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to unmount: %w (output: %s)", err, string(output))
	}

	if err := os.RemoveAll(w.mountDir); err != nil {
		return fmt.Errorf("failed to remove temp directory: %w", err)
	}

	w.mountDir = ""
	return nil
}
