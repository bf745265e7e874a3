package diskmanager

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/diskfs/go-diskfs/filesystem"
)

// DiskfsFilesystemWriter uses go-diskfs for filesystem writes
type DiskfsFilesystemWriter struct {
	filesystem filesystem.FileSystem
}

// NewDiskfsFilesystemWriter creates a new go-diskfs based filesystem writer
func NewDiskfsFilesystemWriter(fs filesystem.FileSystem) *DiskfsFilesystemWriter {
	return &DiskfsFilesystemWriter{
		filesystem: fs,
	}
}

// Begin prepares the filesystem for writing (no-op for diskfs)
func (w *DiskfsFilesystemWriter) Begin() error {
	if w.filesystem == nil {
		return ErrDiskNotInitialized
	}
	return nil
}

// ensureDir creates all parent directories for a path
func (w *DiskfsFilesystemWriter) ensureDir(dirPath string) error {
	currentPath := "/"

	for _, part := range splitPath(dirPath) {
		currentPath = path.Join(currentPath, part)

		// Try to create directory - if it already exists, Mkdir will return an error
		// which we can safely ignore
		if err := w.filesystem.Mkdir(currentPath); err != nil && !os.IsExist(err) {
			if isOutOfSpaceError(err) {
				return ErrDiskFull
			}
			return fmt.Errorf("failed to create directory %s: %w", currentPath, err)
		}
	}

	return nil
}

// WriteFile writes a file to the filesystem using go-diskfs. A negative
// size copies until reader is exhausted.
func (w *DiskfsFilesystemWriter) WriteFile(filePath string, reader io.Reader, size int64) (err error) {
	if w.filesystem == nil {
		return ErrDiskNotInitialized
	}

	filePath = normalizePath(filePath)

	// Ensure parent directory exists
	dir := path.Dir(filePath)
	if dir != "/" && dir != "." {
		if err := w.ensureDir(dir); err != nil {
			return err
		}
	}

	file, err := w.filesystem.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
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

	var n int64
	if size < 0 {
		n, err = io.Copy(file, reader)
	} else {
		n, err = io.CopyN(file, reader, size)
	}
	if err != nil {
		if isOutOfSpaceError(err) {
			return ErrDiskFull
		}
		if err == io.EOF {
			return fmt.Errorf("failed to write file: short copy of %d/%d bytes: %w", n, size, io.ErrUnexpectedEOF)
		}
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// End finalizes the filesystem writes (no-op for diskfs)
func (w *DiskfsFilesystemWriter) End() error {
	return nil
}
