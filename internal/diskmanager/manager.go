package diskmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/c2h5oh/datasize"
	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/sirupsen/logrus"
)

var (
	ErrDiskNotInitialized = errors.New("disk not initialized")
	ErrFileNotFound       = errors.New("file not found")
	ErrInvalidPath        = errors.New("invalid path")
	ErrDiskFull           = errors.New("disk full")
	ErrReadOnly           = errors.New("disk opened read-only")
	ErrUnsupportedBackend = errors.New("unsupported writer backend")
)

// DefaultVolumeLabel is used for freshly created images when no label is given.
const DefaultVolumeLabel = "FATSTAGE"

type Config struct {
	// DiskPath is the host path of the FAT image file.
	DiskPath string

	// ReadOnly opens the image without write access. Every write fails
	// with ErrReadOnly and the image file is left untouched.
	ReadOnly bool

	// AutoCreate creates the image (FAT32 over the whole disk) when
	// DiskPath does not exist, along with its parent directory. Existing
	// files are never reformatted.
	AutoCreate bool
	Size       datasize.ByteSize
	Label      string

	// Backend selects how writes reach the image.
	Backend Backend
}

type Manager struct {
	config Config

	// sync so multiple threads won't step on each other
	mu sync.RWMutex

	disk    *disk.Disk
	fatType FATType

	// filesystem is nil for non-FAT32 volumes, which only the loopback
	// backend can reach.
	filesystem filesystem.FileSystem

	writer FilesystemWriter

	log *logrus.Entry
}

func (m *Manager) openDisk() error {
	mode := diskfs.ReadWriteExclusive
	if m.config.ReadOnly {
		mode = diskfs.ReadOnly
	}

	fatType, err := DetectFATType(m.config.DiskPath)
	if err != nil {
		return err
	}
	if fatType != FAT32 && m.config.Backend != BackendLoopback {
		return fmt.Errorf("%w: %s volume, the %s backend handles FAT32 only (use the %s backend)",
			ErrUnsupportedFAT, fatType, m.config.Backend, BackendLoopback)
	}

	disk, err := diskfs.Open(m.config.DiskPath, diskfs.WithOpenMode(mode))
	if err != nil {
		return fmt.Errorf("failed to open disk: %w", err)
	}

	m.disk = disk
	m.fatType = fatType
	if fatType != FAT32 {
		// The kernel FAT driver does all reads and writes.
		return nil
	}

	fs, err := disk.GetFilesystem(0)
	if err != nil {
		_ = m.closeDisk()
		return fmt.Errorf("failed to get filesystem: %w", err)
	}

	m.filesystem = fs

	return nil
}

func (m *Manager) closeDisk() error {
	if m.disk == nil {
		return nil
	}
	err := m.disk.Close()
	m.disk = nil
	m.filesystem = nil
	m.fatType = FATUnknown
	return err
}

// Open opens the image described by config, creating it first when it is
// missing and config.AutoCreate is set.
// The caller is responsible for calling Close() when done to clean up resources.
//
// Example usage:
//
//	manager, err := diskmanager.Open(diskmanager.Config{DiskPath: "bin/os.bin"})
//	if err != nil {
//	    return err
//	}
//	defer manager.Close()
func Open(config Config) (*Manager, error) {
	if config.Backend == "" {
		config.Backend = BackendDiskfs
	}

	m := &Manager{
		config: config,
		log:    logrus.WithField("image", config.DiskPath),
	}

	_, err := os.Stat(m.config.DiskPath)
	switch {
	case os.IsNotExist(err) && config.AutoCreate && !config.ReadOnly:
		if err := CreateDiskImage(config.DiskPath, config.Size, config.Label); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("disk image %s doesn't exist: %w", m.config.DiskPath, err)
	}

	if err := m.openDisk(); err != nil {
		return nil, err
	}

	writer, err := NewFilesystemWriter(config.Backend, config.DiskPath, m.filesystem)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	m.writer = writer

	m.log.WithFields(logrus.Fields{
		"read_only": config.ReadOnly,
		"backend":   config.Backend,
		"fat":       m.fatType,
	}).Debug("opened disk image")

	return m, nil
}

// CreateDiskImage creates a new image of the given size at diskPath holding
// a single FAT32 filesystem that spans the whole disk.
func CreateDiskImage(diskPath string, size datasize.ByteSize, label string) error {
	if size == 0 {
		size = 32 * datasize.MB
	}
	if label == "" {
		label = DefaultVolumeLabel
	}

	if err := os.MkdirAll(filepath.Dir(diskPath), 0755); err != nil {
		return fmt.Errorf("failed to create image directory: %w", err)
	}

	mydisk, err := diskfs.Create(diskPath, int64(size.Bytes()),
		diskfs.SectorSizeDefault)

	if err != nil {
		return fmt.Errorf("failed to create disk: %w", err)
	}
	defer mydisk.Close()

	logrus.WithFields(logrus.Fields{
		"image": diskPath,
		"size":  size.HumanReadable(),
		"label": label,
	}).Info("created disk image")

	_, err = mydisk.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: strings.ToUpper(label),
	})
	if err != nil {
		return fmt.Errorf("failed to create filesystem: %w", err)
	}

	return nil
}

// Path returns the host path of the image.
func (m *Manager) Path() string {
	return m.config.DiskPath
}

// FATType reports the FAT variant of the open image.
func (m *Manager) FATType() FATType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fatType
}

// ReadOnly reports whether the image was opened without write access.
func (m *Manager) ReadOnly() bool {
	return m.config.ReadOnly
}

// Transaction represents a batch of write operations bracketed by the
// writer backend's Begin and End calls.
type Transaction struct {
	manager *Manager

	// began is set once the writer's Begin has run.
	began bool
}

// WriteFile writes a file to the disk within the transaction.
// The file path is normalized and parent directories are created automatically.
func (t *Transaction) WriteFile(filePath string, reader io.Reader, size int64) error {
	m := t.manager
	if m.disk == nil || m.writer == nil {
		return ErrDiskNotInitialized
	}
	if m.config.ReadOnly {
		return ErrReadOnly
	}

	filePath = normalizePath(filePath)
	if err := ValidatePath(filePath); err != nil {
		return err
	}

	if err := m.writer.WriteFile(filePath, reader, size); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"dest":  filePath,
		"bytes": size,
	}).Debug("wrote file")
	return nil
}

// ReadFile reads a file from the disk within the transaction, seeing
// every write made earlier in it. Writers that bypass go-diskfs serve the
// read themselves.
func (t *Transaction) ReadFile(filePath string) (io.ReadCloser, error) {
	if r, ok := t.manager.writer.(FilesystemReader); ok && t.began {
		return r.ReadFile(normalizePath(filePath))
	}
	return t.manager.readFile(filePath)
}

// BeginTransaction starts a new transaction for batch write operations.
// The writer backend is prepared before fn runs and finalized after it
// completes (or panics).
//
// Example usage:
//
//	err := manager.BeginTransaction(func(tx *diskmanager.Transaction) error {
//	    if err := tx.WriteFile("/file1.txt", reader1, size1); err != nil {
//	        return err
//	    }
//	    return tx.WriteFile("/file2.txt", reader2, size2)
//	})
func (m *Manager) BeginTransaction(fn func(*Transaction) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disk == nil || m.writer == nil {
		return ErrDiskNotInitialized
	}
	if m.config.ReadOnly {
		// Nothing may touch the image, not even a mount.
		return fn(&Transaction{manager: m})
	}

	if err := m.writer.Begin(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if endErr := m.writer.End(); endErr != nil {
			m.log.WithError(endErr).Warn("failed to finalize transaction")
			if err == nil {
				err = fmt.Errorf("failed to end transaction: %w", endErr)
			}
		}
		if m.config.Backend == BackendLoopback {
			// The kernel wrote behind go-diskfs' back, reload its view.
			if reopenErr := m.reopen(); reopenErr != nil && err == nil {
				err = reopenErr
			}
		}
	}()

	tx := &Transaction{manager: m, began: true}
	return fn(tx)
}

func (m *Manager) reopen() error {
	if err := m.closeDisk(); err != nil {
		return fmt.Errorf("failed to close disk: %w", err)
	}
	return m.openDisk()
}

// ReadFile reads a file from the disk
func (m *Manager) ReadFile(filePath string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.readFile(filePath)
}

func (m *Manager) readFile(filePath string) (io.ReadCloser, error) {
	if m.disk == nil {
		return nil, ErrDiskNotInitialized
	}
	if m.filesystem == nil {
		return nil, fmt.Errorf("%w: %s volume is only readable inside a %s transaction",
			ErrUnsupportedFAT, m.fatType, BackendLoopback)
	}

	filePath = normalizePath(filePath)

	file, err := m.filesystem.OpenFile(filePath, os.O_RDONLY)
	if err != nil {
		// Check for file not found error (diskfs returns specific error messages)
		errStr := err.Error()
		if os.IsNotExist(err) || strings.Contains(errStr, "does not exist") || strings.Contains(errStr, "not found") {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Close releases the disk image. Calling Close more than once is safe.
// It implements the io.Closer interface
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writer = nil
	if err := m.closeDisk(); err != nil {
		return fmt.Errorf("failed to close disk: %w", err)
	}
	return nil
}
