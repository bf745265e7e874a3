//go:build linux

package diskmanager

import (
	"errors"
	"testing"
)

// Opening a FAT16 volume for loopback needs no privileges; only the mount
// at Begin does.
func TestOpenFAT16WithLoopbackBackend(t *testing.T) {
	diskPath := writeBootSector(t, fat16BPB, 20*1024*1024)

	manager, err := Open(Config{DiskPath: diskPath, Backend: BackendLoopback})
	if err != nil {
		t.Fatalf("Failed to open FAT16 image: %v", err)
	}
	defer manager.Close()

	if got := manager.FATType(); got != FAT16 {
		t.Errorf("FATType() = %v, expected FAT16", got)
	}
	if _, err := manager.ReadFile("blank"); !errors.Is(err, ErrUnsupportedFAT) {
		t.Errorf("Expected ErrUnsupportedFAT outside a transaction, got %v", err)
	}
}
