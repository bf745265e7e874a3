//go:build !linux

package diskmanager

import "fmt"

// Loopback mounts need the Linux kernel FAT driver.
func newLoopbackWriterPlatform(diskPath string) (FilesystemWriter, error) {
	return nil, fmt.Errorf("%w: loopback is only available on linux", ErrUnsupportedBackend)
}
