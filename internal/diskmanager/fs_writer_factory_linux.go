//go:build linux

package diskmanager

func newLoopbackWriterPlatform(diskPath string) (FilesystemWriter, error) {
	return NewLoopbackFilesystemWriter(diskPath), nil
}
