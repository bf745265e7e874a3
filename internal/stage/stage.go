// Package stage copies host files into a FAT image.
//
// The image is always an explicit handle passed to Stage or Run; the package
// keeps no global state. Any type with a WriteFile method of the right shape
// can stand in for a real image, which is how the tests run without one.
package stage

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"

	"github.com/jgarman/fatstage/internal/diskmanager"
)

// Image is the write side of an open image handle.
type Image interface {
	// WriteFile creates or truncates imagePath and fills it with size
	// bytes from r.
	WriteFile(imagePath string, r io.Reader, size int64) error
}

// ReadableImage is an Image whose files can be read back.
type ReadableImage interface {
	Image
	ReadFile(imagePath string) (io.ReadCloser, error)
}

var (
	errShortCopy  = errors.New("source shrank during copy")
	errShortWrite = errors.New("short write")
)

// Stage copies the regular file at hostPath to imagePath inside img and
// returns the number of bytes written. imagePath is checked before the
// source is opened, and the source is opened before img is touched, so a
// missing source or a bad destination leaves the image unmodified.
func Stage(img Image, hostPath, imagePath string) (int64, error) {
	return stage(img, hostPath, imagePath, nil)
}

func stage(img Image, hostPath, imagePath string, digest hash.Hash) (int64, error) {
	if err := diskmanager.ValidatePath(imagePath); err != nil {
		return 0, newError(KindDestinationPathInvalid, imagePath, err)
	}

	src, err := os.Open(hostPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, newError(KindSourceNotFound, hostPath, err)
		}
		return 0, newError(KindSourceUnreadable, hostPath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, newError(KindSourceUnreadable, hostPath, err)
	}
	if !info.Mode().IsRegular() {
		return 0, newError(KindSourceUnreadable, hostPath, fmt.Errorf("not a regular file (%s)", info.Mode().Type()))
	}

	size := info.Size()
	r := &sourceReader{r: src}
	var body io.Reader = r
	if digest != nil {
		body = io.TeeReader(r, digest)
	}

	if err := img.WriteFile(imagePath, body, size); err != nil {
		if r.err != nil {
			return r.n, newError(KindSourceUnreadable, hostPath, r.err)
		}
		if r.eof && r.n < size {
			return r.n, newError(KindSourceUnreadable, hostPath,
				fmt.Errorf("%w: read %d bytes, expected %d", errShortCopy, r.n, size))
		}
		if errors.Is(err, diskmanager.ErrInvalidPath) {
			return r.n, newError(KindDestinationPathInvalid, imagePath, err)
		}
		return r.n, newError(KindDestinationWriteError, imagePath, err)
	}
	if r.eof && r.n < size {
		return r.n, newError(KindSourceUnreadable, hostPath,
			fmt.Errorf("%w: read %d bytes, expected %d", errShortCopy, r.n, size))
	}
	if r.n != size {
		return r.n, newError(KindDestinationWriteError, imagePath,
			fmt.Errorf("%w: image took %d of %d bytes", errShortWrite, r.n, size))
	}

	return r.n, nil
}

// sourceReader remembers read errors and end of file so they can be told
// apart from write errors surfacing through Image.WriteFile.
type sourceReader struct {
	r   io.Reader
	n   int64
	eof bool
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	switch {
	case err == io.EOF:
		s.eof = true
	case err != nil:
		s.err = err
	}
	return n, err
}
