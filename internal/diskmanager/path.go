package diskmanager

import (
	"fmt"
	"path"
	"strings"
)

// maxNameLength is the longest VFAT long file name component.
const maxNameLength = 255

const invalidNameChars = `"*/:<>?\|`

// normalizePath normalizes a file path
func normalizePath(p string) string {
	// Ensure path starts with /
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	// Clean the path
	p = path.Clean(p)

	return p
}

// NormalizePath returns the absolute, cleaned form of an in-image path.
func NormalizePath(p string) string {
	return normalizePath(p)
}

// PathKey returns the key under which FAT looks up p. Names differing
// only in letter case address the same directory entry.
func PathKey(p string) string {
	return strings.ToUpper(normalizePath(p))
}

// ValidatePath checks a path against the VFAT long file name rules. The
// path is normalized first, so "." and ".." components are resolved rather
// than rejected, but a path that escapes or names the root is invalid.
func ValidatePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.Contains(p, "\\") {
		return fmt.Errorf("%w: %q contains a backslash", ErrInvalidPath, p)
	}

	p = normalizePath(p)
	if p == "/" {
		return fmt.Errorf("%w: path names the root directory", ErrInvalidPath)
	}

	for _, part := range splitPath(p) {
		if err := validateName(part); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidPath, p, err)
		}
	}
	return nil
}

func validateName(name string) error {
	if len(name) > maxNameLength {
		return fmt.Errorf("component %.16q... exceeds %d bytes", name, maxNameLength)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("component %q contains a control character", name)
		}
		if strings.ContainsRune(invalidNameChars, r) {
			return fmt.Errorf("component %q contains %q", name, r)
		}
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, " ") {
		return fmt.Errorf("component %q ends with a dot or space", name)
	}
	return nil
}

// splitPath splits a path into its components
func splitPath(p string) []string {
	var parts []string
	for {
		dir, file := path.Split(p)
		if file != "" {
			parts = append([]string{file}, parts...)
		}
		if dir == "" || dir == "/" {
			break
		}
		p = path.Clean(dir)
	}
	return parts
}
