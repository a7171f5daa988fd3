package os

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/creachadair/atomicfile"
)

// EnsureDir creates dir and its parents with mode if it does not exist.
func EnsureDir(dir string, mode os.FileMode) error {
	if err := os.MkdirAll(dir, mode); err != nil {
		return fmt.Errorf("could not create directory %q: %w", dir, err)
	}
	return nil
}

// FileExists reports whether something exists at filePath.
func FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !os.IsNotExist(err)
}

// WriteFileAtomic replaces filePath with data so readers never observe a
// partial file. The parent directory is created if needed.
func WriteFileAtomic(filePath string, data []byte, mode os.FileMode) error {
	if err := EnsureDir(filepath.Dir(filePath), 0o700); err != nil {
		return err
	}
	_, err := atomicfile.WriteAll(filePath, bytes.NewReader(data), mode)
	return err
}
