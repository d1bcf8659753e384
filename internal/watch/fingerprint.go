package watch

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

// Fingerprint computes the CRC32 (IEEE) checksum of the whole file along
// with the number of bytes hashed.
func Fingerprint(path string) (uint32, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = f.Close() }()

	h := crc32.NewIEEE()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return h.Sum32(), n, nil
}

// CheckDir verifies that dir exists and is a directory and returns its
// absolute, cleaned form.
func CheckDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrWatchDirMissing, abs)
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}
	return abs, nil
}
