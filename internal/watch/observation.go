package watch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// Op represents the kind of change a Source observed.
type Op int

const (
	// OpCreate indicates the source saw the path for the first time.
	OpCreate Op = iota
	// OpModify indicates the path was seen again or written to.
	OpModify
	// OpDelete indicates the path disappeared from the directory.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Observation is a single sighting of a candidate file.
//
// PollSource fills in Fingerprint and Size; NotifySource only knows the path
// and leaves HasFingerprint false.
type Observation struct {
	// Path is the absolute, cleaned path of the file.
	Path string
	// Op is the change kind.
	Op Op
	// Fingerprint is the CRC32 of the full file contents.
	Fingerprint uint32
	// HasFingerprint reports whether Fingerprint was computed.
	HasFingerprint bool
	// Size is the file size at fingerprint time.
	Size int64
	// Cycle is the polling cycle that produced the observation (0 for notifications).
	Cycle uint64
}

// Source produces observations for a single directory.
//
// Start fails fast when the directory cannot be read or subscribed to.
// After a successful Start, recoverable problems (a file vanishing mid-read,
// a cycle where the directory is briefly unreadable) are delivered on Errors
// and the source keeps running until Stop or context cancellation. Both
// channels are closed once the source has shut down.
type Source interface {
	Start(ctx context.Context) error
	Observations() <-chan Observation
	Errors() <-chan error
	Stop() error
}

var (
	// ErrAlreadyRunning is returned by Start on a running source.
	ErrAlreadyRunning = errors.New("source already running")

	// ErrWatchDirMissing is returned when the watch directory does not exist.
	ErrWatchDirMissing = errors.New("watch directory does not exist")

	// ErrNotDirectory is returned when the watch path is not a directory.
	ErrNotDirectory = errors.New("watch path is not a directory")
)

// DefaultExtensions is the recognized video extension class.
var DefaultExtensions = []string{".mp4"}

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
}

// IsVideo reports whether path has one of the given extensions.
// The comparison ignores case; an empty exts falls back to DefaultExtensions.
func IsVideo(path string, exts []string) bool {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, allowed := range exts {
		if ext == NormalizeExt(allowed) {
			return true
		}
	}
	return false
}

// NormalizeExt lowercases ext and makes sure it starts with a dot.
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// ContentType returns the video MIME type for path, defaulting to video/mp4.
func ContentType(path string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}
	return "video/mp4"
}
