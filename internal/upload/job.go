package upload

import (
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mschirtzinger/vidpush/internal/watch"
)

// Job is one file on its way to the blob store. A job owns copies of its
// path and destination and touches no shared state besides the filesystem
// and the network.
type Job struct {
	// ID correlates log lines, dashboard events and ledger rows.
	ID string

	// Path is the absolute local path.
	Path string

	// Name is the object name in the store (the file's base name).
	Name string

	// URL is the destination as composed by the store.
	URL string

	// Provider is the store's name ("azure", "s3").
	Provider string

	// ContentType is the video MIME type sent with the body.
	ContentType string

	// Fingerprint is the CRC32 the file had when it was classified ready.
	// Only meaningful when HasFingerprint is set.
	Fingerprint    uint32
	HasFingerprint bool

	// Size is the size the file had when it was classified ready.
	Size int64

	// Attempt counts submissions of this path, starting at 1.
	Attempt int

	CreatedAt time.Time
}

// NewJob builds a job for path against store.
func NewJob(store Store, path string) Job {
	name := filepath.Base(path)
	return Job{
		ID:          uuid.NewString(),
		Path:        path,
		Name:        name,
		URL:         store.URL(name),
		Provider:    store.Name(),
		ContentType: watch.ContentType(path),
		Attempt:     1,
		CreatedAt:   time.Now(),
	}
}

// WithFingerprint returns a copy of j pinned to the given content.
func (j Job) WithFingerprint(fp uint32, size int64) Job {
	j.Fingerprint = fp
	j.HasFingerprint = true
	j.Size = size
	return j
}

// Retry returns a copy of j for the next attempt with a fresh ID.
func (j Job) Retry() Job {
	j.ID = uuid.NewString()
	j.Attempt++
	j.CreatedAt = time.Now()
	return j
}

// RedactedURL returns URL without its query string, which for Azure carries
// the SAS token.
func (j Job) RedactedURL() string {
	return RedactURL(j.URL)
}

// RedactURL strips query and fragment from raw. Unparseable input is cut
// at the first '?'.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexByte(raw, '?'); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}
