package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
)

// Store is a remote blob store reachable with a single request per object.
//
// Implementations must return nil from Put only when the store acknowledged
// the object; the coordinator deletes the local file on that signal alone.
type Store interface {
	// Name identifies the provider ("azure", "s3").
	Name() string

	// URL composes the destination for an object name.
	URL(name string) string

	// Put transfers body to job's destination in one request.
	Put(ctx context.Context, job Job, body []byte) error
}

var (
	// ErrInFlight is returned by Submit when the path already has a job running.
	ErrInFlight = errors.New("upload already in flight for path")

	// ErrFileChanged is reported when the file no longer matches the
	// fingerprint it had when it was classified ready.
	ErrFileChanged = errors.New("file changed since it was classified ready")
)

// StatusError is returned when the store answered with a non-success status.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("store responded %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("store responded %s", e.Status)
}

// IsRetryable reports whether err is likely to succeed on a later attempt:
// transport failures, throttling, server errors and files that changed under
// the upload. A file that is gone will not come back.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests ||
			se.Code == http.StatusRequestTimeout ||
			se.Code >= 500
	}
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
