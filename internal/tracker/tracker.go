// Package tracker keeps per-path state across observation cycles and decides
// when a file is ready to upload.
//
// In polling mode a file becomes ready when two consecutive cycles report
// the same fingerprint. In notification mode readiness comes from the
// stability detector and the tracker only de-duplicates events for paths
// that already have a check or upload outstanding.
package tracker

import (
	"sort"
	"sync"
)

// Classification is the outcome of feeding one observation to the tracker.
type Classification int

const (
	// New means the path was not tracked; it is now, but it is not ready.
	New Classification = iota
	// Modified means the fingerprint changed since the previous cycle.
	Modified
	// Ready means the fingerprint was unchanged across two consecutive
	// cycles. The entry has been removed so the file is handed out once.
	Ready
	// Pending means the path is already claimed by an outstanding check or
	// upload and the observation was absorbed.
	Pending
	// Gone means the path disappeared and its entry was dropped.
	Gone
)

// String returns a human-readable representation of the classification.
func (c Classification) String() string {
	switch c {
	case New:
		return "new"
	case Modified:
		return "modified"
	case Ready:
		return "ready"
	case Pending:
		return "pending"
	case Gone:
		return "gone"
	default:
		return "unknown"
	}
}

type state int

const (
	stateTracked state = iota
	stateClaimed
)

type entry struct {
	state       state
	fingerprint uint32
	dirty       bool
}

// Entry is a read-only copy of one tracked path.
type Entry struct {
	Path        string
	Fingerprint uint32
	Claimed     bool
	Dirty       bool
}

// Tracker holds the tracked file entries for one watched directory.
//
// The engine loop is the only writer. The mutex exists so that diagnostics
// (Len, Snapshot) can be read from other goroutines.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*entry)}
}

// Observe applies the two-cycle rule for a polled fingerprint.
//
//   - untracked: start tracking fp, return New
//   - tracked with the same fp: stop tracking, return Ready
//   - tracked with another fp: store fp, return Modified
//
// A claimed path (notification mode) is left alone and reported as Pending.
func (t *Tracker) Observe(path string, fp uint32) Classification {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[path]
	if !ok {
		t.entries[path] = &entry{state: stateTracked, fingerprint: fp}
		return New
	}

	switch e.state {
	case stateClaimed:
		e.dirty = true
		return Pending
	default:
		if e.fingerprint == fp {
			delete(t.entries, path)
			return Ready
		}
		e.fingerprint = fp
		return Modified
	}
}

// Claim marks path as having an outstanding stability check or upload.
// It returns false if the path is already claimed, in which case the
// claim is flagged dirty so the holder knows more events arrived.
func (t *Tracker) Claim(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[path]; ok && e.state == stateClaimed {
		e.dirty = true
		return false
	}
	t.entries[path] = &entry{state: stateClaimed}
	return true
}

// Release drops the claim on path and reports whether events arrived while
// it was held. Releasing an unclaimed path is a no-op.
func (t *Tracker) Release(path string) (dirty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[path]
	if !ok || e.state != stateClaimed {
		return false
	}
	delete(t.entries, path)
	return e.dirty
}

// ClearDirty resets the dirty flag of a claimed path and returns its old value.
func (t *Tracker) ClearDirty(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[path]
	if !ok || e.state != stateClaimed {
		return false
	}
	dirty := e.dirty
	e.dirty = false
	return dirty
}

// Forget removes the tracked entry for path and reports whether it did.
// A claimed path is kept, marked dirty and reported as false; its holder
// decides what to do.
func (t *Tracker) Forget(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[path]
	if !ok {
		return false
	}
	if e.state == stateClaimed {
		e.dirty = true
		return false
	}
	delete(t.entries, path)
	return true
}

// Pending reports whether path is currently claimed.
func (t *Tracker) Pending(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[path]
	return ok && e.state == stateClaimed
}

// Tracked reports whether path has an entry of any kind.
func (t *Tracker) Tracked(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.entries[path]
	return ok
}

// Len returns the number of entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns a copy of all entries sorted by path.
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.entries))
	for path, e := range t.entries {
		out = append(out, Entry{
			Path:        path,
			Fingerprint: e.fingerprint,
			Claimed:     e.state == stateClaimed,
			Dirty:       e.dirty,
		})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
