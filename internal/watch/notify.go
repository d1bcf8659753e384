package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// NotifyConfig configures a NotifySource.
type NotifyConfig struct {
	// Dir is the directory to subscribe to (non-recursive).
	Dir string

	// Extensions restricts events to these extensions (default .mp4).
	Extensions []string

	// ScanExisting emits an OpCreate for every matching file already in Dir
	// when the subscription starts.
	ScanExisting bool
}

// NotifySource forwards native filesystem change notifications for one
// directory. Observations carry only a path; deciding whether the file is
// finished is up to the stability detector.
type NotifySource struct {
	dir          string
	exts         []string
	scanExisting bool

	events  chan Observation
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewNotifySource creates a NotifySource. It must be started with Start.
func NewNotifySource(cfg NotifyConfig) (*NotifySource, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	exts := make([]string, 0, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		exts = append(exts, NormalizeExt(ext))
	}
	return &NotifySource{
		dir:          cfg.Dir,
		exts:         exts,
		scanExisting: cfg.ScanExisting,
	}, nil
}

// Start subscribes to the directory. Failing to create the watcher or to
// add the directory is fatal and returned immediately.
func (ns *NotifySource) Start(ctx context.Context) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.running {
		return ErrAlreadyRunning
	}

	dir, err := CheckDir(ns.dir)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	ns.dir = dir

	ns.events = make(chan Observation, 100)
	ns.errors = make(chan error, 10)
	ns.done = make(chan struct{})
	ns.running = true

	ns.wg.Add(1)
	go ns.processEvents(ctx, watcher, ns.events, ns.errors, ns.done)

	return nil
}

// Stop tears down the subscription and blocks until the event goroutine has
// exited. The Observations and Errors channels are closed afterwards.
func (ns *NotifySource) Stop() error {
	ns.mu.Lock()
	if !ns.running {
		ns.mu.Unlock()
		return nil
	}
	ns.running = false
	close(ns.done)
	ns.mu.Unlock()

	ns.wg.Wait()
	return nil
}

// Observations returns the channel of observations for the current run.
func (ns *NotifySource) Observations() <-chan Observation {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.events
}

// Errors returns the channel of watcher errors for the current run.
func (ns *NotifySource) Errors() <-chan error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.errors
}

// Dir returns the absolute directory being watched once started.
func (ns *NotifySource) Dir() string {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.dir
}

// IsRunning returns true if the source is currently subscribed.
func (ns *NotifySource) IsRunning() bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.running
}

func (ns *NotifySource) processEvents(ctx context.Context, watcher *fsnotify.Watcher, events chan<- Observation, errs chan<- error, done <-chan struct{}) {
	defer ns.wg.Done()
	defer close(errs)
	defer close(events)
	defer func() { _ = watcher.Close() }()

	if ns.scanExisting && !ns.scan(ctx, events, errs, done) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if obs, ok := ns.convertEvent(event); ok {
				if !send(ctx, events, done, obs) {
					return
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if !sendErr(ctx, errs, done, fmt.Errorf("watcher error: %w", err)) {
				return
			}
		}
	}
}

// scan emits OpCreate for matching files that predate the subscription.
func (ns *NotifySource) scan(ctx context.Context, events chan<- Observation, errs chan<- error, done <-chan struct{}) bool {
	entries, err := os.ReadDir(ns.dir)
	if err != nil {
		return sendErr(ctx, errs, done, fmt.Errorf("failed to scan %s: %w", ns.dir, err))
	}
	for _, entry := range entries {
		if entry.IsDir() || !IsVideo(entry.Name(), ns.exts) {
			continue
		}
		obs := Observation{Path: filepath.Join(ns.dir, entry.Name()), Op: OpCreate}
		if !send(ctx, events, done, obs) {
			return false
		}
	}
	return true
}

// convertEvent converts an fsnotify event to an Observation.
// Returns (Observation, true) if the event should be forwarded.
func (ns *NotifySource) convertEvent(event fsnotify.Event) (Observation, bool) {
	if !IsVideo(event.Name, ns.exts) {
		return Observation{}, false
	}

	path := filepath.Clean(event.Name)
	if !filepath.IsAbs(path) {
		path = filepath.Join(ns.dir, path)
	}
	if filepath.Dir(path) != ns.dir {
		return Observation{}, false
	}

	var op Op
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		// the new name arrives as a separate Create
		op = OpDelete
	default:
		return Observation{}, false
	}

	return Observation{Path: path, Op: op}, true
}
