package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval matches the cadence the agent has always shipped with.
// It is also the readiness trade-off: a writer that stalls for longer than one
// interval looks finished.
const DefaultPollInterval = 6 * time.Minute

// CycleSummary describes one completed polling cycle.
type CycleSummary struct {
	Cycle      uint64
	Candidates int
	Errors     int
	Duration   time.Duration
}

// PollConfig configures a PollSource.
type PollConfig struct {
	// Dir is the directory to enumerate (non-recursive).
	Dir string

	// Interval is the time between cycles. The first cycle runs immediately.
	Interval time.Duration

	// Extensions restricts candidates to these extensions (default .mp4).
	Extensions []string

	// OnCycle, if set, is called on the source goroutine after every cycle.
	OnCycle func(CycleSummary)
}

// PollSource enumerates a directory on a fixed interval and fingerprints
// every candidate. It emits one observation per candidate per cycle whether
// or not the file changed; deciding what a repeated fingerprint means is
// left to the tracker.
type PollSource struct {
	dir      string
	interval time.Duration
	exts     []string
	onCycle  func(CycleSummary)

	fingerprint func(string) (uint32, int64, error)

	events  chan Observation
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cycles  atomic.Uint64

	// seen is only touched by the polling goroutine.
	seen map[string]bool
}

// NewPollSource creates a PollSource. It must be started with Start.
func NewPollSource(cfg PollConfig) (*PollSource, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.Interval)
	}
	exts := make([]string, 0, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		exts = append(exts, NormalizeExt(ext))
	}
	return &PollSource{
		dir:         cfg.Dir,
		interval:    cfg.Interval,
		exts:        exts,
		onCycle:     cfg.OnCycle,
		fingerprint: Fingerprint,
	}, nil
}

// Start checks the directory, then runs the first cycle immediately and one
// cycle per interval after that until ctx is cancelled or Stop is called.
func (ps *PollSource) Start(ctx context.Context) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.running {
		return ErrAlreadyRunning
	}

	dir, err := CheckDir(ps.dir)
	if err != nil {
		return err
	}
	if _, err := os.ReadDir(dir); err != nil {
		return fmt.Errorf("failed to read watch directory %s: %w", dir, err)
	}
	ps.dir = dir

	ps.events = make(chan Observation, 100)
	ps.errors = make(chan error, 10)
	ps.done = make(chan struct{})
	ps.seen = make(map[string]bool)
	ps.running = true

	ps.wg.Add(1)
	go ps.run(ctx, ps.events, ps.errors, ps.done)

	return nil
}

// Stop ends polling and waits for the polling goroutine to exit.
// The Observations and Errors channels are closed afterwards.
func (ps *PollSource) Stop() error {
	ps.mu.Lock()
	if !ps.running {
		ps.mu.Unlock()
		return nil
	}
	ps.running = false
	close(ps.done)
	ps.mu.Unlock()

	ps.wg.Wait()
	return nil
}

// Observations returns the channel of observations for the current run.
func (ps *PollSource) Observations() <-chan Observation {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.events
}

// Errors returns the channel of recoverable errors for the current run.
func (ps *PollSource) Errors() <-chan error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.errors
}

// Dir returns the absolute directory being polled once started.
func (ps *PollSource) Dir() string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.dir
}

// Cycles returns the number of cycles started so far.
func (ps *PollSource) Cycles() uint64 {
	return ps.cycles.Load()
}

func (ps *PollSource) run(ctx context.Context, events chan<- Observation, errs chan<- error, done <-chan struct{}) {
	defer ps.wg.Done()
	defer close(errs)
	defer close(events)

	ticker := time.NewTicker(ps.interval)
	defer ticker.Stop()

	if !ps.cycle(ctx, events, errs, done) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if !ps.cycle(ctx, events, errs, done) {
				return
			}
		}
	}
}

// cycle runs one enumeration pass. It returns false when the source is
// shutting down.
func (ps *PollSource) cycle(ctx context.Context, events chan<- Observation, errs chan<- error, done <-chan struct{}) bool {
	start := time.Now()
	n := ps.cycles.Add(1)
	summary := CycleSummary{Cycle: n}

	entries, err := os.ReadDir(ps.dir)
	if err != nil {
		summary.Errors++
		if !sendErr(ctx, errs, done, fmt.Errorf("cycle %d: failed to read directory %s: %w", n, ps.dir, err)) {
			return false
		}
		ps.finishCycle(summary, start)
		return true
	}

	current := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !IsVideo(entry.Name(), ps.exts) {
			continue
		}
		path := filepath.Join(ps.dir, entry.Name())
		current[path] = true
		summary.Candidates++

		fp, size, err := ps.fingerprint(path)
		if err != nil {
			summary.Errors++
			if !sendErr(ctx, errs, done, fmt.Errorf("cycle %d: skipping %s: %w", n, path, err)) {
				return false
			}
			continue
		}

		op := OpModify
		if !ps.seen[path] {
			op = OpCreate
		}
		obs := Observation{
			Path:           path,
			Op:             op,
			Fingerprint:    fp,
			HasFingerprint: true,
			Size:           size,
			Cycle:          n,
		}
		if !send(ctx, events, done, obs) {
			return false
		}
	}

	var gone []string
	for path := range ps.seen {
		if !current[path] {
			gone = append(gone, path)
		}
	}
	sort.Strings(gone)
	for _, path := range gone {
		if !send(ctx, events, done, Observation{Path: path, Op: OpDelete, Cycle: n}) {
			return false
		}
	}
	ps.seen = current

	ps.finishCycle(summary, start)
	return true
}

func (ps *PollSource) finishCycle(summary CycleSummary, start time.Time) {
	summary.Duration = time.Since(start)
	if ps.onCycle != nil {
		ps.onCycle(summary)
	}
}

func send(ctx context.Context, ch chan<- Observation, done <-chan struct{}, obs Observation) bool {
	select {
	case ch <- obs:
		return true
	case <-ctx.Done():
		return false
	case <-done:
		return false
	}
}

func sendErr(ctx context.Context, ch chan<- error, done <-chan struct{}, err error) bool {
	select {
	case ch <- err:
		return true
	case <-ctx.Done():
		return false
	case <-done:
		return false
	}
}
