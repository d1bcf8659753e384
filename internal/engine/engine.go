// Package engine ties a watch source, the tracker and the upload coordinator
// together.
//
// The engine:
// 1. Starts the configured source (directory polling or filesystem events)
// 2. Classifies every observation through the tracker
// 3. Hands ready files to the coordinator without waiting for the transfer
// 4. Stops on context cancellation and lets running uploads finish
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mschirtzinger/vidpush/internal/stability"
	"github.com/mschirtzinger/vidpush/internal/tracker"
	"github.com/mschirtzinger/vidpush/internal/upload"
	"github.com/mschirtzinger/vidpush/internal/watch"
)

// Strategy selects how the directory is observed.
type Strategy string

const (
	// StrategyPoll enumerates the directory on an interval and uploads a
	// file once two consecutive cycles report the same fingerprint.
	StrategyPoll Strategy = "poll"

	// StrategyNotify reacts to filesystem events and uploads a file once
	// the stability detector sees its size settle.
	StrategyNotify Strategy = "notify"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyPoll, "":
		return StrategyPoll, nil
	case StrategyNotify:
		return StrategyNotify, nil
	default:
		return "", fmt.Errorf("unknown watch strategy %q (want poll or notify)", s)
	}
}

// ErrAlreadyRunning is returned by Run when the engine is already running.
var ErrAlreadyRunning = errors.New("engine already running")

// Config holds configuration for the engine.
type Config struct {
	// Strategy selects polling or filesystem notifications.
	Strategy Strategy

	// Extensions restricts candidates (default .mp4).
	Extensions []string

	// Interval is the polling period (poll strategy).
	Interval time.Duration

	// ScanExisting offers files already in the directory at startup
	// (notify strategy; polling always sees them).
	ScanExisting bool

	// Stability decides readiness (notify strategy).
	Stability *stability.Detector

	// MaxRetries bounds re-attempts of a failed upload (notify strategy).
	// Polling never retries: the next cycles rediscover the file.
	MaxRetries int

	// RetryBackoff is the wait before a retry's stability check.
	RetryBackoff time.Duration

	// ShutdownTimeout bounds how long Run waits for in-flight uploads
	// after the context is cancelled.
	ShutdownTimeout time.Duration

	// Observers receive engine activity.
	Observers []Observer

	// Verbose logs every observation and cycle.
	Verbose bool

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Strategy:        StrategyPoll,
		Extensions:      watch.DefaultExtensions,
		Interval:        watch.DefaultPollInterval,
		ScanExisting:    true,
		Stability:       stability.New(stability.DefaultSamples, stability.DefaultInterval),
		MaxRetries:      3,
		RetryBackoff:    30 * time.Second,
		ShutdownTimeout: time.Minute,
		Logger:          log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Stats is a point-in-time view of engine counters.
type Stats struct {
	Dir       string    `json:"dir"`
	Strategy  Strategy  `json:"strategy"`
	Store     string    `json:"store"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`

	Cycles       uint64 `json:"cycles"`
	Observations uint64 `json:"observations"`
	Tracked      int    `json:"tracked"`
	InFlight     int    `json:"in_flight"`
	Started      uint64 `json:"started"`
	Uploaded     uint64 `json:"uploaded"`
	Failed       uint64 `json:"failed"`
	Retries      uint64 `json:"retries"`
}

// checkResult carries a finished stability check back to the loop.
type checkResult struct {
	path   string
	stable bool
	err    error

	// prev is the failed job this check precedes a retry of.
	prev *upload.Job
}

// Engine watches one directory and uploads the files that become ready.
//
// The loop goroutine is the only writer of the tracker. Stability checks
// and upload completions run elsewhere and report back over channels.
type Engine struct {
	dir       string
	config    *Config
	coord     *upload.Coordinator
	tracker   *tracker.Tracker
	observers observers

	checks   chan checkResult
	outcomes chan upload.Outcome
	wg       sync.WaitGroup

	mu        sync.Mutex
	running   bool
	startedAt time.Time

	cycles       atomic.Uint64
	observations atomic.Uint64
	started      atomic.Uint64
	uploaded     atomic.Uint64
	failed       atomic.Uint64
	retries      atomic.Uint64
}

// New creates an engine for dir that uploads through coord.
// Use Run to start it.
func New(dir string, coord *upload.Coordinator, config *Config) (*Engine, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	strategy, err := ParseStrategy(string(config.Strategy))
	if err != nil {
		return nil, err
	}
	config.Strategy = strategy

	defaults := DefaultConfig()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if len(config.Extensions) == 0 {
		config.Extensions = defaults.Extensions
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Stability == nil {
		config.Stability = defaults.Stability
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff < 0 {
		config.RetryBackoff = 0
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	return &Engine{
		dir:       dir,
		config:    config,
		coord:     coord,
		tracker:   tracker.NewTracker(),
		observers: observers(config.Observers),
		checks:    make(chan checkResult, 16),
		outcomes:  make(chan upload.Outcome, 16),
	}, nil
}

// Run starts the source and processes observations until ctx is cancelled.
//
// A missing or unreadable directory, or a failed event subscription, is
// returned immediately. Errors inside a cycle are logged and skipped.
// On cancellation Run waits up to ShutdownTimeout for running uploads.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	source, err := e.newSource()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := source.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start %s watcher: %w", e.config.Strategy, err)
	}

	e.config.Logger.Printf("Watching %s (strategy %s, store %s)", e.dir, e.config.Strategy, e.coord.Store().Name())

	err = e.loop(runCtx, source)

	cancel()
	e.shutdown(source)
	return err
}

func (e *Engine) newSource() (watch.Source, error) {
	switch e.config.Strategy {
	case StrategyNotify:
		ns, err := watch.NewNotifySource(watch.NotifyConfig{
			Dir:          e.dir,
			Extensions:   e.config.Extensions,
			ScanExisting: e.config.ScanExisting,
		})
		if err != nil {
			return nil, err
		}
		return ns, nil
	default:
		ps, err := watch.NewPollSource(watch.PollConfig{
			Dir:        e.dir,
			Interval:   e.config.Interval,
			Extensions: e.config.Extensions,
			OnCycle:    e.onCycle,
		})
		if err != nil {
			return nil, err
		}
		return ps, nil
	}
}

func (e *Engine) loop(ctx context.Context, source watch.Source) error {
	observations := source.Observations()
	errs := source.Errors()

	for {
		select {
		case <-ctx.Done():
			e.config.Logger.Println("Shutdown signal received")
			return nil

		case obs, ok := <-observations:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher for %s stopped unexpectedly", e.dir)
			}
			e.handleObservation(ctx, obs)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			e.config.Logger.Printf("Warning: %v", err)

		case r := <-e.checks:
			e.handleCheck(ctx, r)

		case out := <-e.outcomes:
			e.handleOutcome(ctx, out)
		}
	}
}

func (e *Engine) shutdown(source watch.Source) {
	if err := source.Stop(); err != nil {
		e.config.Logger.Printf("Error stopping watcher: %v", err)
	}

	if n := e.coord.InFlight(); n > 0 {
		e.config.Logger.Printf("Waiting up to %s for %d upload(s) in flight", e.config.ShutdownTimeout, n)
		if !e.coord.WaitTimeout(e.config.ShutdownTimeout) {
			e.config.Logger.Printf("Warning: %d upload(s) still running at shutdown", e.coord.InFlight())
			return
		}
	}

	e.wg.Wait()
	e.config.Logger.Println("Engine stopped")
}

func (e *Engine) handleObservation(ctx context.Context, obs watch.Observation) {
	e.observations.Add(1)

	var class tracker.Classification
	switch {
	case obs.Op == watch.OpDelete:
		e.tracker.Forget(obs.Path)
		class = tracker.Gone
	case e.config.Strategy == StrategyNotify:
		class = tracker.Pending
		if e.tracker.Claim(obs.Path) {
			class = tracker.New
		}
	case !obs.HasFingerprint:
		return
	default:
		class = e.tracker.Observe(obs.Path, obs.Fingerprint)
	}

	if e.config.Verbose {
		e.config.Logger.Printf("%s %s: %s", obs.Op, obs.Path, class)
	}
	e.observers.observation(obs, class)

	switch {
	case e.config.Strategy == StrategyNotify && class == tracker.New:
		e.startCheck(ctx, obs.Path, nil, 0)
	case e.config.Strategy == StrategyPoll && class == tracker.Ready:
		job := upload.NewJob(e.coord.Store(), obs.Path).WithFingerprint(obs.Fingerprint, obs.Size)
		e.dispatch(ctx, job)
	}
}

// dispatch submits job and returns without waiting for it.
func (e *Engine) dispatch(ctx context.Context, job upload.Job) bool {
	ch, err := e.coord.Submit(ctx, job)
	if err != nil {
		e.config.Logger.Printf("Skipping %s: %v", job.Path, err)
		return false
	}

	e.started.Add(1)
	e.observers.started(job)

	e.wg.Add(1)
	go e.forward(ctx, ch)
	return true
}

// forward waits for one outcome, publishes it and, in notify mode, hands it
// back to the loop so the claim can be settled.
func (e *Engine) forward(ctx context.Context, ch <-chan upload.Outcome) {
	defer e.wg.Done()

	out, ok := <-ch
	if !ok {
		return
	}
	if out.Uploaded() {
		e.uploaded.Add(1)
	} else {
		e.failed.Add(1)
	}
	e.observers.finished(out)

	if e.config.Strategy != StrategyNotify {
		return
	}
	select {
	case e.outcomes <- out:
	case <-ctx.Done():
	}
}

// startCheck runs a stability check for path after delay.
func (e *Engine) startCheck(ctx context.Context, path string, prev *upload.Job, delay time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			}
		}

		stable, err := e.config.Stability.Stable(ctx, path)
		select {
		case e.checks <- checkResult{path: path, stable: stable, err: err, prev: prev}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) handleCheck(ctx context.Context, r checkResult) {
	switch {
	case r.err != nil:
		e.tracker.Release(r.path)

	case r.stable:
		e.tracker.ClearDirty(r.path)
		job := upload.NewJob(e.coord.Store(), r.path)
		if r.prev != nil {
			job = r.prev.Retry()
		}
		if !e.dispatch(ctx, job) {
			e.tracker.Release(r.path)
		}

	case e.tracker.ClearDirty(r.path) && fileExists(r.path):
		if e.config.Verbose {
			e.config.Logger.Printf("%s still changing, checking again", r.path)
		}
		e.startCheck(ctx, r.path, r.prev, 0)

	default:
		if e.config.Verbose {
			e.config.Logger.Printf("%s not stable, waiting for more events", r.path)
		}
		e.tracker.Release(r.path)
	}
}

func (e *Engine) handleOutcome(ctx context.Context, out upload.Outcome) {
	path := out.Job.Path

	if !out.Uploaded() {
		if upload.IsRetryable(out.Err) && out.Job.Attempt <= e.config.MaxRetries {
			e.retries.Add(1)
			e.tracker.ClearDirty(path)
			e.config.Logger.Printf("Retrying %s in %s (attempt %d of %d)",
				path, e.config.RetryBackoff, out.Job.Attempt+1, e.config.MaxRetries+1)
			job := out.Job
			e.startCheck(ctx, path, &job, e.config.RetryBackoff)
			return
		}
		e.config.Logger.Printf("Giving up on %s after %d attempt(s): %v", path, out.Job.Attempt, out.Err)
	}

	e.settle(ctx, path)
}

// settle releases path and starts over if events arrived while it was held.
func (e *Engine) settle(ctx context.Context, path string) {
	if e.tracker.Release(path) && fileExists(path) && e.tracker.Claim(path) {
		e.startCheck(ctx, path, nil, 0)
	}
}

func (e *Engine) onCycle(summary watch.CycleSummary) {
	e.cycles.Add(1)
	if e.config.Verbose || summary.Errors > 0 {
		e.config.Logger.Printf("Cycle %d: %d candidate(s), %d error(s) in %s",
			summary.Cycle, summary.Candidates, summary.Errors, summary.Duration.Round(time.Millisecond))
	}
	e.observers.cycle(summary)
}

// Stats returns current counters. Safe to call from any goroutine.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	running, startedAt := e.running, e.startedAt
	e.mu.Unlock()

	return Stats{
		Dir:          e.dir,
		Strategy:     e.config.Strategy,
		Store:        e.coord.Store().Name(),
		Running:      running,
		StartedAt:    startedAt,
		Cycles:       e.cycles.Load(),
		Observations: e.observations.Load(),
		Tracked:      e.tracker.Len(),
		InFlight:     e.coord.InFlight(),
		Started:      e.started.Load(),
		Uploaded:     e.uploaded.Load(),
		Failed:       e.failed.Load(),
		Retries:      e.retries.Load(),
	}
}

// Tracked returns the tracker's entries, for diagnostics.
func (e *Engine) Tracked() []tracker.Entry {
	return e.tracker.Snapshot()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
