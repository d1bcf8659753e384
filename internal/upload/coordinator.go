package upload

import (
	"context"
	"fmt"
	"hash/crc32"
	"log"
	"os"
	"sync"
	"time"
)

// Stage names the step an upload reached.
type Stage string

const (
	StageRead   Stage = "read"
	StagePut    Stage = "put"
	StageDelete Stage = "delete"
	StageDone   Stage = "done"
)

// Outcome is the result of one job.
type Outcome struct {
	Job      Job
	Stage    Stage
	Err      error
	Bytes    int64
	Started  time.Time
	Duration time.Duration

	// Deleted is true only when the store acknowledged the object and the
	// local file was removed afterwards.
	Deleted bool
}

// OK reports whether the job completed every stage.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Stage == StageDone
}

// Uploaded reports whether the store acknowledged the object, even if the
// local delete failed afterwards.
func (o Outcome) Uploaded() bool {
	return o.Stage == StageDone || o.Stage == StageDelete
}

// Recorder persists outcomes (the history ledger).
type Recorder interface {
	Record(ctx context.Context, out Outcome) error
}

// Config holds configuration for the coordinator.
type Config struct {
	// Timeout bounds a single job from read to delete.
	Timeout time.Duration

	// Recorder, if set, receives every outcome.
	Recorder Recorder

	// Logger for upload activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 30 * time.Minute,
		Logger:  log.New(os.Stderr, "[upload] ", log.LstdFlags),
	}
}

// Coordinator runs upload jobs, each on its own goroutine, so a slow or
// hanging transfer never holds up detection of other files.
type Coordinator struct {
	store  Store
	config *Config

	mu       sync.Mutex
	inFlight map[string]string // path -> job ID
	wg       sync.WaitGroup

	readFile func(string) ([]byte, error)
	remove   func(string) error
}

// NewCoordinator creates a coordinator for store.
func NewCoordinator(store Store, config *Config) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	return &Coordinator{
		store:    store,
		config:   config,
		inFlight: make(map[string]string),
		readFile: os.ReadFile,
		remove:   os.Remove,
	}, nil
}

// Store returns the store jobs are sent to.
func (c *Coordinator) Store() Store {
	return c.store
}

// Submit starts job in the background and returns immediately. The channel
// receives exactly one Outcome and is then closed.
//
// The job runs on a context detached from ctx's cancellation: shutting the
// engine down does not abort transfers already under way. Only the job
// Timeout bounds it.
//
// Submit returns ErrInFlight if another job for the same path is running.
func (c *Coordinator) Submit(ctx context.Context, job Job) (<-chan Outcome, error) {
	c.mu.Lock()
	if id, busy := c.inFlight[job.Path]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (job %s)", ErrInFlight, job.Path, id)
	}
	c.inFlight[job.Path] = job.ID
	c.wg.Add(1)
	c.mu.Unlock()

	ch := make(chan Outcome, 1)
	jobCtx := context.WithoutCancel(ctx)

	go func() {
		defer c.wg.Done()

		out := c.Execute(jobCtx, job)

		c.mu.Lock()
		delete(c.inFlight, job.Path)
		c.mu.Unlock()

		ch <- out
		close(ch)
	}()

	return ch, nil
}

// Execute runs job synchronously:
//
//  1. read the whole file into memory
//  2. Put it to the store in one request
//  3. on acknowledged success, delete the local file
//
// Any failure stops the sequence and leaves the file where it is. Nothing
// is retried here.
func (c *Coordinator) Execute(ctx context.Context, job Job) (out Outcome) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	out = Outcome{Job: job, Started: time.Now()}
	defer func() {
		out.Duration = time.Since(out.Started)
		c.record(out)
	}()

	c.config.Logger.Printf("Uploading %s -> %s (job %s, attempt %d)", job.Path, job.RedactedURL(), job.ID, job.Attempt)

	out.Stage = StageRead
	data, err := c.readFile(job.Path)
	if err != nil {
		out.Err = fmt.Errorf("failed to read %s: %w", job.Path, err)
		c.config.Logger.Printf("Upload failed: %v", out.Err)
		return out
	}
	out.Bytes = int64(len(data))

	if job.HasFingerprint && crc32.ChecksumIEEE(data) != job.Fingerprint {
		out.Err = fmt.Errorf("%w: %s", ErrFileChanged, job.Path)
		c.config.Logger.Printf("Upload skipped: %v", out.Err)
		return out
	}

	out.Stage = StagePut
	if err := c.store.Put(ctx, job, data); err != nil {
		out.Err = err
		c.config.Logger.Printf("Upload failed for %s: %v", job.Path, err)
		return out
	}
	c.config.Logger.Printf("Uploaded %s (%d bytes) to %s", job.Path, out.Bytes, job.RedactedURL())

	out.Stage = StageDelete
	if err := c.remove(job.Path); err != nil {
		out.Err = fmt.Errorf("uploaded but failed to delete %s: %w", job.Path, err)
		c.config.Logger.Printf("Warning: %v", out.Err)
		return out
	}

	out.Stage = StageDone
	out.Deleted = true
	c.config.Logger.Printf("Deleted local file %s", job.Path)
	return out
}

func (c *Coordinator) record(out Outcome) {
	if c.config.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.config.Recorder.Record(ctx, out); err != nil {
		c.config.Logger.Printf("Warning: failed to record outcome for %s: %v", out.Job.Path, err)
	}
}

// InFlight returns the number of running jobs.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// Wait blocks until every submitted job has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// WaitTimeout waits for running jobs up to d and reports whether they all
// finished.
func (c *Coordinator) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
