// Package stability decides whether a file has stopped being written by
// sampling its size over a short window.
package stability

import (
	"context"
	"os"
	"time"
)

const (
	// DefaultSamples is how many size samples are taken at most.
	DefaultSamples = 5

	// DefaultInterval is the wait before each sample.
	DefaultInterval = time.Second

	// MinSamples is the smallest window that can see two equal sizes; the
	// first sample is compared against an initial size of zero.
	MinSamples = 2
)

// Detector samples a file's size until two consecutive samples agree.
//
// A check blocks for up to Samples*Interval and must run on a worker
// goroutine, never on the goroutine that drains change notifications.
type Detector struct {
	// Samples is the maximum number of size samples.
	Samples int

	// Interval is the wait before each sample.
	Interval time.Duration

	// stat is replaceable for tests.
	stat func(string) (os.FileInfo, error)
}

// New returns a Detector with the given window, falling back to the
// defaults for non-positive values. A single sample is raised to MinSamples.
func New(samples int, interval time.Duration) *Detector {
	switch {
	case samples <= 0:
		samples = DefaultSamples
	case samples < MinSamples:
		samples = MinSamples
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Detector{Samples: samples, Interval: interval, stat: os.Stat}
}

// Window returns the longest time a single check can take.
func (d *Detector) Window() time.Duration {
	return time.Duration(d.Samples) * d.Interval
}

// Stable reports whether the size of path held still across two consecutive
// samples and is non-zero. It returns false when the window runs out or the
// file can no longer be stat'ed. Cancelling ctx aborts the wait and returns
// false with ctx.Err().
func (d *Detector) Stable(ctx context.Context, path string) (bool, error) {
	stat := d.stat
	if stat == nil {
		stat = os.Stat
	}

	timer := time.NewTimer(d.Interval)
	defer timer.Stop()

	var previous int64
	for i := 0; i < d.Samples; i++ {
		if i > 0 {
			timer.Reset(d.Interval)
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}

		info, err := stat(path)
		if err != nil {
			return false, nil
		}
		size := info.Size()
		if size == previous && size > 0 {
			return true, nil
		}
		previous = size
	}

	return false, nil
}
