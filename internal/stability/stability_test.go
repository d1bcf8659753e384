package stability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeInfo struct {
	os.FileInfo
	size int64
}

func (f fakeInfo) Size() int64 { return f.size }

// sequence returns a stat func that yields sizes in order, then an error.
func sequence(sizes ...int64) (func(string) (os.FileInfo, error), *int) {
	calls := 0
	return func(string) (os.FileInfo, error) {
		if calls >= len(sizes) {
			calls++
			return nil, os.ErrNotExist
		}
		s := sizes[calls]
		calls++
		if s < 0 {
			return nil, os.ErrNotExist
		}
		return fakeInfo{size: s}, nil
	}, &calls
}

func TestDetector_Stable(t *testing.T) {
	tests := []struct {
		name      string
		sizes     []int64
		want      bool
		wantCalls int
	}{
		{name: "steady after two samples", sizes: []int64{10, 10}, want: true, wantCalls: 2},
		{name: "growing then steady", sizes: []int64{5, 6, 6}, want: true, wantCalls: 3},
		{name: "still growing", sizes: []int64{1, 2, 3, 4, 5}, want: false, wantCalls: 5},
		{name: "empty file never stable", sizes: []int64{0, 0, 0, 0, 0}, want: false, wantCalls: 5},
		{name: "vanished", sizes: []int64{10, -1}, want: false, wantCalls: 2},
		{name: "missing from the start", sizes: []int64{-1}, want: false, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(5, time.Millisecond)
			stat, calls := sequence(tt.sizes...)
			d.stat = stat

			got, err := d.Stable(context.Background(), "clip.mp4")
			if err != nil {
				t.Fatalf("Stable() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Stable() = %v, want %v", got, tt.want)
			}
			if *calls != tt.wantCalls {
				t.Errorf("stat calls = %d, want %d", *calls, tt.wantCalls)
			}
		})
	}
}

func TestDetector_Cancelled(t *testing.T) {
	d := New(5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := d.Stable(ctx, "clip.mp4")
	if got {
		t.Error("Stable() = true after cancel")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Stable() error = %v, want context.Canceled", err)
	}
}

func TestDetector_RealFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("finished"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	d := New(5, 10*time.Millisecond)
	got, err := d.Stable(context.Background(), path)
	if err != nil {
		t.Fatalf("Stable() error = %v", err)
	}
	if !got {
		t.Error("Stable() = false for a finished file")
	}
}

func TestNewDefaults(t *testing.T) {
	d := New(0, 0)
	if d.Samples != DefaultSamples || d.Interval != DefaultInterval {
		t.Errorf("New(0, 0) = %d/%s, want defaults", d.Samples, d.Interval)
	}
	if d.Window() != 5*time.Second {
		t.Errorf("Window() = %s, want 5s", d.Window())
	}
}

func TestNew_SingleSampleRaised(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("finished"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	d := New(1, 10*time.Millisecond)
	if d.Samples != MinSamples {
		t.Errorf("New(1, ...).Samples = %d, want %d", d.Samples, MinSamples)
	}
	got, err := d.Stable(context.Background(), path)
	if err != nil {
		t.Fatalf("Stable() error = %v", err)
	}
	if !got {
		t.Error("Stable() = false for a finished file")
	}
}
