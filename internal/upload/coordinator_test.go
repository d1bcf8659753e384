package upload

import (
	"bytes"
	"context"
	"errors"
	"hash/crc32"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeStore records puts and answers with err.
type fakeStore struct {
	mu    sync.Mutex
	puts  map[string][]byte
	err   error
	block chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{puts: make(map[string][]byte)}
}

func (f *fakeStore) Name() string           { return "fake" }
func (f *fakeStore) URL(name string) string { return "https://acct.blob.core.windows.net/video/" + name + "?tok" }

func (f *fakeStore) Put(ctx context.Context, job Job, body []byte) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.puts[job.Name] = append([]byte(nil), body...)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

type memRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (m *memRecorder) Record(_ context.Context, out Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, out)
	return nil
}

func quietConfig() *Config {
	return &Config{
		Timeout: 5 * time.Second,
		Logger:  log.New(io.Discard, "", 0),
	}
}

func writeVideo(t *testing.T, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write video: %v", err)
	}
	return path
}

func TestNewCoordinator(t *testing.T) {
	if _, err := NewCoordinator(nil, nil); err == nil {
		t.Error("expected error for nil store")
	}
	c, err := NewCoordinator(newFakeStore(), &Config{})
	if err != nil {
		t.Fatalf("NewCoordinator() failed: %v", err)
	}
	if c.config.Logger == nil || c.config.Timeout <= 0 {
		t.Error("defaults not applied")
	}
}

func TestExecute_SuccessDeletesFile(t *testing.T) {
	data := []byte("finished video")
	path := writeVideo(t, data)
	store := newFakeStore()
	rec := &memRecorder{}

	cfg := quietConfig()
	cfg.Recorder = rec
	c, err := NewCoordinator(store, cfg)
	if err != nil {
		t.Fatalf("NewCoordinator() failed: %v", err)
	}

	job := NewJob(store, path).WithFingerprint(crc32.ChecksumIEEE(data), int64(len(data)))
	out := c.Execute(context.Background(), job)

	if !out.OK() || !out.Deleted {
		t.Fatalf("Execute() = %+v, want success", out)
	}
	if out.Bytes != int64(len(data)) {
		t.Errorf("Bytes = %d, want %d", out.Bytes, len(data))
	}
	if out.Duration <= 0 {
		t.Error("Duration not set")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("local file still exists after success: %v", err)
	}
	if !bytes.Equal(store.puts["clip.mp4"], data) {
		t.Errorf("uploaded %q, want %q", store.puts["clip.mp4"], data)
	}
	if len(rec.outcomes) != 1 || !rec.outcomes[0].OK() {
		t.Errorf("recorder got %+v, want one successful outcome", rec.outcomes)
	}
}

func TestExecute_FailureKeepsFile(t *testing.T) {
	data := []byte("precious bytes")
	path := writeVideo(t, data)

	store := newFakeStore()
	store.err = &StatusError{Code: 500, Status: "500 Internal Server Error"}
	c, _ := NewCoordinator(store, quietConfig())

	out := c.Execute(context.Background(), NewJob(store, path))

	if out.OK() || out.Deleted {
		t.Fatalf("Execute() = %+v, want failure", out)
	}
	if out.Stage != StagePut {
		t.Errorf("Stage = %s, want put", out.Stage)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("local file missing after failed upload: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("local file changed: %q, want %q", got, data)
	}
}

func TestExecute_ReadFailure(t *testing.T) {
	store := newFakeStore()
	c, _ := NewCoordinator(store, quietConfig())

	out := c.Execute(context.Background(), NewJob(store, filepath.Join(t.TempDir(), "gone.mp4")))

	if out.Stage != StageRead || !errors.Is(out.Err, os.ErrNotExist) {
		t.Errorf("Execute() = %+v, want read failure", out)
	}
	if store.count() != 0 {
		t.Error("store called after read failure")
	}
	if IsRetryable(out.Err) {
		t.Error("missing file should not be retryable")
	}
}

func TestExecute_ChangedFileIsNotUploaded(t *testing.T) {
	path := writeVideo(t, []byte("grown since"))
	store := newFakeStore()
	c, _ := NewCoordinator(store, quietConfig())

	job := NewJob(store, path).WithFingerprint(crc32.ChecksumIEEE([]byte("old")), 3)
	out := c.Execute(context.Background(), job)

	if !errors.Is(out.Err, ErrFileChanged) {
		t.Fatalf("Execute() error = %v, want ErrFileChanged", out.Err)
	}
	if store.count() != 0 {
		t.Error("changed file was uploaded")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file removed: %v", err)
	}
}

func TestExecute_DeleteFailure(t *testing.T) {
	path := writeVideo(t, []byte("x"))
	store := newFakeStore()
	c, _ := NewCoordinator(store, quietConfig())
	c.remove = func(string) error { return os.ErrPermission }

	out := c.Execute(context.Background(), NewJob(store, path))

	if out.Stage != StageDelete || !errors.Is(out.Err, os.ErrPermission) {
		t.Fatalf("Execute() = %+v, want delete failure", out)
	}
	if !out.Uploaded() || out.Deleted {
		t.Errorf("Uploaded() = %v, Deleted = %v, want true/false", out.Uploaded(), out.Deleted)
	}
}

func TestSubmit_RejectsDuplicatePath(t *testing.T) {
	path := writeVideo(t, []byte("x"))
	store := newFakeStore()
	store.block = make(chan struct{})
	c, _ := NewCoordinator(store, quietConfig())

	first, err := c.Submit(context.Background(), NewJob(store, path))
	if err != nil {
		t.Fatalf("first Submit() failed: %v", err)
	}
	if _, err := c.Submit(context.Background(), NewJob(store, path)); !errors.Is(err, ErrInFlight) {
		t.Errorf("second Submit() error = %v, want ErrInFlight", err)
	}
	if c.InFlight() != 1 {
		t.Errorf("InFlight() = %d, want 1", c.InFlight())
	}

	close(store.block)

	select {
	case out := <-first:
		if !out.OK() {
			t.Errorf("outcome = %+v, want success", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for outcome")
	}

	c.Wait()
	if c.InFlight() != 0 {
		t.Errorf("InFlight() = %d after Wait(), want 0", c.InFlight())
	}
}

// A cancelled submit context does not abort a transfer that already started.
func TestSubmit_SurvivesCancellation(t *testing.T) {
	path := writeVideo(t, []byte("x"))
	store := newFakeStore()
	store.block = make(chan struct{})
	c, _ := NewCoordinator(store, quietConfig())

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Submit(ctx, NewJob(store, path))
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	cancel()
	close(store.block)

	out := <-ch
	if !out.OK() {
		t.Errorf("outcome = %+v, want success despite cancel", out)
	}
	if !c.WaitTimeout(time.Second) {
		t.Error("WaitTimeout() = false")
	}
}

// End to end against an HTTP endpoint: success removes the file, a failing
// status keeps it byte-for-byte.
func TestCoordinator_AzureRoundTrip(t *testing.T) {
	status := http.StatusCreated
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	defer srv.Close()

	store, err := NewAzureStore(AzureConfig{Endpoint: srv.URL, Container: "video", Token: "?sig=x"})
	if err != nil {
		t.Fatalf("NewAzureStore() failed: %v", err)
	}
	c, _ := NewCoordinator(store, quietConfig())

	ok := writeVideo(t, []byte("good"))
	if out := c.Execute(context.Background(), NewJob(store, ok)); !out.OK() {
		t.Fatalf("Execute() = %+v, want success", out)
	}
	if _, err := os.Stat(ok); !os.IsNotExist(err) {
		t.Error("file kept after 201")
	}

	mu.Lock()
	status = http.StatusServiceUnavailable
	mu.Unlock()

	bad := writeVideo(t, []byte("keep me"))
	out := c.Execute(context.Background(), NewJob(store, bad))
	var se *StatusError
	if !errors.As(out.Err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("Execute() error = %v, want 503 StatusError", out.Err)
	}
	if !IsRetryable(out.Err) {
		t.Error("503 should be retryable")
	}
	if got, _ := os.ReadFile(bad); string(got) != "keep me" {
		t.Errorf("file after failure = %q, want %q", got, "keep me")
	}
}
