package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/vidpush/internal/upload"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "nested", "history.db")
}

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func outcome(id, name string, stage upload.Stage, err error, started time.Time) upload.Outcome {
	return upload.Outcome{
		Job: upload.Job{
			ID:       id,
			Path:     "/videos/" + name,
			Name:     name,
			URL:      "https://acct.blob.core.windows.net/video/" + name + "?sv=2024&sig=secret",
			Provider: "azure",
			Attempt:  1,
		},
		Stage:    stage,
		Err:      err,
		Bytes:    1024,
		Started:  started,
		Duration: 2 * time.Second,
		Deleted:  stage == upload.StageDone,
	}
}

func TestOpen_CreatesSchema(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}

	var count int
	err = db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='uploads'`).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to query sqlite_master: %v", err)
	}
	if count != 1 {
		t.Error("uploads table does not exist")
	}

	if err := db.InitSchema(); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

func TestRecord_RedactsURL(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Record(ctx, outcome("job-1", "clip.mp4", upload.StageDone, nil, time.Now())); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	entries, err := db.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List() returned %d entries, want 1", len(entries))
	}
	e := entries[0]
	if strings.Contains(e.URL, "sig=") {
		t.Errorf("URL stored with token: %q", e.URL)
	}
	if e.URL != "https://acct.blob.core.windows.net/video/clip.mp4" {
		t.Errorf("URL = %q", e.URL)
	}
	if e.Status != StatusUploaded || !e.Deleted || e.Provider != "azure" {
		t.Errorf("entry = %+v", e)
	}
	if e.Duration() != 2*time.Second {
		t.Errorf("Duration() = %s, want 2s", e.Duration())
	}
	if e.Fingerprint != nil {
		t.Errorf("Fingerprint = %v, want nil", *e.Fingerprint)
	}
}

func TestRecord_Fingerprint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	out := outcome("job-1", "clip.mp4", upload.StageDone, nil, time.Now())
	out.Job = out.Job.WithFingerprint(0xDEADBEEF, 1024)
	if err := db.Record(ctx, out); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	entries, err := db.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if entries[0].Fingerprint == nil || *entries[0].Fingerprint != 0xDEADBEEF {
		t.Errorf("Fingerprint = %v, want 0xDEADBEEF", entries[0].Fingerprint)
	}
}

func TestRecord_Upsert(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	if err := db.Record(ctx, outcome("job-1", "clip.mp4", upload.StagePut, errors.New("503"), now)); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	if err := db.Record(ctx, outcome("job-1", "clip.mp4", upload.StageDone, nil, now)); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	entries, err := db.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != StatusUploaded || entries[0].Error != "" {
		t.Errorf("entries = %+v, want one uploaded row", entries)
	}
}

func TestList_SinceUsesFinishTime(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	long := outcome("long", "long.mp4", upload.StageDone, nil, base)
	long.Duration = time.Hour
	short := outcome("short", "short.mp4", upload.StageDone, nil, base.Add(10*time.Minute))
	for _, r := range []upload.Outcome{long, short} {
		if err := db.Record(ctx, r); err != nil {
			t.Fatalf("Record() failed: %v", err)
		}
	}

	entries, err := db.List(ctx, Filter{Since: base.Add(30 * time.Minute)})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "long" {
		t.Errorf("List(since) = %+v, want only the upload that finished after it", entries)
	}
}

func TestList_Filters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []upload.Outcome{
		outcome("a", "a.mp4", upload.StageDone, nil, base),
		outcome("b", "b.mp4", upload.StagePut, errors.New("store responded 500"), base.Add(time.Hour)),
		outcome("c", "c.mp4", upload.StageDelete, errors.New("permission denied"), base.Add(2*time.Hour)),
		outcome("d", "d.mp4", upload.StageDone, nil, base.Add(3*time.Hour)),
	}
	for _, r := range records {
		if err := db.Record(ctx, r); err != nil {
			t.Fatalf("Record() failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all newest first", Filter{}, []string{"d", "c", "b", "a"}},
		{"limit", Filter{Limit: 2}, []string{"d", "c"}},
		{"since", Filter{Since: base.Add(90 * time.Minute)}, []string{"d", "c"}},
		{"failed", Filter{Status: StatusFailed}, []string{"b"}},
		{"kept", Filter{Status: StatusKept}, []string{"c"}},
		{"uploaded since", Filter{Status: StatusUploaded, Since: base.Add(time.Minute)}, []string{"d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := db.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() failed: %v", err)
			}
			var got []string
			for _, e := range entries {
				got = append(got, e.ID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("List() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCounts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	c, err := db.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() on empty ledger failed: %v", err)
	}
	if c.Total != 0 || !c.Last.IsZero() {
		t.Errorf("Counts() = %+v, want empty", c)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, r := range []upload.Outcome{
		outcome("a", "a.mp4", upload.StageDone, nil, base),
		outcome("b", "b.mp4", upload.StagePut, errors.New("500"), base.Add(time.Hour)),
		outcome("c", "c.mp4", upload.StageDelete, errors.New("denied"), base.Add(2*time.Hour)),
	} {
		if err := db.Record(ctx, r); err != nil {
			t.Fatalf("Record() failed: %v", err)
		}
	}

	c, err = db.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if c.Total != 3 || c.Uploaded != 1 || c.Kept != 1 || c.Failed != 1 {
		t.Errorf("Counts() = %+v", c)
	}
	if c.Bytes != 2048 {
		t.Errorf("Bytes = %d, want 2048", c.Bytes)
	}
	wantLast := base.Add(2*time.Hour + 2*time.Second)
	if !c.Last.Equal(wantLast) {
		t.Errorf("Last = %s, want %s", c.Last, wantLast)
	}
}

func TestClosed(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}

	if err := db.Record(context.Background(), upload.Outcome{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Record() after Close = %v, want ErrClosed", err)
	}
	if _, err := db.List(context.Background(), Filter{}); !errors.Is(err, ErrClosed) {
		t.Errorf("List() after Close = %v, want ErrClosed", err)
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"", "uploaded", "KEPT", " failed "} {
		if _, err := ParseStatus(s); err != nil {
			t.Errorf("ParseStatus(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseStatus("lost"); err == nil {
		t.Error("ParseStatus(lost) succeeded")
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	if got := DefaultPath(); got != filepath.Join("/data", "vidpush", "history.db") {
		t.Errorf("DefaultPath() = %q", got)
	}
}

// Wiring the ledger into a coordinator records every job.
func TestRecorderInterface(t *testing.T) {
	var _ upload.Recorder = (*DB)(nil)
}
