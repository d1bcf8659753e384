package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points every lookup location at empty temp directories.
func isolate(t *testing.T) {
	t.Helper()

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Chdir(t.TempDir())
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	l := NewLoader()
	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if l.ConfigFile() != "" {
		t.Errorf("ConfigFile() = %q, want none", l.ConfigFile())
	}

	if cfg.Watch.Strategy != "poll" || cfg.Watch.Interval != 6*time.Minute {
		t.Errorf("watch = %+v", cfg.Watch)
	}
	if len(cfg.Watch.Extensions) != 1 || cfg.Watch.Extensions[0] != ".mp4" {
		t.Errorf("extensions = %v, want [.mp4]", cfg.Watch.Extensions)
	}
	if cfg.Azure.Container != "video" || cfg.Azure.Domain != "blob.core.windows.net" {
		t.Errorf("azure = %+v", cfg.Azure)
	}
	if cfg.Upload.Timeout != 30*time.Minute || cfg.Upload.MaxRetries != 3 || cfg.Upload.RetryBackoff != 30*time.Second {
		t.Errorf("upload = %+v", cfg.Upload)
	}
	if cfg.Stability.Samples != 5 || cfg.Stability.Interval != time.Second {
		t.Errorf("stability = %+v", cfg.Stability)
	}
	if !strings.HasSuffix(cfg.History.Path, filepath.Join("vidpush", "history.db")) {
		t.Errorf("history.path = %q", cfg.History.Path)
	}
	if cfg.Dashboard.Port != 0 {
		t.Errorf("dashboard.port = %d, want 0", cfg.Dashboard.Port)
	}
}

func TestLoad_TOMLFile(t *testing.T) {
	isolate(t)

	path := writeConfig(t, "vidpush.toml", `
[watch]
dir = "/srv/videos"
strategy = "notify"
interval = "90s"
extensions = ["mp4", ".MOV"]

[azure]
account = "acct"
token = "?sv=2024&sig=abc"

[dashboard]
port = 8089
`)

	l := NewLoader()
	cfg, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if l.ConfigFile() != path {
		t.Errorf("ConfigFile() = %q, want %q", l.ConfigFile(), path)
	}

	if cfg.Watch.Dir != "/srv/videos" || cfg.Watch.Strategy != "notify" || cfg.Watch.Interval != 90*time.Second {
		t.Errorf("watch = %+v", cfg.Watch)
	}
	if strings.Join(cfg.Watch.Extensions, ",") != ".mp4,.mov" {
		t.Errorf("extensions = %v", cfg.Watch.Extensions)
	}
	if cfg.Azure.Account != "acct" || cfg.Azure.Container != "video" {
		t.Errorf("azure = %+v", cfg.Azure)
	}
	if cfg.Dashboard.Port != 8089 {
		t.Errorf("dashboard.port = %d", cfg.Dashboard.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoad_SearchesWorkingDirectory(t *testing.T) {
	isolate(t)

	if err := os.WriteFile("vidpush.yaml", []byte("watch:\n  dir: /from/yaml\n"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	l := NewLoader()
	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Watch.Dir != "/from/yaml" {
		t.Errorf("watch.dir = %q", cfg.Watch.Dir)
	}
	if !strings.HasSuffix(l.ConfigFile(), "vidpush.yaml") {
		t.Errorf("ConfigFile() = %q", l.ConfigFile())
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	isolate(t)

	path := writeConfig(t, "vidpush.toml", "[azure]\naccount = \"fromfile\"\n")
	t.Setenv("VIDPUSH_AZURE_ACCOUNT", "fromenv")
	t.Setenv("VIDPUSH_WATCH_INTERVAL", "45s")
	t.Setenv("VIDPUSH_WATCH_EXTENSIONS", "mp4,MKV")

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Azure.Account != "fromenv" {
		t.Errorf("azure.account = %q, want fromenv", cfg.Azure.Account)
	}
	if cfg.Watch.Interval != 45*time.Second {
		t.Errorf("watch.interval = %s, want 45s", cfg.Watch.Interval)
	}
	if strings.Join(cfg.Watch.Extensions, ",") != ".mp4,.mkv" {
		t.Errorf("extensions = %v", cfg.Watch.Extensions)
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	isolate(t)

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Watch.Dir = "/videos"
		cfg.Azure.Account = "acct"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantKey string
	}{
		{"valid azure", func(*Config) {}, ""},
		{"emulator endpoint without account", func(c *Config) { c.Azure.Account = ""; c.Azure.Endpoint = "http://127.0.0.1:10000/dev" }, ""},
		{"valid s3", func(c *Config) { c.Store.Provider = "s3"; c.S3.Bucket = "videos" }, ""},
		{"missing dir", func(c *Config) { c.Watch.Dir = "" }, "watch.dir"},
		{"bad strategy", func(c *Config) { c.Watch.Strategy = "sometimes" }, "watch.strategy"},
		{"zero interval", func(c *Config) { c.Watch.Interval = 0 }, "watch.interval"},
		{"zero samples", func(c *Config) { c.Stability.Samples = 0 }, "stability.samples"},
		{"single sample", func(c *Config) { c.Stability.Samples = 1 }, "stability.samples"},
		{"two samples", func(c *Config) { c.Stability.Samples = 2 }, ""},
		{"missing account", func(c *Config) { c.Azure.Account = "" }, "azure.account"},
		{"missing container", func(c *Config) { c.Azure.Container = "" }, "azure.container"},
		{"token without question mark", func(c *Config) { c.Azure.Token = "sv=1" }, "azure.token"},
		{"missing bucket", func(c *Config) { c.Store.Provider = "s3" }, "s3.bucket"},
		{"half s3 credentials", func(c *Config) { c.Store.Provider = "s3"; c.S3.Bucket = "b"; c.S3.AccessKeyID = "k" }, "s3.access_key_id"},
		{"unknown provider", func(c *Config) { c.Store.Provider = "gcs" }, "store.provider"},
		{"negative retries", func(c *Config) { c.Upload.MaxRetries = -1 }, "upload.max_retries"},
		{"port out of range", func(c *Config) { c.Dashboard.Port = 70000 }, "dashboard.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantKey == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantKey) {
				t.Errorf("Validate() = %v, want error mentioning %s", err, tt.wantKey)
			}
		})
	}
}

func TestValidate_ReportsAllFields(t *testing.T) {
	cfg := Default()
	cfg.Azure.Container = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, key := range []string{"watch.dir", "azure.account", "azure.container"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestSaveAndLoad(t *testing.T) {
	isolate(t)

	cfg := Default()
	cfg.Watch.Dir = "/srv/videos"
	cfg.Watch.Interval = 2 * time.Minute
	cfg.Azure.Account = "acct"
	cfg.Azure.Token = "?sv=2024&sig=abc"
	cfg.Log.Verbose = true

	path := filepath.Join(t.TempDir(), "conf", "vidpush.toml")
	if err := Save(path, cfg, false); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	if err := Save(path, cfg, false); !errors.Is(err, ErrExists) {
		t.Errorf("second Save() = %v, want ErrExists", err)
	}
	if err := Save(path, cfg, true); err != nil {
		t.Errorf("forced Save() failed: %v", err)
	}

	loaded, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.Watch.Dir != cfg.Watch.Dir || loaded.Watch.Interval != cfg.Watch.Interval {
		t.Errorf("watch = %+v, want %+v", loaded.Watch, cfg.Watch)
	}
	if loaded.Azure.Token != cfg.Azure.Token || !loaded.Log.Verbose {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestEncode_MasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Azure.Token = "?sv=2024&sig=topsecret"
	cfg.S3.SecretAccessKey = "hunter2"

	for _, format := range []Format{FormatYAML, FormatTOML} {
		var buf bytes.Buffer
		if err := Encode(&buf, format, cfg, true); err != nil {
			t.Fatalf("Encode(%s) failed: %v", format, err)
		}
		out := buf.String()
		if strings.Contains(out, "topsecret") || strings.Contains(out, "hunter2") {
			t.Errorf("%s output leaks secrets:\n%s", format, out)
		}
		if !strings.Contains(out, "6m0s") {
			t.Errorf("%s output missing interval:\n%s", format, out)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("YML"); err != nil || f != FormatYAML {
		t.Errorf("ParseFormat(YML) = %q, %v", f, err)
	}
	if _, err := ParseFormat("ini"); err == nil {
		t.Error("ParseFormat(ini) succeeded")
	}
}

func TestHistoryEnabled(t *testing.T) {
	cfg := Default()
	if !cfg.HistoryEnabled() {
		t.Error("history disabled by default")
	}
	cfg.History.Path = "OFF"
	if cfg.HistoryEnabled() {
		t.Error("history enabled with path off")
	}
}
