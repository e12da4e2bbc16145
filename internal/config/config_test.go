package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8420 {
		t.Errorf("expected port 8420, got %d", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("expected logLevel info, got %s", cfg.Server.LogLevel)
	}
	if cfg.Queue.Backend != BackendSQLite {
		t.Errorf("expected sqlite queue, got %s", cfg.Queue.Backend)
	}
	if cfg.Autosave.Quiet().Milliseconds() != 1500 || cfg.Autosave.MaxWait().Milliseconds() != 3000 {
		t.Errorf("unexpected autosave window %+v", cfg.Autosave)
	}
	b := cfg.Sync.Backoff
	if b.BaseMs != 2000 || b.Factor != 2 || b.MaxMs != 60000 || b.MaxAttempts != 8 {
		t.Errorf("unexpected backoff %+v", b)
	}
	if cfg.Sync.DraftBatch != 5 || cfg.Sync.EventBatch != 50 {
		t.Errorf("unexpected batch limits %d/%d", cfg.Sync.DraftBatch, cfg.Sync.EventBatch)
	}
	if cfg.Scheduler.Retention().Hours() != 72 {
		t.Errorf("unexpected retention %v", cfg.Scheduler.Retention())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestSaveLoadFormats(t *testing.T) {
	for _, name := range []string{"config.json", "config.toml", "config.yaml", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, name)

			cfg := DefaultConfig()
			cfg.Server.DataDir = filepath.Join(dir, "data")
			cfg.Sync.ServerURL = "https://exam.example.org"
			cfg.Sync.WakeSchedule = "@every 5m"
			cfg.Exam.Tasks = []string{"essay"}
			cfg.MQTT.Enabled = true

			if err := cfg.Save(path); err != nil {
				t.Fatalf("Save: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if !reflect.DeepEqual(cfg, loaded) {
				t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", cfg, loaded)
			}
		})
	}
}

func TestLoadMergesWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := "[server]\ndataDir = \"" + filepath.ToSlash(filepath.Join(dir, "d")) + "\"\n\n[sync]\nserverUrl = \"http://exam:9000\"\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.ServerURL != "http://exam:9000" {
		t.Errorf("expected server url override, got %s", cfg.Sync.ServerURL)
	}
	if cfg.Server.Port != 8420 || cfg.Sync.MaxParallel != 4 {
		t.Errorf("unset fields should keep defaults, got port=%d maxParallel=%d",
			cfg.Server.Port, cfg.Sync.MaxParallel)
	}
	if _, err := os.Stat(cfg.Server.DataDir); err != nil {
		t.Errorf("expected data dir to be created: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("invalid json{{{"), 0644)
	if _, err := Load(bad); err == nil {
		t.Error("expected error for invalid JSON")
	}

	badYAML := filepath.Join(dir, "bad.yaml")
	os.WriteFile(badYAML, []byte("server: [unclosed"), 0644)
	if _, err := Load(badYAML); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	cfg.Queue.Backend = "floppy"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "queue backend") {
		t.Fatalf("expected queue backend error, got %v", err)
	}

	cfg.Queue.Backend = BackendMemory
	cfg.Autosave.MaxWaitMs = 100
	cfg.Save(path)
	if _, err := Load(path); err == nil {
		t.Error("expected error when maxWait is shorter than quiet")
	}

	cfg.Autosave.MaxWaitMs = 3000
	cfg.Scheduler.RetentionHours = -1
	cfg.Save(path)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "retentionHours") {
		t.Errorf("expected retention error, got %v", err)
	}
}

func TestLoadMkdirAllError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	blocking := filepath.Join(dir, "blockingfile")
	os.WriteFile(blocking, []byte("x"), 0644)
	cfg := DefaultConfig()
	cfg.Server.DataDir = filepath.Join(blocking, "subdir")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error when data dir cannot be created")
	}
}

func TestSaveToDirectoryFails(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "testdir")
	os.Mkdir(target, 0755)

	if err := DefaultConfig().Save(target); err == nil {
		t.Error("expected error when writing to a directory path")
	}
}

func TestPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/var/lib/examsync"

	if got := cfg.QueuePath(); got != filepath.Join("/var/lib/examsync", "queue.db") {
		t.Errorf("sqlite queue path: %s", got)
	}
	cfg.Queue.Backend = BackendJournal
	if got := cfg.QueuePath(); got != filepath.Join("/var/lib/examsync", "queue") {
		t.Errorf("journal queue path: %s", got)
	}
	cfg.Queue.Path = "/tmp/q"
	if got := cfg.QueuePath(); got != "/tmp/q" {
		t.Errorf("explicit queue path: %s", got)
	}

	if got := cfg.StorePath(); got != filepath.Join("/var/lib/examsync", "examsync.db") {
		t.Errorf("store path: %s", got)
	}
}
