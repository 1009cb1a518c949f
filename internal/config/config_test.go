package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *c != *Default() {
		t.Fatalf("expected defaults, got %+v", c)
	}
	if c.MaxRetries != 3 || c.BackoffBase != 2 || c.JobTimeoutSeconds != 300 || c.LockTimeoutSeconds != 60 {
		t.Fatalf("unexpected defaults %+v", c)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	c := Default()
	if err := c.Set("max_retries", "5"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Set("db_path", "postgres://localhost/queue"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.MaxRetries != 5 || got.DBPath != "postgres://localhost/queue" {
		t.Fatalf("round trip lost values: %+v", got)
	}
}

func TestSaveReportsWriteErrors(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full not available")
	}
	if err := Default().Save("/dev/full"); err == nil {
		t.Fatal("expected error writing to a full device")
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"max_retries": 7}`), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.MaxRetries != 7 || c.LockTimeoutSeconds != 60 {
		t.Fatalf("unexpected config %+v", c)
	}
}

func TestSetRejectsBadInput(t *testing.T) {
	c := Default()
	if err := c.Set("nope", "1"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if err := c.Set("max_retries", "three"); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
	if err := c.Set("backoff_base", "0"); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
	if c.BackoffBase != 2 {
		t.Fatalf("rejected set must not modify config, backoff_base=%d", c.BackoffBase)
	}
}

func TestGetEveryKey(t *testing.T) {
	c := Default()
	for _, k := range Keys() {
		if _, err := c.Get(k); err != nil {
			t.Errorf("get %s: %v", k, err)
		}
	}
	v, _ := c.Get("lock_timeout_seconds")
	if v != "60" {
		t.Fatalf("lock_timeout_seconds = %q", v)
	}
}

func TestDurationsAndLeaseHazard(t *testing.T) {
	c := Default()
	if c.JobTimeout() != 300*time.Second || c.LockTimeout() != time.Minute {
		t.Fatalf("unexpected durations %v %v", c.JobTimeout(), c.LockTimeout())
	}
	if !c.LeaseHazard() {
		t.Fatal("defaults have a lease shorter than the job timeout")
	}
	c.LockTimeoutSeconds = 301
	if c.LeaseHazard() {
		t.Fatal("lease longer than job timeout is not a hazard")
	}
}
