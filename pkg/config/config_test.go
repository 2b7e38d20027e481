package config

import (
    "os"
    "path/filepath"
    "testing"
)

func TestDefaults(t *testing.T) {
    cfg := Default()
    if cfg.Net.MaxSendSize != 1400 {
        t.Fatalf("default max send size %d", cfg.Net.MaxSendSize)
    }
    if cfg.Net.AcceptQueueCapacity != 256*1024 || cfg.Net.InboundQueueCapacity != 512*1024 {
        t.Fatalf("default queue capacities %d/%d", cfg.Net.AcceptQueueCapacity, cfg.Net.InboundQueueCapacity)
    }
    if cfg.Net.PingIntervalMS != 3500 || cfg.Net.ConnectionLostMS != 15000 {
        t.Fatalf("default timers %d/%d", cfg.Net.PingIntervalMS, cfg.Net.ConnectionLostMS)
    }
    if cfg.Log.Level != "info" {
        t.Fatalf("default log level %q", cfg.Log.Level)
    }
}

func TestLoadFromFile(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "msglink.yaml")
    yaml := "app_name: test-node\nlog:\n  level: debug\nnet:\n  max_send_size: 900\n  target_send_rate: 25\n"
    if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
        t.Fatalf("write config: %v", err)
    }

    cfg, err := Load(path)
    if err != nil {
        t.Fatalf("load: %v", err)
    }
    if cfg.AppName != "test-node" {
        t.Fatalf("app name %q", cfg.AppName)
    }
    if cfg.Log.Level != "debug" {
        t.Fatalf("log level %q", cfg.Log.Level)
    }
    if cfg.Net.MaxSendSize != 900 || cfg.Net.TargetSendRate != 25 {
        t.Fatalf("net overrides not applied: %+v", cfg.Net)
    }
    // Untouched fields keep their defaults.
    if cfg.Net.PingIntervalMS != 3500 {
        t.Fatalf("default lost on partial config: %d", cfg.Net.PingIntervalMS)
    }
}

func TestLoadRejectsBadValues(t *testing.T) {
    dir := t.TempDir()

    path := filepath.Join(dir, "bad-level.yaml")
    _ = os.WriteFile(path, []byte("log:\n  level: shouting\n"), 0o644)
    if _, err := Load(path); err == nil {
        t.Fatalf("invalid log level accepted")
    }

    path = filepath.Join(dir, "bad-size.yaml")
    _ = os.WriteFile(path, []byte("net:\n  max_send_size: 8\n"), 0o644)
    if _, err := Load(path); err == nil {
        t.Fatalf("tiny max_send_size accepted")
    }
}

func TestEnvOverride(t *testing.T) {
    t.Setenv("MSGLINK_LOG_LEVEL", "warn")
    cfg, err := Load("")
    if err != nil {
        t.Fatalf("load: %v", err)
    }
    if cfg.Log.Level != "warn" {
        t.Fatalf("env override ignored: %q", cfg.Log.Level)
    }
}
