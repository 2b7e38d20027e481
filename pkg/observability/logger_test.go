package observability

import (
    "testing"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "go.uber.org/zap/zaptest/observer"

    "msglink/pkg/config"
)

func TestParseLevel(t *testing.T) {
    cases := []struct {
        in   string
        want zapcore.Level
    }{
        {"debug", zap.DebugLevel},
        {"info", zap.InfoLevel},
        {"", zap.InfoLevel},
        {"warn", zap.WarnLevel},
        {"warning", zap.WarnLevel},
        {"ERROR", zap.ErrorLevel},
    }
    for _, c := range cases {
        got, err := parseLevel(c.in)
        if err != nil {
            t.Fatalf("parseLevel(%q): %v", c.in, err)
        }
        if got != c.want {
            t.Fatalf("parseLevel(%q) = %v, want %v", c.in, got, c.want)
        }
    }
    if _, err := parseLevel("shouting"); err == nil {
        t.Fatalf("invalid level accepted")
    }
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
    if _, err := NewLogger(config.LogConfig{Level: "loudest"}); err == nil {
        t.Fatalf("bad level accepted")
    }
}

func TestNewLoggerBuilds(t *testing.T) {
    logger, err := NewLogger(config.LogConfig{Level: "debug", Format: "json", Outputs: []string{"stdout"}})
    if err != nil {
        t.Fatalf("new logger: %v", err)
    }
    logger.Debug("engine tick")
    _ = logger.Sync()
}

func TestConnLoggerScopesPath(t *testing.T) {
    core, logs := observer.New(zap.DebugLevel)
    base := zap.New(core)

    l := ConnLogger(base, "127.0.0.1:1->127.0.0.1:2")
    l.Debug("datagram sent", zap.Uint32("packet", 7))

    entries := logs.All()
    if len(entries) != 1 {
        t.Fatalf("entries: %d", len(entries))
    }
    fields := entries[0].ContextMap()
    if fields["conn"] != "127.0.0.1:1->127.0.0.1:2" {
        t.Fatalf("conn field missing: %v", fields)
    }
    if fields["packet"] != uint32(7) {
        t.Fatalf("packet field missing: %v", fields)
    }
}

func TestConnLoggerNilBaseFallsBack(t *testing.T) {
    if ConnLogger(nil, "x->y") == nil {
        t.Fatalf("nil base produced nil logger")
    }
}
