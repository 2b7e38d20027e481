// Package observability contains logging setup and connection metrics.
package observability

import (
    "fmt"
    "os"
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"

    "msglink/pkg/config"
)

// NewLogger builds the process logger from config and installs it as
// the zap global. One core writes to every configured output; the
// caller should defer logger.Sync().
func NewLogger(c config.LogConfig) (*zap.Logger, error) {
    level, err := parseLevel(c.Level)
    if err != nil {
        return nil, err
    }

    enc := encoderConfig()
    var encoder zapcore.Encoder
    if strings.ToLower(c.Format) == "json" {
        encoder = zapcore.NewJSONEncoder(enc)
    } else {
        if c.Development {
            enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
        }
        encoder = zapcore.NewConsoleEncoder(enc)
    }

    core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(syncers(c)...), level)
    opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
    if c.Development {
        // Caller locations matter when chasing a protocol bug through
        // the engine; in production the conn/packet fields identify
        // the site well enough.
        opts = append(opts, zap.Development(), zap.AddCaller())
    }

    logger := zap.New(core, opts...)
    zap.ReplaceGlobals(logger)
    return logger, nil
}

// ConnLogger scopes a logger to one peer. Every engine line carries
// the socket path under the "conn" key; per-event fields (packet id,
// RTT, message id) are added at the call sites.
func ConnLogger(base *zap.Logger, path string) *zap.Logger {
    if base == nil {
        base = zap.L()
    }
    return base.With(zap.String("conn", path))
}

// encoderConfig keeps console lines narrow: engine logging is
// dominated by per-datagram debug events where the message plus the
// "conn" and "packet" fields are the payload, so the time stamp is
// wall-clock-short and durations render as milliseconds to match the
// engine's RTT and timeout fields.
func encoderConfig() zapcore.EncoderConfig {
    return zapcore.EncoderConfig{
        TimeKey:        "ts",
        LevelKey:       "level",
        NameKey:        "logger",
        CallerKey:      "caller",
        MessageKey:     "msg",
        StacktraceKey:  "stacktrace",
        LineEnding:     zapcore.DefaultLineEnding,
        EncodeLevel:    zapcore.CapitalLevelEncoder,
        EncodeTime:     zapcore.TimeEncoderOfLayout("15:04:05.000"),
        EncodeDuration: zapcore.MillisDurationEncoder,
        EncodeCaller:   zapcore.ShortCallerEncoder,
    }
}

func parseLevel(s string) (zapcore.Level, error) {
    s = strings.ToLower(strings.TrimSpace(s))
    switch s {
    case "":
        return zap.InfoLevel, nil
    case "warning":
        s = "warn"
    }
    var l zapcore.Level
    if err := l.UnmarshalText([]byte(s)); err != nil {
        return 0, fmt.Errorf("log level %q: %w", s, err)
    }
    return l, nil
}

func syncers(c config.LogConfig) []zapcore.WriteSyncer {
    out := make([]zapcore.WriteSyncer, 0, len(c.Outputs))
    for _, o := range c.Outputs {
        switch strings.ToLower(o) {
        case "stdout":
            out = append(out, zapcore.AddSync(os.Stdout))
        case "stderr":
            out = append(out, zapcore.AddSync(os.Stderr))
        default:
            out = append(out, fileSyncer(o, c))
        }
    }
    if len(out) == 0 {
        out = append(out, zapcore.AddSync(os.Stdout))
    }
    return out
}

// fileSyncer opens a file output, with lumberjack rotation when
// enabled. Falls back to stderr when the file cannot be opened.
func fileSyncer(path string, c config.LogConfig) zapcore.WriteSyncer {
    if c.Rotation.Enable {
        name := path
        if strings.TrimSpace(c.Rotation.Filename) != "" {
            name = c.Rotation.Filename
        }
        return zapcore.AddSync(&lumberjack.Logger{
            Filename:   name,
            MaxSize:    orAtLeast(c.Rotation.MaxSizeMB, 10),
            MaxBackups: orAtLeast(c.Rotation.MaxBackups, 1),
            MaxAge:     orAtLeast(c.Rotation.MaxAgeDays, 7),
            Compress:   c.Rotation.Compress,
        })
    }
    if dir := dirOf(path); dir != "" {
        _ = os.MkdirAll(dir, 0o755)
    }
    f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
    if err != nil {
        return zapcore.AddSync(os.Stderr)
    }
    return zapcore.AddSync(f)
}

func orAtLeast(v, floor int) int {
    if v > floor {
        return v
    }
    return floor
}

func dirOf(path string) string {
    i := strings.LastIndexAny(path, "/\\")
    if i <= 0 {
        return ""
    }
    return path[:i]
}
