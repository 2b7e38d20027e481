// msglink-server listens for message connections, logs the telemetry
// it receives and echoes every sample back to its sender.
package main

import (
    "context"
    "flag"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/fxamacker/cbor/v2"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"

    "msglink/internal/proto"
    "msglink/pkg/config"
    "msglink/pkg/conn"
    "msglink/pkg/observability"
    "msglink/pkg/server"
    "msglink/pkg/worker"
)

func main() {
    configPath := flag.String("config", "", "path to msglink.yaml")
    listen := flag.String("listen", ":7788", "address to listen on")
    metricsAddr := flag.String("metrics", "", "optional prometheus exposition address, e.g. :9100")
    flag.Parse()

    cfg, err := config.Load(*configPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        os.Exit(1)
    }
    logger, err := observability.NewLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        os.Exit(1)
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("msglink-server started", zap.String("app", cfg.AppName), zap.String("listen", *listen))

    if *metricsAddr != "" {
        go func() {
            mux := http.NewServeMux()
            mux.Handle("/metrics", promhttp.Handler())
            if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
                zap.L().Warn("metrics endpoint failed", zap.Error(err))
            }
        }()
    }

    w := worker.Default()
    w.Start()
    defer w.Stop()

    opts := connOptions(cfg)
    srv, err := server.Listen(*listen, w, opts)
    if err != nil {
        zap.L().Error("listen failed", zap.Error(err))
        os.Exit(1)
    }
    defer srv.Close()

    ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer cancel()

    for {
        c, err := srv.Accept(ctx)
        if err != nil {
            zap.L().Info("accept loop done", zap.Error(err))
            return
        }
        go serve(ctx, c)
    }
}

func connOptions(cfg *config.Config) conn.Options {
    return conn.Options{
        MaxSendSize:          cfg.Net.MaxSendSize,
        AcceptQueueCapacity:  cfg.Net.AcceptQueueCapacity,
        InboundQueueCapacity: cfg.Net.InboundQueueCapacity,
        TargetSendRate:       cfg.Net.TargetSendRate,
        PingIntervalMS:       float64(cfg.Net.PingIntervalMS),
        StatsRefreshMS:       float64(cfg.Net.StatsRefreshMS),
        ConnectionLostMS:     float64(cfg.Net.ConnectionLostMS),
        DisconnectTimeoutMS:  cfg.Net.DisconnectTimeoutMS,
        Logger:               zap.L(),
    }
}

// echoHandler decodes inbound samples and echoes them back.
type echoHandler struct {
    c *conn.UDPConnection
}

func (h *echoHandler) HandleMessage(id uint32, data []byte) {
    switch id {
    case proto.MsgTelemetry:
        var t proto.Telemetry
        if err := cbor.Unmarshal(data, &t); err != nil {
            zap.L().Warn("bad telemetry payload", zap.Error(err))
            return
        }
        zap.L().Debug("telemetry", zap.Uint64("seq", t.Seq), zap.String("node", t.Node))
        _ = h.c.SendMessage(proto.MsgEcho, true, false, 100, 0, data)
    case proto.MsgPosition:
        var p proto.Position
        if err := cbor.Unmarshal(data, &p); err != nil {
            zap.L().Warn("bad position payload", zap.Error(err))
            return
        }
        zap.L().Debug("position", zap.Uint32("entity", p.Entity), zap.Float64("x", p.X), zap.Float64("y", p.Y))
    case proto.MsgBlob:
        zap.L().Info("blob received", zap.Int("size", len(data)))
        digest := proto.BlobDigest{Size: uint64(len(data)), Sum: proto.Checksum(data)}
        out, err := cbor.Marshal(digest)
        if err != nil {
            return
        }
        _ = h.c.SendMessage(proto.MsgBlobDigest, true, false, 100, 0, out)
    default:
        zap.L().Debug("unhandled message", zap.Uint32("id", id), zap.Int("size", len(data)))
    }
}

// ComputeContentID keys inbound position updates per entity: a position
// carried by an older datagram than one already delivered for the same
// entity is dropped.
func (h *echoHandler) ComputeContentID(id uint32, data []byte) uint32 {
    if id != proto.MsgPosition {
        return 0
    }
    var p proto.Position
    if err := cbor.Unmarshal(data, &p); err != nil {
        return 0
    }
    return p.Entity
}

func serve(ctx context.Context, c *conn.UDPConnection) {
    h := &echoHandler{c: c}
    c.RegisterHandler(h)

    statusTicker := time.NewTicker(10 * time.Second)
    defer statusTicker.Stop()

    for {
        select {
        case <-ctx.Done():
            c.Disconnect(1000)
            return
        case <-statusTicker.C:
            c.DumpStatus()
        default:
        }
        if c.State() == conn.StateClosed {
            zap.L().Info("session ended")
            return
        }
        if c.ProcessMessages(256) == 0 {
            c.WaitForMessage(100)
        }
    }
}
