// msglink-client connects to a msglink-server, streams telemetry and
// position updates, optionally pushes a large blob through the
// fragmentation path, and verifies the echoes.
package main

import (
    "flag"
    "fmt"
    "math/rand"
    "os"
    "time"

    "github.com/fxamacker/cbor/v2"
    "go.uber.org/zap"

    "msglink/internal/proto"
    "msglink/pkg/conn"
    "msglink/pkg/worker"
)

func main() {
    addr := flag.String("addr", "127.0.0.1:7788", "server address")
    name := flag.String("name", "client1", "node name stamped into telemetry")
    count := flag.Int("count", 100, "telemetry samples to send")
    interval := flag.Duration("interval", 50*time.Millisecond, "delay between samples")
    blobSize := flag.Int("blob", 0, "optional blob size in bytes to exercise fragmentation")
    timeout := flag.Duration("timeout", 15*time.Second, "connect timeout")
    flag.Parse()

    logger, _ := zap.NewDevelopment()
    zap.ReplaceGlobals(logger)
    defer func() { _ = logger.Sync() }()

    w := worker.Default()
    w.Start()
    defer w.Stop()

    c, err := conn.Connect(*addr, conn.Options{Logger: logger})
    if err != nil {
        fatalf("connect: %v", err)
    }
    w.AddConnection(c)

    echoes := make(chan proto.Telemetry, 1024)
    digests := make(chan proto.BlobDigest, 1)
    c.RegisterHandler(&clientHandler{echoes: echoes, digests: digests})

    if !c.WaitToEstablishConnection(int(timeout.Milliseconds())) {
        fatalf("connection to %s not established within %s", *addr, *timeout)
    }
    zap.L().Info("connected", zap.String("addr", *addr))

    var blob []byte
    if *blobSize > 0 {
        blob = make([]byte, *blobSize)
        rand.New(rand.NewSource(42)).Read(blob)
        if err := c.SendMessage(proto.MsgBlob, true, false, 10, 0, blob); err != nil {
            fatalf("send blob: %v", err)
        }
        zap.L().Info("blob queued", zap.Int("size", *blobSize))
    }

    go receiveLoop(c)

    for seq := uint64(1); seq <= uint64(*count); seq++ {
        t := proto.Telemetry{Seq: seq, Node: *name, SentMS: time.Now().UnixMilli(), Load: rand.Float64()}
        payload, err := cbor.Marshal(t)
        if err != nil {
            fatalf("encode telemetry: %v", err)
        }
        if err := c.SendMessage(proto.MsgTelemetry, true, false, 50, 0, payload); err != nil {
            zap.L().Warn("telemetry rejected", zap.Error(err))
        }

        // Position updates coalesce per entity: only the newest queued
        // one per entity needs to reach the wire.
        p := proto.Position{Entity: uint32(seq%8 + 1), X: rand.Float64() * 100, Y: rand.Float64() * 100}
        if payload, err = cbor.Marshal(p); err == nil {
            _ = c.SendMessage(proto.MsgPosition, false, false, 20, p.Entity, payload)
        }

        time.Sleep(*interval)
    }

    waitForEchoes(echoes, *count, 30*time.Second)
    if blob != nil {
        waitForDigest(digests, blob, 60*time.Second)
    }

    c.Disconnect(5000)
    zap.L().Info("done", zap.String("state", c.State().String()))
}

type clientHandler struct {
    echoes  chan proto.Telemetry
    digests chan proto.BlobDigest
}

func (h *clientHandler) HandleMessage(id uint32, data []byte) {
    switch id {
    case proto.MsgEcho:
        var t proto.Telemetry
        if err := cbor.Unmarshal(data, &t); err == nil {
            select {
            case h.echoes <- t:
            default:
            }
        }
    case proto.MsgBlobDigest:
        var d proto.BlobDigest
        if err := cbor.Unmarshal(data, &d); err == nil {
            select {
            case h.digests <- d:
            default:
            }
        }
    }
}

func (h *clientHandler) ComputeContentID(uint32, []byte) uint32 { return 0 }

func receiveLoop(c *conn.UDPConnection) {
    for c.State() != conn.StateClosed {
        if c.ProcessMessages(256) == 0 {
            c.WaitForMessage(100)
        }
    }
}

func waitForEchoes(echoes <-chan proto.Telemetry, want int, timeout time.Duration) {
    deadline := time.After(timeout)
    got := 0
    for got < want {
        select {
        case <-echoes:
            got++
        case <-deadline:
            zap.L().Warn("echo wait timed out", zap.Int("got", got), zap.Int("want", want))
            return
        }
    }
    zap.L().Info("all telemetry echoed", zap.Int("count", got))
}

func waitForDigest(digests <-chan proto.BlobDigest, blob []byte, timeout time.Duration) {
    select {
    case d := <-digests:
        ok := d.Size == uint64(len(blob)) && d.Sum == proto.Checksum(blob)
        zap.L().Info("blob digest", zap.Bool("match", ok), zap.Uint64("size", d.Size))
    case <-time.After(timeout):
        zap.L().Warn("blob digest wait timed out")
    }
}

func fatalf(format string, args ...any) {
    _, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
    os.Exit(1)
}
