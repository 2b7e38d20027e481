package observability

import (
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

var (
    datagramsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
        Name: "msglink_datagrams_total",
        Help: "Datagrams sent and received per connection.",
    }, []string{"direction", "remote"})

    messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
        Name: "msglink_messages_total",
        Help: "Application messages sent and received per connection.",
    }, []string{"direction", "remote"})

    bytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
        Name: "msglink_bytes_total",
        Help: "Wire bytes sent and received per connection.",
    }, []string{"direction", "remote"})

    retransmitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
        Name: "msglink_retransmits_total",
        Help: "Reliable datagrams that timed out and were repacked.",
    }, []string{"remote"})

    rttGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
        Name: "msglink_rtt_milliseconds",
        Help: "Ping-measured round trip time.",
    }, []string{"remote"})

    sendRateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
        Name: "msglink_send_rate_datagrams",
        Help: "Current paced datagram send rate per second.",
    }, []string{"remote"})
)

// ConnInstruments is the set of metric instances for one connection,
// resolved once so the per-datagram path avoids label lookups.
type ConnInstruments struct {
    remote string

    DatagramsIn  prometheus.Counter
    DatagramsOut prometheus.Counter
    MessagesIn   prometheus.Counter
    MessagesOut  prometheus.Counter
    BytesIn      prometheus.Counter
    BytesOut     prometheus.Counter
    Retransmits  prometheus.Counter
    RTT          prometheus.Gauge
    SendRate     prometheus.Gauge
}

// ForConn resolves the instruments for a peer.
func ForConn(remote string) *ConnInstruments {
    return &ConnInstruments{
        remote:       remote,
        DatagramsIn:  datagramsTotal.WithLabelValues("in", remote),
        DatagramsOut: datagramsTotal.WithLabelValues("out", remote),
        MessagesIn:   messagesTotal.WithLabelValues("in", remote),
        MessagesOut:  messagesTotal.WithLabelValues("out", remote),
        BytesIn:      bytesTotal.WithLabelValues("in", remote),
        BytesOut:     bytesTotal.WithLabelValues("out", remote),
        Retransmits:  retransmitsTotal.WithLabelValues(remote),
        RTT:          rttGauge.WithLabelValues(remote),
        SendRate:     sendRateGauge.WithLabelValues(remote),
    }
}

// Drop removes the connection's series once it is closed for good.
func (ci *ConnInstruments) Drop() {
    for _, dir := range []string{"in", "out"} {
        datagramsTotal.DeleteLabelValues(dir, ci.remote)
        messagesTotal.DeleteLabelValues(dir, ci.remote)
        bytesTotal.DeleteLabelValues(dir, ci.remote)
    }
    retransmitsTotal.DeleteLabelValues(ci.remote)
    rttGauge.DeleteLabelValues(ci.remote)
    sendRateGauge.DeleteLabelValues(ci.remote)
}
