// Package proto defines the demo application protocol shared by the
// msglink client and server: CBOR-encoded payloads and their opcodes.
package proto

// Application message ids. Ids below 10 are reserved for the transport
// protocol.
const (
    MsgTelemetry  uint32 = 10
    MsgPosition   uint32 = 11
    MsgBlob       uint32 = 12
    MsgEcho       uint32 = 13
    MsgBlobDigest uint32 = 14
)

// Telemetry is a periodic reliable sample.
type Telemetry struct {
    Seq    uint64  `cbor:"1,keyasint"`
    Node   string  `cbor:"2,keyasint"`
    SentMS int64   `cbor:"3,keyasint"`
    Load   float64 `cbor:"4,keyasint"`
}

// Position is an unreliable, coalescable state update keyed by entity.
type Position struct {
    Entity uint32  `cbor:"1,keyasint"`
    X      float64 `cbor:"2,keyasint"`
    Y      float64 `cbor:"3,keyasint"`
    Z      float64 `cbor:"4,keyasint"`
}

// BlobDigest acknowledges a fragmented blob transfer.
type BlobDigest struct {
    Size uint64 `cbor:"1,keyasint"`
    Sum  uint32 `cbor:"2,keyasint"`
}

// Checksum is a small rolling checksum used to verify blob transfers
// end to end.
func Checksum(data []byte) uint32 {
    var a, b uint32 = 1, 0
    for _, x := range data {
        a = (a + uint32(x)) % 65521
        b = (b + a) % 65521
    }
    return b<<16 | a
}
