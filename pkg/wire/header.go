package wire

import (
    "encoding/binary"
    "errors"
)

// Datagram header layout (3 bytes, then an optional reliable base):
//
//  byte 0   bits 0..5 packetID low, bit 6 reliable, bit 7 inOrder
//  bytes 1..2  little-endian u16, packetID bits 6..21
//  if reliable: VLE16/32 smallest reliable message number in the batch
//
// Per-message header layout (2 bytes):
//
//  bits 0..10  content length (>= 1)
//  bit 11      reserved
//  bit 12      reliable
//  bit 13      inOrder
//  bit 14      fragment
//  bit 15      first fragment
//
// followed by, in order: VLE8/16 reliable delta (iff reliable),
// VLE8/16/32 total fragment count (iff first fragment), u8 transfer id
// (iff fragment), VLE8/16/32 fragment index (iff fragment and not
// first), VLE8/16/32 message id (iff not a fragment, or first
// fragment), then the payload bytes.

// DatagramHeaderSize is the fixed part of the datagram header.
const DatagramHeaderSize = 3

// MaxContentLength is the largest per-message payload+id size the
// 11-bit content length field can carry.
const MaxContentLength = 1<<11 - 1

// ErrShortHeader is returned for datagrams too short to hold a header.
var ErrShortHeader = errors.New("wire: datagram shorter than header")

// Well-known control message ids. The high end of the 30-bit message id
// space is reserved for the disconnect handshake.
const (
    MsgIDPingRequest        uint32 = 1
    MsgIDPingReply          uint32 = 2
    MsgIDFlowControlRequest uint32 = 3
    MsgIDPacketAck          uint32 = 4
    MsgIDDisconnect         uint32 = 0x3FFFFFFF
    MsgIDDisconnectAck      uint32 = 0x3FFFFFFE
)

// DatagramHeader is the decoded fixed datagram header.
type DatagramHeader struct {
    PacketID PacketID
    Reliable bool
    InOrder  bool
}

// AppendDatagramHeader appends the 3-byte fixed header.
func AppendDatagramHeader(dst []byte, h DatagramHeader) []byte {
    b0 := byte(h.PacketID & 63)
    if h.Reliable {
        b0 |= 1 << 6
    }
    if h.InOrder {
        b0 |= 1 << 7
    }
    dst = append(dst, b0)
    return binary.LittleEndian.AppendUint16(dst, uint16(h.PacketID>>6))
}

// ReadDatagramHeader decodes the fixed header.
func ReadDatagramHeader(b []byte) (DatagramHeader, error) {
    if len(b) < DatagramHeaderSize {
        return DatagramHeader{}, ErrShortHeader
    }
    var h DatagramHeader
    h.Reliable = b[0]&(1<<6) != 0
    h.InOrder = b[0]&(1<<7) != 0
    h.PacketID = PacketID(b[0]&63) | PacketID(binary.LittleEndian.Uint16(b[1:3]))<<6
    return h, nil
}

// MessageHeader is the decoded 2-byte per-message header.
type MessageHeader struct {
    ContentLength uint16
    Reliable      bool
    InOrder       bool
    Fragment      bool
    FirstFragment bool
}

// AppendMessageHeader appends the 2-byte per-message header.
// ContentLength must be in [1, MaxContentLength].
func AppendMessageHeader(dst []byte, h MessageHeader) []byte {
    v := h.ContentLength & MaxContentLength
    if h.Reliable {
        v |= 1 << 12
    }
    if h.InOrder {
        v |= 1 << 13
    }
    if h.Fragment || h.FirstFragment {
        v |= 1 << 14
    }
    if h.FirstFragment {
        v |= 1 << 15
    }
    return binary.LittleEndian.AppendUint16(dst, v)
}

// ReadMessageHeader decodes a per-message header.
func ReadMessageHeader(b []byte) (MessageHeader, error) {
    if len(b) < 2 {
        return MessageHeader{}, ErrShortHeader
    }
    v := binary.LittleEndian.Uint16(b[0:2])
    var h MessageHeader
    h.FirstFragment = v&(1<<15) != 0
    h.Fragment = v&(1<<14) != 0 || h.FirstFragment
    h.InOrder = v&(1<<13) != 0
    h.Reliable = v&(1<<12) != 0
    h.ContentLength = v & MaxContentLength
    return h, nil
}
