// Package wire implements the datagram wire format: the variable-length
// integer codec, 22-bit packet id arithmetic, and the datagram and
// per-message header layouts. All multi-byte fields are little-endian.
package wire

import (
    "encoding/binary"
    "errors"
)

// ErrVLE is returned when a variable-length field is truncated or uses
// a flag combination the decoder does not know. Callers abort the
// remainder of the datagram on it.
var ErrVLE = errors.New("wire: malformed variable-length field")

// VLE8/16: one byte for values below 1<<7, otherwise two bytes holding
// 15 bits. The top bit of the first byte is the extension flag.

// MaxVLE8_16 is the largest value VLE8/16 can carry.
const MaxVLE8_16 = 1<<15 - 1

// SizeVLE8_16 returns the encoded size of v.
func SizeVLE8_16(v uint32) int {
    if v < 1<<7 {
        return 1
    }
    return 2
}

// AppendVLE8_16 appends the encoding of v, which must fit 15 bits.
func AppendVLE8_16(dst []byte, v uint32) []byte {
    if v < 1<<7 {
        return append(dst, byte(v))
    }
    return append(dst, byte(v&0x7F)|0x80, byte(v>>7))
}

// ReadVLE8_16 decodes a VLE8/16 field, returning the value and the
// number of bytes consumed.
func ReadVLE8_16(b []byte) (uint32, int, error) {
    if len(b) < 1 {
        return 0, 0, ErrVLE
    }
    if b[0]&0x80 == 0 {
        return uint32(b[0]), 1, nil
    }
    if len(b) < 2 {
        return 0, 0, ErrVLE
    }
    return uint32(b[0]&0x7F) | uint32(b[1])<<7, 2, nil
}

// VLE8/16/32: one byte below 1<<7, two bytes below 1<<14, otherwise
// four bytes holding 30 bits. The top bit of each of the first two
// bytes is an extension flag.

// MaxVLE8_16_32 is the largest value VLE8/16/32 can carry.
const MaxVLE8_16_32 = 1<<30 - 1

// SizeVLE8_16_32 returns the encoded size of v.
func SizeVLE8_16_32(v uint32) int {
    switch {
    case v < 1<<7:
        return 1
    case v < 1<<14:
        return 2
    default:
        return 4
    }
}

// AppendVLE8_16_32 appends the encoding of v, which must fit 30 bits.
func AppendVLE8_16_32(dst []byte, v uint32) []byte {
    switch {
    case v < 1<<7:
        return append(dst, byte(v))
    case v < 1<<14:
        return append(dst, byte(v&0x7F)|0x80, byte(v>>7))
    default:
        dst = append(dst, byte(v&0x7F)|0x80, byte(v>>7&0x7F)|0x80)
        return binary.LittleEndian.AppendUint16(dst, uint16(v>>14))
    }
}

// ReadVLE8_16_32 decodes a VLE8/16/32 field, returning the value and
// the number of bytes consumed.
func ReadVLE8_16_32(b []byte) (uint32, int, error) {
    if len(b) < 1 {
        return 0, 0, ErrVLE
    }
    if b[0]&0x80 == 0 {
        return uint32(b[0]), 1, nil
    }
    if len(b) < 2 {
        return 0, 0, ErrVLE
    }
    if b[1]&0x80 == 0 {
        return uint32(b[0]&0x7F) | uint32(b[1])<<7, 2, nil
    }
    if len(b) < 4 {
        return 0, 0, ErrVLE
    }
    return uint32(b[0]&0x7F) | uint32(b[1]&0x7F)<<7 | uint32(binary.LittleEndian.Uint16(b[2:4]))<<14, 4, nil
}

// VLE16/32: two bytes below 1<<15, otherwise four bytes holding 31
// bits. Bit 15 of the first halfword is the extension flag.

// MaxVLE16_32 is the largest value VLE16/32 can carry.
const MaxVLE16_32 = 1<<31 - 1

// SizeVLE16_32 returns the encoded size of v.
func SizeVLE16_32(v uint32) int {
    if v < 1<<15 {
        return 2
    }
    return 4
}

// AppendVLE16_32 appends the encoding of v, which must fit 31 bits.
func AppendVLE16_32(dst []byte, v uint32) []byte {
    if v < 1<<15 {
        return binary.LittleEndian.AppendUint16(dst, uint16(v))
    }
    dst = binary.LittleEndian.AppendUint16(dst, uint16(v&0x7FFF)|0x8000)
    return binary.LittleEndian.AppendUint16(dst, uint16(v>>15))
}

// ReadVLE16_32 decodes a VLE16/32 field, returning the value and the
// number of bytes consumed.
func ReadVLE16_32(b []byte) (uint32, int, error) {
    if len(b) < 2 {
        return 0, 0, ErrVLE
    }
    lo := binary.LittleEndian.Uint16(b[0:2])
    if lo&0x8000 == 0 {
        return uint32(lo), 2, nil
    }
    if len(b) < 4 {
        return 0, 0, ErrVLE
    }
    return uint32(lo&0x7FFF) | uint32(binary.LittleEndian.Uint16(b[2:4]))<<15, 4, nil
}
