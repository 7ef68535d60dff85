package storage

import (
	"encoding/binary"
	"math"
)

// Key codecs. Record stores key rows by their 8-byte big-endian id so that
// integer order and byte order coincide. Secondary index stores key rows by
// an order-preserving encoding of the column value followed by the id, so
// an index cursor yields (value, id) pairs sorted by value then id.

// Type tags, chosen so nil < bool < number < string across types.
const (
	tagNil    = 0x00
	tagBool   = 0x01
	tagNumber = 0x02
	tagString = 0x03
)

// EncodeID encodes a record id as a big-endian fixed-width key.
func EncodeID(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

// DecodeID decodes an EncodeID key.
func DecodeID(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// appendSortableFloat appends an order-preserving encoding of f: the IEEE
// bits with the sign bit flipped for positives and all bits flipped for
// negatives, so byte order equals numeric order.
func appendSortableFloat(dst []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return append(dst, b[:]...)
}

// appendEscapedString appends s with embedded 0x00 escaped as 0x00 0xFF and
// a 0x00 0x00 terminator, preserving prefix order between values of
// different lengths.
func appendEscapedString(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		dst = append(dst, c)
		if c == 0x00 {
			dst = append(dst, 0xFF)
		}
	}
	return append(dst, 0x00, 0x00)
}

// AppendIndexValue appends the order-preserving encoding of one column
// value. Dates arrive here as float64 epoch-milliseconds (the codec layer
// normalizes them before indexing).
func AppendIndexValue(dst []byte, v any) []byte {
	switch x := v.(type) {
	case nil:
		return append(dst, tagNil)
	case bool:
		if x {
			return append(dst, tagBool, 1)
		}
		return append(dst, tagBool, 0)
	case float64:
		return appendSortableFloat(append(dst, tagNumber), x)
	case int:
		return appendSortableFloat(append(dst, tagNumber), float64(x))
	case int64:
		return appendSortableFloat(append(dst, tagNumber), float64(x))
	case uint64:
		return appendSortableFloat(append(dst, tagNumber), float64(x))
	case string:
		return appendEscapedString(append(dst, tagString), x)
	default:
		// Unindexable value kinds (json, vector) never reach here; the
		// schema rejects declaring them as secondary indexes.
		return append(dst, tagNil)
	}
}

// IndexKey builds a secondary-index key: encoded value then id.
func IndexKey(value any, id uint64) []byte {
	k := AppendIndexValue(nil, value)
	return append(k, EncodeID(id)...)
}

// IndexPrefix builds the common prefix of all index keys carrying value,
// for equality scans.
func IndexPrefix(value any) []byte {
	return AppendIndexValue(nil, value)
}

// IndexKeyID extracts the record id from a secondary-index key.
func IndexKeyID(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return DecodeID(key[len(key)-8:])
}

// PrefixUpper returns the smallest key greater than every key with the
// given prefix, or nil when no such key exists (all-0xFF prefix).
func PrefixUpper(prefix []byte) []byte {
	up := append([]byte(nil), prefix...)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] < 0xFF {
			up[i]++
			return up[:i+1]
		}
	}
	return nil
}
