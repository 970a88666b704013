package dht

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// IDLength is the size of a node identifier in bytes.
	IDLength = 32
	// IDBits is the identifier width, which is also the number of bucket
	// indexes in a routing table.
	IDBits = IDLength * 8
)

// ErrZeroDistance is returned when a bucket index is requested for two equal
// identifiers.
var ErrZeroDistance = errors.New("zero distance has no bucket index")

// ID identifies a node in the overlay. IDs compare as big-endian integers.
type ID [IDLength]byte

// IDFromUint64 returns the identifier whose integer value is v.
func IDFromUint64(v uint64) ID {
	var id ID
	binary.BigEndian.PutUint64(id[IDLength-8:], v)
	return id
}

// ParseID parses a hex-encoded identifier.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse id: %w", err)
	}
	if len(raw) != IDLength {
		return id, fmt.Errorf("parse id: want %d bytes, got %d", IDLength, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the full hex encoding.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// TerminalString returns a shortened form for log output: the first and last
// three bytes, so both random and small identifiers stay distinguishable.
func (id ID) TerminalString() string {
	return hex.EncodeToString(id[:3]) + "…" + hex.EncodeToString(id[IDLength-3:])
}

// Compare orders identifiers as big-endian integers.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Xor returns the distance between a and b.
func Xor(a, b ID) *uint256.Int {
	var d [IDLength]byte
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return new(uint256.Int).SetBytes32(d[:])
}

// BucketIndex returns the position of the highest set bit of the distance
// between a and b.
func BucketIndex(a, b ID) (int, error) {
	bits := Xor(a, b).BitLen()
	if bits == 0 {
		return 0, ErrZeroDistance
	}
	return bits - 1, nil
}

// CompareDistance reports whether a is closer to origin than b (-1), farther
// (+1), or equally far (0, only when a == b).
func CompareDistance(origin, a, b ID) int {
	for i := range origin {
		da, db := a[i]^origin[i], b[i]^origin[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}
