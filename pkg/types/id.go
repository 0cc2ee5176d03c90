package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/bits"

	"lukechampine.com/blake3"
)

// IDLength is the size of a node identifier in bytes (SHA-1 output).
const IDLength = 20

// IDBits is the number of bits in a node identifier.
const IDBits = IDLength * 8

// NodeID identifies a node and doubles as a position in the key space.
type NodeID [IDLength]byte

// NodeIDFromPublicKey derives a node identifier as the SHA-1 hash of the public key.
func NodeIDFromPublicKey(publicKey ed25519.PublicKey) NodeID {
	return NodeID(sha1.Sum(publicKey))
}

// NodeIDFromBytes copies b into a NodeID. b must be exactly IDLength bytes.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != IDLength {
		return id, fmt.Errorf("invalid node id length %d, want %d", len(b), IDLength)
	}
	copy(id[:], b)
	return id, nil
}

// ParseNodeID decodes a hex encoded node identifier.
func ParseNodeID(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("failed to decode node id: %w", err)
	}
	return NodeIDFromBytes(b)
}

// KeyToID maps an arbitrary storage key into the identifier space. Keys that
// already have identifier length are used as-is, anything else is hashed
// with BLAKE3 truncated to IDLength bytes.
func KeyToID(key []byte) NodeID {
	var id NodeID
	if len(key) == IDLength {
		copy(id[:], key)
		return id
	}
	h := blake3.New(IDLength, nil)
	h.Write(key)
	copy(id[:], h.Sum(nil))
	return id
}

// RandomID returns a uniformly random identifier.
func RandomID() NodeID {
	var id NodeID
	rand.Read(id[:])
	return id
}

func (id NodeID) Bytes() []byte {
	b := make([]byte, IDLength)
	copy(b, id[:])
	return b
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for log lines.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// Xor returns the XOR distance between id and other.
func (id NodeID) Xor(other NodeID) NodeID {
	var d NodeID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// LeadingZeros counts the leading zero bits. The zero identifier has IDBits.
func (id NodeID) LeadingZeros() int {
	for i, b := range id {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return IDBits
}

// Less orders identifiers as big-endian unsigned integers.
func (id NodeID) Less(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// CompareDistance reports whether a is closer to target than b (-1), as
// close (0) or farther (+1).
func CompareDistance(target, a, b NodeID) int {
	da := target.Xor(a)
	db := target.Xor(b)
	return bytes.Compare(da[:], db[:])
}
