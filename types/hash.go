package types

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the length in bytes of every identifier used on the wire.
const HashSize = 20

// Hash is a 160-bit digest. Message hashes, transaction ids and block ids all
// share this size.
type Hash [HashSize]byte

// ZeroHash is the unset hash.
var ZeroHash Hash

// HashBytes returns the 160-bit BLAKE2b digest of data.
func HashBytes(data []byte) Hash {
	h, err := blake2b.New(HashSize, nil)
	if err != nil {
		// only fails for sizes outside [1, 64] or oversized keys
		panic(err)
	}
	_, _ = h.Write(data)

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ParseHash decodes a hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	bz, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash encoding: %w", err)
	}
	if len(bz) != HashSize {
		return h, fmt.Errorf("invalid hash length %d, expected %d", len(bz), HashSize)
	}
	copy(h[:], bz)
	return h, nil
}

func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first bytes of the hash for log lines.
func (h Hash) Short() string { return hex.EncodeToString(h[:6]) }
