package types

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// NodeIDByteLength is the length of the binary node id.
const NodeIDByteLength = 20

// reNodeID is a regexp for valid node IDs.
var reNodeID = regexp.MustCompile(`^[0-9a-f]{40}$`)

// NodeID is the hex-encoded truncated SHA-256 of a node's public key. It must
// be lowercased (for uniqueness) and of length 2*NodeIDByteLength.
type NodeID string

// NewNodeID returns a lowercased (normalized) NodeID, or errors if the
// node ID is invalid.
func NewNodeID(nodeID string) (NodeID, error) {
	n := NodeID(strings.ToLower(nodeID))
	return n, n.Validate()
}

// NodeIDFromPubKey derives the node ID from a public key.
func NodeIDFromPubKey(pubKey ed25519.PublicKey) NodeID {
	sum := sha256.Sum256(pubKey)
	return NodeID(hex.EncodeToString(sum[:NodeIDByteLength]))
}

// Validate validates the NodeID.
func (id NodeID) Validate() error {
	switch {
	case len(id) == 0:
		return errors.New("empty node ID")

	case len(id) != 2*NodeIDByteLength:
		return fmt.Errorf("invalid node ID length %d, expected %d", len(id), 2*NodeIDByteLength)

	case !reNodeID.MatchString(string(id)):
		return fmt.Errorf("node ID can only contain lowercased hex digits")

	default:
		return nil
	}
}

// Short returns a prefix of the id for log lines.
func (id NodeID) Short() string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}
