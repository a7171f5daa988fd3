package types

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	tmos "github.com/gossipchain/netnode/libs/os"
)

// NodeKey is the persistent identity of a node.
type NodeKey struct {
	ID      NodeID             `json:"id"`
	PrivKey ed25519.PrivateKey `json:"priv_key"`
}

// PubKey returns the node's public key.
func (nk NodeKey) PubKey() ed25519.PublicKey {
	return nk.PrivKey.Public().(ed25519.PublicKey)
}

// GenNodeKey generates a new node key.
func GenNodeKey() NodeKey {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return NodeKey{
		ID:      NodeIDFromPubKey(priv.Public().(ed25519.PublicKey)),
		PrivKey: priv,
	}
}

// SaveAs persists the NodeKey to filePath.
func (nk NodeKey) SaveAs(filePath string) error {
	bz, err := json.Marshal(nk)
	if err != nil {
		return err
	}
	return tmos.WriteFileAtomic(filePath, bz, 0600)
}

// LoadNodeKey loads the NodeKey located in filePath.
func LoadNodeKey(filePath string) (NodeKey, error) {
	bz, err := os.ReadFile(filePath)
	if err != nil {
		return NodeKey{}, err
	}
	var nk NodeKey
	if err := json.Unmarshal(bz, &nk); err != nil {
		return NodeKey{}, fmt.Errorf("decoding node key %s: %w", filePath, err)
	}
	if len(nk.PrivKey) != ed25519.PrivateKeySize {
		return NodeKey{}, fmt.Errorf("node key %s: invalid private key length %d", filePath, len(nk.PrivKey))
	}
	nk.ID = NodeIDFromPubKey(nk.PubKey())
	return nk, nil
}

// LoadOrGenNodeKey attempts to load the NodeKey from the given filePath. If
// the file does not exist, it generates and saves a new NodeKey.
func LoadOrGenNodeKey(filePath string) (NodeKey, error) {
	nk, err := LoadNodeKey(filePath)
	switch {
	case err == nil:
		return nk, nil
	case !errors.Is(err, os.ErrNotExist):
		return NodeKey{}, err
	}

	nk = GenNodeKey()
	if err := nk.SaveAs(filePath); err != nil {
		return NodeKey{}, err
	}
	return nk, nil
}
