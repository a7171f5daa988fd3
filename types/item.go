package types

import "fmt"

// ItemType distinguishes the two kinds of gossiped payloads. The numeric
// order matters: fetch queues serve lower types first.
type ItemType uint8

const (
	ItemTypeBlock       ItemType = 1
	ItemTypeTransaction ItemType = 2
)

func (t ItemType) String() string {
	switch t {
	case ItemTypeBlock:
		return "block"
	case ItemTypeTransaction:
		return "transaction"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	return t == ItemTypeBlock || t == ItemTypeTransaction
}

// ItemID identifies a gossip payload irrespective of its content. The hash is
// the block id for blocks and the transaction id for transactions.
type ItemID struct {
	Type ItemType `cbor:"1,keyasint"`
	Hash Hash     `cbor:"2,keyasint"`
}

func NewItemID(t ItemType, h Hash) ItemID { return ItemID{Type: t, Hash: h} }

// BlockItem returns the ItemID of a block.
func BlockItem(id BlockID) ItemID { return ItemID{Type: ItemTypeBlock, Hash: Hash(id)} }

// TransactionItem returns the ItemID of a transaction.
func TransactionItem(id TransactionID) ItemID {
	return ItemID{Type: ItemTypeTransaction, Hash: id}
}

func (id ItemID) String() string {
	return fmt.Sprintf("%s:%s", id.Type, id.Hash.Short())
}
