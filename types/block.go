package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// BlockID identifies a block. The first four bytes carry the big-endian block
// number so the number can be recovered from the id alone; the remaining
// bytes come from the block digest.
type BlockID Hash

// ZeroBlockID is the id preceding block #1.
var ZeroBlockID BlockID

// Number returns the block number embedded in the id.
func (id BlockID) Number() uint32 { return binary.BigEndian.Uint32(id[:4]) }

func (id BlockID) IsZero() bool { return id == ZeroBlockID }

func (id BlockID) String() string { return Hash(id).String() }

// Short renders the number and a digest prefix, e.g. "#42:9f3a01bc".
func (id BlockID) Short() string {
	return fmt.Sprintf("#%d:%x", id.Number(), id[4:8])
}

// MaxTransactionsPerBlock bounds the transactions a block may carry.
const MaxTransactionsPerBlock = 10000

// Block is a signed-off batch of transactions extending Previous. Only the
// fields the network layer needs are modelled; validity is decided by the
// chain delegate.
type Block struct {
	Previous     BlockID       `cbor:"1,keyasint"`
	Timestamp    time.Time     `cbor:"2,keyasint"`
	Producer     string        `cbor:"3,keyasint"`
	Transactions []Transaction `cbor:"4,keyasint,omitempty"`
}

// NewBlock builds a block with its timestamp truncated to whole seconds.
func NewBlock(previous BlockID, timestamp time.Time, producer string, txs []Transaction) *Block {
	return &Block{
		Previous:     previous,
		Timestamp:    timestamp.UTC().Truncate(time.Second),
		Producer:     producer,
		Transactions: txs,
	}
}

// Number is one more than the number of the previous block.
func (b *Block) Number() uint32 { return b.Previous.Number() + 1 }

// ID computes the block id from the header and the transaction ids.
func (b *Block) ID() BlockID {
	buf := make([]byte, 0, HashSize+8+len(b.Producer)+HashSize*len(b.Transactions))
	buf = append(buf, b.Previous[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(b.Timestamp.Unix()))
	buf = append(buf, b.Producer...)
	for i := range b.Transactions {
		txID := b.Transactions[i].ID()
		buf = append(buf, txID[:]...)
	}

	digest := HashBytes(buf)
	var id BlockID
	copy(id[:], digest[:])
	binary.BigEndian.PutUint32(id[:4], b.Number())
	return id
}

// ValidateBasic performs stateless sanity checks.
func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.New("nil block")
	}
	if b.Timestamp.IsZero() {
		return errors.New("block has no timestamp")
	}
	if b.Previous.Number() == ^uint32(0) {
		return errors.New("block number overflow")
	}
	if len(b.Transactions) > MaxTransactionsPerBlock {
		return fmt.Errorf("too many transactions: %d > %d", len(b.Transactions), MaxTransactionsPerBlock)
	}
	for i := range b.Transactions {
		if err := b.Transactions[i].ValidateBasic(); err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
	}
	return nil
}
