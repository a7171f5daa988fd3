package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// TransactionID is the digest of a transaction's content.
type TransactionID = Hash

// MaxTransactionPayload bounds the opaque payload of a transaction.
const MaxTransactionPayload = 64 * 1024

// Transaction is an opaque payload with an expiration. The network layer
// never interprets the payload.
type Transaction struct {
	Expiration time.Time `cbor:"1,keyasint"`
	Payload    []byte    `cbor:"2,keyasint"`
}

// ID returns the content hash of the transaction.
func (tx *Transaction) ID() TransactionID {
	buf := make([]byte, 0, 8+len(tx.Payload))
	buf = binary.BigEndian.AppendUint64(buf, uint64(tx.Expiration.Unix()))
	buf = append(buf, tx.Payload...)
	return HashBytes(buf)
}

func (tx *Transaction) ValidateBasic() error {
	if len(tx.Payload) == 0 {
		return errors.New("empty transaction payload")
	}
	if len(tx.Payload) > MaxTransactionPayload {
		return fmt.Errorf("transaction payload too large: %d > %d", len(tx.Payload), MaxTransactionPayload)
	}
	return nil
}
