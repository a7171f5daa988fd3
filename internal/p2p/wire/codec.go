package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"

	"github.com/gossipchain/netnode/types"
)

var (
	ErrUnknownCode     = errors.New("unknown message code")
	ErrEmptyMessage    = errors.New("empty message")
	ErrMessageTooLarge = errors.New("message too large")
)

// Codec turns messages into frames and back. A frame is the one-byte message
// code followed by the deterministic CBOR encoding of the message. Block
// messages larger than the compression threshold travel as CompressedBlock.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode

	compressOver int
	maxSize      int
}

// NewCodec returns a codec. compressOver <= 0 disables block compression;
// maxSize bounds both frames and inflated blocks.
func NewCodec(compressOver, maxSize int) (*Codec, error) {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("could not create cbor encoder: %w", err)
	}

	dec, err := cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("could not create cbor decoder: %w", err)
	}

	return &Codec{enc: enc, dec: dec, compressOver: compressOver, maxSize: maxSize}, nil
}

// MustNewCodec is NewCodec that panics on error.
func MustNewCodec(compressOver, maxSize int) *Codec {
	c, err := NewCodec(compressOver, maxSize)
	if err != nil {
		panic(err)
	}
	return c
}

// Marshal returns the canonical frame of msg without compression. Message
// hashes are computed over this form.
func (c *Codec) Marshal(msg Message) ([]byte, error) {
	payload, err := c.enc.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("could not encode %s: %w", msg.Code(), err)
	}

	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(msg.Code()))
	return append(frame, payload...), nil
}

// Encode returns the frame to put on the wire for msg.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	frame, err := c.Marshal(msg)
	if err != nil {
		return nil, err
	}

	if msg.Code() == CodeBlock && c.compressOver > 0 && len(frame)-1 > c.compressOver {
		compressed, err := c.Marshal(&CompressedBlock{Data: snappy.Encode(nil, frame[1:])})
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(frame) {
			frame = compressed
		}
	}

	if c.maxSize > 0 && len(frame) > c.maxSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrMessageTooLarge, msg.Code(), len(frame), c.maxSize)
	}
	return frame, nil
}

// Decode parses a frame. Compressed blocks are returned as *BlockMessage.
func (c *Codec) Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyMessage
	}
	if c.maxSize > 0 && len(frame) > c.maxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(frame), c.maxSize)
	}

	code := Code(frame[0])
	msg, err := newMessage(code)
	if err != nil {
		return nil, err
	}
	if err := c.dec.Unmarshal(frame[1:], msg); err != nil {
		return nil, fmt.Errorf("could not decode %s: %w", code, err)
	}

	if cb, ok := msg.(*CompressedBlock); ok {
		return c.inflate(cb)
	}
	return msg, nil
}

func (c *Codec) inflate(cb *CompressedBlock) (*BlockMessage, error) {
	n, err := snappy.DecodedLen(cb.Data)
	if err != nil {
		return nil, fmt.Errorf("corrupt compressed block: %w", err)
	}
	if c.maxSize > 0 && n > c.maxSize {
		return nil, fmt.Errorf("%w: compressed block inflates to %d bytes", ErrMessageTooLarge, n)
	}

	raw, err := snappy.Decode(nil, cb.Data)
	if err != nil {
		return nil, fmt.Errorf("corrupt compressed block: %w", err)
	}

	var bm BlockMessage
	if err := c.dec.Unmarshal(raw, &bm); err != nil {
		return nil, fmt.Errorf("could not decode compressed block: %w", err)
	}
	return &bm, nil
}

// Hash returns the message hash, the digest of the uncompressed frame.
func (c *Codec) Hash(msg Message) (types.Hash, error) {
	frame, err := c.Marshal(msg)
	if err != nil {
		return types.Hash{}, err
	}
	return types.HashBytes(frame), nil
}
