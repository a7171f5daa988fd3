package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gossipchain/netnode/types"
)

func testBlock(txs int, payload int) *types.Block {
	ts := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	list := make([]types.Transaction, txs)
	for i := range list {
		list[i] = types.Transaction{
			Expiration: ts.Add(time.Hour),
			Payload:    bytes.Repeat([]byte{byte(i)}, payload),
		}
	}
	return types.NewBlock(types.ZeroBlockID, ts, "producer", list)
}

func TestCodecRoundTrip(t *testing.T) {
	c := MustNewCodec(0, 1<<20)
	now := time.Date(2021, 6, 1, 12, 0, 0, 123456789, time.UTC)
	blockID := testBlock(1, 8).ID()

	testCases := []Message{
		&Hello{
			UserAgent:                "netnode/test",
			ProtocolVersion:          0x0106,
			InboundAddress:           "10.0.0.1",
			InboundPort:              2001,
			OutboundPort:             40000,
			NodeID:                   types.NodeID("0123456789abcdef0123456789abcdef01234567"),
			ChainID:                  "test-chain",
			LastKnownForkBlockNumber: 100,
		},
		&ConnectionAccepted{},
		&ConnectionRejected{Reason: RejectDifferentChain, Message: "wrong chain"},
		&AddressRequest{},
		&AddressList{Addresses: []AddressInfo{{
			Endpoint:       "10.0.0.2:2001",
			LastSeen:       now,
			RoundTripDelay: 20 * time.Millisecond,
			Direction:      DirectionOutbound,
			Firewalled:     FirewallStateNotFirewalled,
		}}},
		&ClosingConnection{Reason: "bye", ClosingDueToError: true, Error: "boom"},
		&FetchBlockchainItemIDs{ItemType: types.ItemTypeBlock, Synopsis: []types.BlockID{blockID}},
		&BlockchainItemIDsInventory{ItemType: types.ItemTypeBlock, IDs: []types.BlockID{blockID}, TotalRemaining: 7},
		&FetchItems{ItemType: types.ItemTypeTransaction, Hashes: []types.Hash{types.HashBytes([]byte("a"))}},
		&ItemNotAvailable{Item: types.BlockItem(blockID)},
		&ItemIDsInventory{ItemType: types.ItemTypeBlock, Hashes: []types.Hash{types.Hash(blockID)}},
		&TransactionMessage{Transaction: types.Transaction{Expiration: now.Truncate(time.Second), Payload: []byte("pay")}},
		&CurrentTimeRequest{RequestSentTime: now},
		&CurrentTimeReply{RequestSentTime: now, RequestReceivedTime: now.Add(time.Second), ReplyTransmittedTime: now.Add(2 * time.Second)},
		&CheckFirewall{Endpoint: "10.0.0.3:2001"},
		&CheckFirewallReply{Endpoint: "10.0.0.3:2001", Result: FirewallConnectionSuccessful},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.Code().String(), func(t *testing.T) {
			frame, err := c.Encode(tc)
			require.NoError(t, err)
			require.Equal(t, byte(tc.Code()), frame[0])

			decoded, err := c.Decode(frame)
			require.NoError(t, err)
			require.Equal(t, tc.Code(), decoded.Code())

			again, err := c.Encode(decoded)
			require.NoError(t, err)
			assert.Equal(t, frame, again, "encoding must be deterministic")
		})
	}
}

func TestCodecCompressesLargeBlocks(t *testing.T) {
	block := testBlock(64, 512)
	small := MustNewCodec(1024, 1<<22)
	plain := MustNewCodec(0, 1<<22)

	msg := &BlockMessage{Block: *block}

	compressed, err := small.Encode(msg)
	require.NoError(t, err)
	require.Equal(t, byte(CodeCompressedBlock), compressed[0])

	uncompressed, err := plain.Encode(msg)
	require.NoError(t, err)
	require.Equal(t, byte(CodeBlock), uncompressed[0])
	require.Less(t, len(compressed), len(uncompressed))

	decoded, err := plain.Decode(compressed)
	require.NoError(t, err)
	bm, ok := decoded.(*BlockMessage)
	require.True(t, ok)
	require.Equal(t, block.ID(), bm.Block.ID())

	// the hash never depends on the transport form
	h1, err := small.Hash(msg)
	require.NoError(t, err)
	h2, err := plain.Hash(bm)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestCodecSmallBlockNotCompressed(t *testing.T) {
	c := MustNewCodec(4096, 1<<20)
	frame, err := c.Encode(&BlockMessage{Block: *testBlock(0, 0)})
	require.NoError(t, err)
	require.Equal(t, byte(CodeBlock), frame[0])
}

func TestCodecErrors(t *testing.T) {
	c := MustNewCodec(0, 64)

	_, err := c.Decode(nil)
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = c.Decode([]byte{byte(CodeMax)})
	require.ErrorIs(t, err, ErrUnknownCode)

	_, err = c.Decode([]byte{byte(CodeMin)})
	require.ErrorIs(t, err, ErrUnknownCode)

	_, err = c.Decode([]byte{byte(CodeHello), 0xff, 0x00})
	require.Error(t, err)

	_, err = c.Encode(&TransactionMessage{Transaction: types.Transaction{Payload: make([]byte, 128)}})
	require.ErrorIs(t, err, ErrMessageTooLarge)

	_, err = c.Decode(make([]byte, 65))
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestCodecRejectsOversizedInflation(t *testing.T) {
	big := MustNewCodec(16, 1<<22)
	frame, err := big.Encode(&BlockMessage{Block: *testBlock(32, 1024)})
	require.NoError(t, err)
	require.Equal(t, byte(CodeCompressedBlock), frame[0])

	// highly compressible payload fits the frame limit but not once inflated
	strict := MustNewCodec(16, len(frame)+1)
	_, err = strict.Decode(frame)
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestStampSend(t *testing.T) {
	now := time.Now()
	var req Message = &CurrentTimeRequest{}
	stamper, ok := req.(SendStamper)
	require.True(t, ok)
	stamper.StampSend(now)
	require.Equal(t, now, req.(*CurrentTimeRequest).RequestSentTime)

	_, ok = Message(&Hello{}).(SendStamper)
	require.False(t, ok)
}
