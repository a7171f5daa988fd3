package wire

import (
	"fmt"
	"time"

	"github.com/gossipchain/netnode/types"
)

// Code is the one-byte tag written in front of every encoded message.
type Code uint8

const (
	CodeMin Code = iota

	// handshake
	CodeHello
	CodeConnectionAccepted
	CodeConnectionRejected
	CodeAddressRequest
	CodeAddressList
	CodeClosingConnection

	// synchronization
	CodeFetchBlockchainItemIDs
	CodeBlockchainItemIDsInventory

	// gossip
	CodeFetchItems
	CodeItemNotAvailable
	CodeItemIDsInventory
	CodeBlock
	CodeCompressedBlock
	CodeTransaction

	// diagnostics
	CodeCurrentTimeRequest
	CodeCurrentTimeReply
	CodeCheckFirewall
	CodeCheckFirewallReply

	CodeMax
)

var codeNames = map[Code]string{
	CodeHello:                      "hello",
	CodeConnectionAccepted:         "connection_accepted",
	CodeConnectionRejected:         "connection_rejected",
	CodeAddressRequest:             "address_request",
	CodeAddressList:                "address_list",
	CodeClosingConnection:          "closing_connection",
	CodeFetchBlockchainItemIDs:     "fetch_blockchain_item_ids",
	CodeBlockchainItemIDsInventory: "blockchain_item_ids_inventory",
	CodeFetchItems:                 "fetch_items",
	CodeItemNotAvailable:           "item_not_available",
	CodeItemIDsInventory:           "item_ids_inventory",
	CodeBlock:                      "block",
	CodeCompressedBlock:            "compressed_block",
	CodeTransaction:                "transaction",
	CodeCurrentTimeRequest:         "current_time_request",
	CodeCurrentTimeReply:           "current_time_reply",
	CodeCheckFirewall:              "check_firewall",
	CodeCheckFirewallReply:         "check_firewall_reply",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// Message is implemented by every peer-to-peer message.
type Message interface {
	Code() Code
}

// SendStamper is implemented by messages carrying a timestamp that must be
// taken right before the message is written to the socket.
type SendStamper interface {
	StampSend(now time.Time)
}

// RejectionReason explains a connection_rejected message.
type RejectionReason uint8

const (
	RejectUnspecified RejectionReason = iota
	RejectDifferentChain
	RejectAlreadyConnected
	RejectConnectedToSelf
	RejectNotAcceptingConnections
	RejectClientTooOld
	RejectInvalidHello
)

func (r RejectionReason) String() string {
	switch r {
	case RejectDifferentChain:
		return "different_chain"
	case RejectAlreadyConnected:
		return "already_connected"
	case RejectConnectedToSelf:
		return "connected_to_self"
	case RejectNotAcceptingConnections:
		return "not_accepting_connections"
	case RejectClientTooOld:
		return "client_too_old"
	case RejectInvalidHello:
		return "invalid_hello"
	default:
		return "unspecified"
	}
}

// FirewallResult is the outcome of a check_firewall probe.
type FirewallResult uint8

const (
	FirewallUnableToCheck FirewallResult = iota
	FirewallUnableToConnect
	FirewallConnectionSuccessful
)

func (r FirewallResult) String() string {
	switch r {
	case FirewallUnableToConnect:
		return "unable_to_connect"
	case FirewallConnectionSuccessful:
		return "connection_successful"
	default:
		return "unable_to_check"
	}
}

// Direction of a connection as seen by the node reporting it.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	DirectionInbound
	DirectionOutbound
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// FirewallState records whether a node accepts inbound connections.
type FirewallState uint8

const (
	FirewallStateUnknown FirewallState = iota
	FirewallStateFirewalled
	FirewallStateNotFirewalled
)

func (s FirewallState) String() string {
	switch s {
	case FirewallStateFirewalled:
		return "firewalled"
	case FirewallStateNotFirewalled:
		return "not_firewalled"
	default:
		return "unknown"
	}
}

//-----------------------------------------------------------------------------
// handshake

// Hello is the first message each side sends on a new connection.
type Hello struct {
	UserAgent       string       `cbor:"1,keyasint"`
	ProtocolVersion uint32       `cbor:"2,keyasint"`
	InboundAddress  string       `cbor:"3,keyasint"`
	InboundPort     uint16       `cbor:"4,keyasint"`
	OutboundPort    uint16       `cbor:"5,keyasint"`
	NodeID          types.NodeID `cbor:"6,keyasint"`
	ChainID         string       `cbor:"7,keyasint"`
	// Highest hard fork block the sender's software knows about.
	LastKnownForkBlockNumber uint32 `cbor:"8,keyasint"`
	HeadBlockNumber          uint32 `cbor:"9,keyasint"`
}

type ConnectionAccepted struct{}

type ConnectionRejected struct {
	UserAgent       string          `cbor:"1,keyasint"`
	ProtocolVersion uint32          `cbor:"2,keyasint"`
	RemoteEndpoint  string          `cbor:"3,keyasint"`
	Reason          RejectionReason `cbor:"4,keyasint"`
	Message         string          `cbor:"5,keyasint"`
}

type AddressRequest struct{}

// AddressInfo describes a peer the sender knows how to reach.
type AddressInfo struct {
	Endpoint       string        `cbor:"1,keyasint"`
	LastSeen       time.Time     `cbor:"2,keyasint"`
	RoundTripDelay time.Duration `cbor:"3,keyasint"`
	NodeID         types.NodeID  `cbor:"4,keyasint"`
	Direction      Direction     `cbor:"5,keyasint"`
	Firewalled     FirewallState `cbor:"6,keyasint"`
}

type AddressList struct {
	Addresses []AddressInfo `cbor:"1,keyasint"`
}

type ClosingConnection struct {
	Reason            string `cbor:"1,keyasint"`
	ClosingDueToError bool   `cbor:"2,keyasint"`
	Error             string `cbor:"3,keyasint,omitempty"`
}

//-----------------------------------------------------------------------------
// synchronization

// FetchBlockchainItemIDs asks for the ids following the newest entry of the
// synopsis the receiver recognizes.
type FetchBlockchainItemIDs struct {
	ItemType types.ItemType  `cbor:"1,keyasint"`
	Synopsis []types.BlockID `cbor:"2,keyasint"`
}

// BlockchainItemIDsInventory answers FetchBlockchainItemIDs.
type BlockchainItemIDsInventory struct {
	ItemType       types.ItemType  `cbor:"1,keyasint"`
	IDs            []types.BlockID `cbor:"2,keyasint"`
	TotalRemaining uint32          `cbor:"3,keyasint"`
}

//-----------------------------------------------------------------------------
// gossip

type FetchItems struct {
	ItemType types.ItemType `cbor:"1,keyasint"`
	Hashes   []types.Hash   `cbor:"2,keyasint"`
}

type ItemNotAvailable struct {
	Item types.ItemID `cbor:"1,keyasint"`
}

// ItemIDsInventory advertises items without their payloads.
type ItemIDsInventory struct {
	ItemType types.ItemType `cbor:"1,keyasint"`
	Hashes   []types.Hash   `cbor:"2,keyasint"`
}

type BlockMessage struct {
	Block types.Block `cbor:"1,keyasint"`
}

// CompressedBlock carries a snappy-compressed BlockMessage encoding. The
// codec inflates it transparently, so handlers only ever see BlockMessage.
type CompressedBlock struct {
	Data []byte `cbor:"1,keyasint"`
}

type TransactionMessage struct {
	Transaction types.Transaction `cbor:"1,keyasint"`
}

//-----------------------------------------------------------------------------
// diagnostics

type CurrentTimeRequest struct {
	RequestSentTime time.Time `cbor:"1,keyasint"`
}

type CurrentTimeReply struct {
	RequestSentTime      time.Time `cbor:"1,keyasint"`
	RequestReceivedTime  time.Time `cbor:"2,keyasint"`
	ReplyTransmittedTime time.Time `cbor:"3,keyasint"`
}

// CheckFirewall asks the receiver to dial Endpoint on behalf of NodeID.
type CheckFirewall struct {
	NodeID   types.NodeID `cbor:"1,keyasint"`
	Endpoint string       `cbor:"2,keyasint"`
}

type CheckFirewallReply struct {
	NodeID   types.NodeID   `cbor:"1,keyasint"`
	Endpoint string         `cbor:"2,keyasint"`
	Result   FirewallResult `cbor:"3,keyasint"`
}

func (*Hello) Code() Code                      { return CodeHello }
func (*ConnectionAccepted) Code() Code         { return CodeConnectionAccepted }
func (*ConnectionRejected) Code() Code         { return CodeConnectionRejected }
func (*AddressRequest) Code() Code             { return CodeAddressRequest }
func (*AddressList) Code() Code                { return CodeAddressList }
func (*ClosingConnection) Code() Code          { return CodeClosingConnection }
func (*FetchBlockchainItemIDs) Code() Code     { return CodeFetchBlockchainItemIDs }
func (*BlockchainItemIDsInventory) Code() Code { return CodeBlockchainItemIDsInventory }
func (*FetchItems) Code() Code                 { return CodeFetchItems }
func (*ItemNotAvailable) Code() Code           { return CodeItemNotAvailable }
func (*ItemIDsInventory) Code() Code           { return CodeItemIDsInventory }
func (*BlockMessage) Code() Code               { return CodeBlock }
func (*CompressedBlock) Code() Code            { return CodeCompressedBlock }
func (*TransactionMessage) Code() Code         { return CodeTransaction }
func (*CurrentTimeRequest) Code() Code         { return CodeCurrentTimeRequest }
func (*CurrentTimeReply) Code() Code           { return CodeCurrentTimeReply }
func (*CheckFirewall) Code() Code              { return CodeCheckFirewall }
func (*CheckFirewallReply) Code() Code         { return CodeCheckFirewallReply }

func (m *CurrentTimeRequest) StampSend(now time.Time) { m.RequestSentTime = now }
func (m *CurrentTimeReply) StampSend(now time.Time)   { m.ReplyTransmittedTime = now }

// newMessage returns an empty message for a code.
func newMessage(code Code) (Message, error) {
	switch code {
	case CodeHello:
		return &Hello{}, nil
	case CodeConnectionAccepted:
		return &ConnectionAccepted{}, nil
	case CodeConnectionRejected:
		return &ConnectionRejected{}, nil
	case CodeAddressRequest:
		return &AddressRequest{}, nil
	case CodeAddressList:
		return &AddressList{}, nil
	case CodeClosingConnection:
		return &ClosingConnection{}, nil
	case CodeFetchBlockchainItemIDs:
		return &FetchBlockchainItemIDs{}, nil
	case CodeBlockchainItemIDsInventory:
		return &BlockchainItemIDsInventory{}, nil
	case CodeFetchItems:
		return &FetchItems{}, nil
	case CodeItemNotAvailable:
		return &ItemNotAvailable{}, nil
	case CodeItemIDsInventory:
		return &ItemIDsInventory{}, nil
	case CodeBlock:
		return &BlockMessage{}, nil
	case CodeCompressedBlock:
		return &CompressedBlock{}, nil
	case CodeTransaction:
		return &TransactionMessage{}, nil
	case CodeCurrentTimeRequest:
		return &CurrentTimeRequest{}, nil
	case CodeCurrentTimeReply:
		return &CurrentTimeReply{}, nil
	case CodeCheckFirewall:
		return &CheckFirewall{}, nil
	case CodeCheckFirewallReply:
		return &CheckFirewallReply{}, nil
	default:
		return nil, fmt.Errorf("%w (%d)", ErrUnknownCode, uint8(code))
	}
}
