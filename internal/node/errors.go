package node

import (
	"errors"
	"fmt"

	"github.com/gossipchain/netnode/internal/p2p/peerdb"
	"github.com/gossipchain/netnode/internal/peers"
)

var (
	// ErrNotRunning is returned by the public API when the node is not
	// started or already stopped.
	ErrNotRunning = errors.New("node is not running")

	// ErrAlreadyConnected is returned by ConnectTo when a session to the
	// endpoint already exists.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrCannotBroadcast is returned by Broadcast for messages other than
	// blocks and transactions.
	ErrCannotBroadcast = errors.New("only blocks and transactions can be broadcast")

	errSendQueueFull = errors.New("send queue full")
	errConnClosing   = errors.New("connection is closing")
)

// peerError describes why a peer is being disconnected. Fatal errors close
// the socket without the closing handshake.
type peerError struct {
	sessionID   peers.ID
	reason      string
	err         error
	fatal       bool
	disposition peerdb.Disposition
}

func (e *peerError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *peerError) Unwrap() error { return e.err }

// violation reports a peer breaking the protocol. The reason is sent to
// the peer.
func violation(id peers.ID, format string, args ...interface{}) *peerError {
	return &peerError{
		sessionID:   id,
		reason:      fmt.Sprintf(format, args...),
		disposition: peerdb.DispositionProtocolViolation,
	}
}

// timeout reports a peer that stopped answering.
func timeout(id peers.ID, reason string) *peerError {
	return &peerError{
		sessionID:   id,
		reason:      reason,
		disposition: peerdb.DispositionTimedOut,
	}
}

// dispositionOf maps an error that closed a connection to the record kept in
// the peer store.
func dispositionOf(err error) peerdb.Disposition {
	var perr *peerError
	if errors.As(err, &perr) {
		return perr.disposition
	}
	return peerdb.DispositionProtocolViolation
}
