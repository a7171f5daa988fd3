package node

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/gossipchain/netnode/internal/p2p/conn"
	"github.com/gossipchain/netnode/internal/p2p/peerdb"
	"github.com/gossipchain/netnode/internal/p2p/wire"
	"github.com/gossipchain/netnode/internal/peers"
	"github.com/gossipchain/netnode/types"
)

// handleMessage is the entry point for every message read from a peer.
func (n *Node) handleMessage(id peers.ID, msg wire.Message, hash types.Hash, received time.Time) {
	s, ok := n.registry.Get(id)
	if !ok {
		return
	}

	switch s.State() {
	case peers.StateTerminating:
		return
	case peers.StateClosing:
		if m, ok := msg.(*wire.ClosingConnection); ok {
			n.onClosingConnection(s, m)
		}
		return
	}

	s.LastMessageReceived = received
	n.metrics.MessagesReceived.With("message_type", msg.Code().String()).Add(1)

	var err error
	if s.State() == peers.StateHandshaking && !allowedWhileHandshaking(msg) {
		err = violation(id, "received %s before the handshake completed", msg.Code())
	} else {
		err = n.dispatch(s, msg, hash, received)
	}
	if err == nil {
		return
	}

	var perr *peerError
	if !errors.As(err, &perr) {
		perr = &peerError{
			sessionID:   id,
			reason:      "error handling " + msg.Code().String(),
			err:         err,
			disposition: peerdb.DispositionProtocolViolation,
		}
	}
	n.disconnectFromPeer(s, perr)
}

func allowedWhileHandshaking(msg wire.Message) bool {
	switch msg.(type) {
	case *wire.Hello, *wire.ConnectionAccepted, *wire.ConnectionRejected,
		*wire.AddressRequest, *wire.AddressList, *wire.ClosingConnection,
		*wire.CurrentTimeRequest, *wire.CurrentTimeReply,
		*wire.CheckFirewall, *wire.CheckFirewallReply:
		return true
	default:
		return false
	}
}

func (n *Node) dispatch(s *peers.Session, msg wire.Message, hash types.Hash, received time.Time) error {
	switch m := msg.(type) {
	case *wire.Hello:
		return n.onHello(s, m)
	case *wire.ConnectionAccepted:
		return n.onConnectionAccepted(s)
	case *wire.ConnectionRejected:
		return n.onConnectionRejected(s, m)
	case *wire.AddressRequest:
		n.onAddressRequest(s)
	case *wire.AddressList:
		return n.onAddressList(s, m)
	case *wire.ClosingConnection:
		n.onClosingConnection(s, m)

	case *wire.FetchBlockchainItemIDs:
		return n.onFetchBlockchainItemIDs(s, m)
	case *wire.BlockchainItemIDsInventory:
		return n.onBlockchainItemIDsInventory(s, m)

	case *wire.FetchItems:
		return n.onFetchItems(s, m)
	case *wire.ItemNotAvailable:
		return n.onItemNotAvailable(s, m)
	case *wire.ItemIDsInventory:
		return n.onItemIDsInventory(s, m)
	case *wire.BlockMessage:
		return n.onBlock(s, m, hash)
	case *wire.TransactionMessage:
		return n.onTransaction(s, m, hash)

	case *wire.CurrentTimeRequest:
		n.onCurrentTimeRequest(s, m, received)
	case *wire.CurrentTimeReply:
		n.onCurrentTimeReply(s, m, received)
	case *wire.CheckFirewall:
		n.onCheckFirewall(s, m)
	case *wire.CheckFirewallReply:
		return n.onCheckFirewallReply(s, m)

	default:
		return violation(s.ID(), "unexpected message %s", msg.Code())
	}
	return nil
}

//-----------------------------------------------------------------------------
// closing

// disconnectFromPeer moves s to closing. Unless the peer already asked to
// close or the error is fatal, a closing_connection message carrying the
// reason is sent and the socket is closed once it is written.
func (n *Node) disconnectFromPeer(s *peers.Session, perr *peerError) {
	st := s.State()
	if st == peers.StateClosing || st == peers.StateTerminating {
		return
	}
	if err := n.registry.Move(s.ID(), peers.StateClosing); err != nil {
		n.logger.Error("failed to move session to closing", "peer", s.ID(), "err", err)
		return
	}

	now := time.Now()
	s.ConnectionClosed = now
	s.CloseReason = perr.reason
	s.CloseError = perr.err

	causedByError := perr.disposition != peerdb.DispositionClosed
	n.peerLogger(s).Info("disconnecting from peer", "reason", perr.reason, "err", perr.err)
	n.metrics.Disconnects.With("error", strconv.FormatBool(causedByError)).Add(1)

	if causedByError {
		n.recordFailure(s, perr.disposition, perr.Error(), now)
		n.chain.ErrorEncountered(perr.reason, perr)
	} else {
		n.recordClosed(s, now)
	}

	if perr.fatal || s.TheyRequestedClose {
		_ = s.Conn.Close()
	} else {
		s.WeRequestedClose = true
		closing := &wire.ClosingConnection{Reason: perr.reason, ClosingDueToError: causedByError}
		if perr.err != nil {
			closing.Error = perr.err.Error()
		}
		_ = s.Conn.SendAndClose(closing)
	}

	if st == peers.StateActive {
		n.connectionCountChanged()
	}
	n.releasePeerWork(s)
}

// onConnectionClosed runs when the socket of a session is gone. The session
// is terminated and deleted after the current task.
func (n *Node) onConnectionClosed(id peers.ID, err error) {
	s, ok := n.registry.Get(id)
	if !ok || s.State() == peers.StateTerminating {
		return
	}

	now := time.Now()
	st := s.State()
	if st != peers.StateClosing {
		s.ConnectionClosed = now
		if isCleanClose(err) {
			n.peerLogger(s).Info("peer closed the connection")
			if st == peers.StateActive {
				n.recordClosed(s, now)
			}
		} else {
			n.peerLogger(s).Info("connection failed", "err", err)
			s.CloseError = err
			n.recordFailure(s, dispositionOf(err), err.Error(), now)
		}
	}

	if err := n.registry.Move(id, peers.StateTerminating); err != nil {
		n.logger.Error("failed to move session to terminating", "peer", id, "err", err)
	}
	s.ConnectionTerminated = now
	_ = s.Conn.Close()

	if st == peers.StateActive {
		n.connectionCountChanged()
	}
	n.releasePeerWork(s)
	n.trigger(triggerConnect)
	n.later(func() { n.deleteSession(id) })
}

// deleteSession drops a terminated session from the registry.
func (n *Node) deleteSession(id peers.ID) {
	s, ok := n.registry.Remove(id)
	if !ok {
		return
	}
	n.closedBytesSent += s.Conn.BytesSent()
	n.closedBytesReceived += s.Conn.BytesReceived()
	n.logger.Debug("deleted session", "peer", id, "reason", s.CloseReason)
}

func isCleanClose(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, conn.ErrConnectionClosed) ||
		errors.Is(err, context.Canceled)
}

// releasePeerWork hands requests outstanding with s back to the schedulers.
func (n *Node) releasePeerWork(s *peers.Session) {
	for _, id := range s.SyncItemsRequested.ToSlice() {
		delete(n.activeSyncRequests, id)
	}
	s.SyncItemsRequested.Clear()
	s.IDsBeingProcessed.Clear()
	s.ItemIDsRequested = nil
	s.ClearIDsToGet()
	s.UnfetchedItemIDs = 0
	n.pruneReceivedSyncItems()

	now := time.Now()
	for item := range s.ItemsRequested {
		if n.advertisedByActivePeer(item, s.ID()) && !n.fetchQueue.Contains(item) {
			n.fetchQueue.Push(item, now)
		}
	}
	s.ItemsRequested = make(map[types.ItemID]time.Time)

	n.updateUnfetchedCount()
	n.trigger(triggerSyncFetch | triggerFetch | triggerBacklog)
}

// advertisedByActivePeer reports whether an active peer other than except
// offered item.
func (n *Node) advertisedByActivePeer(item types.ItemID, except peers.ID) bool {
	for _, p := range n.registry.Active() {
		if p.ID() != except && p.AdvertisedToUs.Contains(item) {
			return true
		}
	}
	return false
}

//-----------------------------------------------------------------------------
// peer store

// recordFailure penalizes the peer's endpoint. Inbound peers whose listening
// endpoint is unknown are not recorded.
func (n *Node) recordFailure(s *peers.Session, d peerdb.Disposition, reason string, now time.Time) {
	if s.InboundEndpoint == "" {
		return
	}
	if err := n.peerDB.RecordFailure(s.InboundEndpoint, d, reason, now); err != nil {
		n.logger.Error("failed to update peer store", "endpoint", s.InboundEndpoint, "err", err)
	}
}

func (n *Node) recordClosed(s *peers.Session, now time.Time) {
	if s.InboundEndpoint == "" {
		return
	}
	if err := n.peerDB.RecordClosed(s.InboundEndpoint, now); err != nil {
		n.logger.Error("failed to update peer store", "endpoint", s.InboundEndpoint, "err", err)
	}
}
