package node

import (
	"time"

	"github.com/gossipchain/netnode/internal/p2p/peerdb"
	"github.com/gossipchain/netnode/internal/p2p/wire"
	"github.com/gossipchain/netnode/internal/peers"
)

// checkPeerHealth runs once per health interval. It drops peers that stopped
// talking or ignore our requests, probes quiet peers, and finishes off
// sessions stuck while closing.
func (n *Node) checkPeerHealth() {
	now := time.Now()
	p2p := n.cfg.P2P
	sc := n.cfg.Sync

	for _, s := range n.registry.Handshaking() {
		last := s.ConnectionInitiated
		if s.LastMessageReceived.After(last) {
			last = s.LastMessageReceived
		}
		if now.Sub(last) > p2p.HandshakeTimeout {
			perr := timeout(s.ID(), "handshake timed out")
			perr.fatal = true
			n.disconnectFromPeer(s, perr)
		}
	}

	for _, s := range n.registry.Active() {
		quiet := now.Sub(s.LastMessageReceived)
		if quiet > sc.ActiveDisconnectTimeout() {
			n.disconnectFromPeer(s, timeout(s.ID(), "You have been inactive for too long"))
			continue
		}
		if reason := n.ignoredRequest(s, now); reason != "" {
			n.disconnectFromPeer(s, timeout(s.ID(), reason))
			continue
		}
		if stalledSync(s) {
			// Not the peer's fault; reconnecting resets both sides.
			n.disconnectFromPeer(s, &peerError{
				sessionID:   s.ID(),
				reason:      "Peer is in an unexpected sync state",
				disposition: peerdb.DispositionClosed,
			})
			continue
		}
		if quiet > sc.KeepaliveTimeout() && now.Sub(s.LastKeepaliveSent) > sc.KeepaliveTimeout() {
			s.LastKeepaliveSent = now
			n.send(s, &wire.CurrentTimeRequest{})
		}
	}

	for _, s := range n.registry.Closing() {
		if now.Sub(s.ConnectionClosed) > p2p.ClosingTimeout {
			n.peerLogger(s).Info("peer did not close in time, closing the socket")
			_ = s.Conn.Close()
		}
	}

	for _, s := range n.registry.Terminating() {
		if now.Sub(s.ConnectionTerminated) > p2p.TerminatingTimeout {
			n.peerLogger(s).Info("destroying lingering session")
			n.deleteSession(s.ID())
		}
	}

	// expire stale live items
	n.trigger(triggerFetch)
}

// ignoredRequest describes a request s left unanswered for longer than the
// ignored request timeout, or returns the empty string.
func (n *Node) ignoredRequest(s *peers.Session, now time.Time) string {
	limit := n.cfg.Sync.IgnoredRequestTimeout

	if s.ItemIDsRequested != nil && now.Sub(s.ItemIDsRequested.Sent) > limit {
		return "You failed to respond to our fetch_blockchain_item_ids request"
	}
	if s.SyncItemsRequested.Cardinality() > 0 && now.Sub(s.LastSyncItemReceived) > limit {
		return "You failed to deliver the sync blocks we requested"
	}
	for _, requested := range s.ItemsRequested {
		if now.Sub(requested) > limit {
			return "You failed to deliver an item we requested"
		}
	}
	return ""
}

// stalledSync reports a peer we still expect sync items from while nothing
// is outstanding, buffered or being processed.
func stalledSync(s *peers.Session) bool {
	return s.WeNeedSyncItemsFromPeer &&
		!s.InhibitFetchingSyncBlocks &&
		s.ItemIDsRequested == nil &&
		s.SyncItemsRequested.Cardinality() == 0 &&
		s.NumIDsToGet() == 0 &&
		s.IDsBeingProcessed.Cardinality() == 0
}
