package node

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gossipchain/netnode/internal/p2p/conn"
	"github.com/gossipchain/netnode/internal/p2p/peerdb"
	"github.com/gossipchain/netnode/internal/p2p/wire"
	"github.com/gossipchain/netnode/internal/peers"
	"github.com/gossipchain/netnode/version"
)

const upgradeReason = "You need to upgrade your client"

func (n *Node) sayHello(s *peers.Session) {
	var outboundPort uint16
	if pc, ok := s.Conn.(*peerConn); ok {
		outboundPort = portOf(pc.conn.LocalAddr())
	}

	n.send(s, &wire.Hello{
		UserAgent:                version.UserAgent(),
		ProtocolVersion:          version.ProtocolVersion,
		InboundAddress:           hostOf(n.advertisedEndpoint()),
		InboundPort:              n.inboundPort(),
		OutboundPort:             outboundPort,
		NodeID:                   n.nodeKey.ID,
		ChainID:                  n.cfg.ChainID,
		LastKnownForkBlockNumber: n.lastKnownHardFork(),
		HeadBlockNumber:          n.headBlockNumber(),
	})
}

func (n *Node) onHello(s *peers.Session, m *wire.Hello) error {
	if s.HelloReceived {
		return violation(s.ID(), "received a second hello")
	}
	s.HelloReceived = true
	s.NodeID = m.NodeID
	s.UserAgent = m.UserAgent
	s.ProtocolVersion = m.ProtocolVersion
	s.LastKnownForkBlockNumber = m.LastKnownForkBlockNumber
	s.InboundPort = m.InboundPort

	if err := m.NodeID.Validate(); err != nil {
		n.rejectConnection(s, wire.RejectInvalidHello, fmt.Sprintf("invalid node id: %v", err))
		return nil
	}
	if version.ProtocolMajor(m.ProtocolVersion) != version.ProtocolMajor(version.ProtocolVersion) {
		n.rejectConnection(s, wire.RejectClientTooOld,
			fmt.Sprintf("protocol version %#x is not supported", m.ProtocolVersion))
		return nil
	}
	if m.ChainID != n.cfg.ChainID {
		n.rejectConnection(s, wire.RejectDifferentChain,
			fmt.Sprintf("You're on chain %q, I'm on chain %q", m.ChainID, n.cfg.ChainID))
		return nil
	}
	if fork := n.missedHardFork(m.LastKnownForkBlockNumber); fork != 0 {
		n.rejectConnection(s, wire.RejectClientTooOld, upgradeReason)
		return &peerError{
			sessionID:   s.ID(),
			reason:      upgradeReason,
			err:         fmt.Errorf("peer does not know the hard fork at block %d", fork),
			disposition: peerdb.DispositionHandshakeRejected,
		}
	}
	if m.NodeID == n.nodeKey.ID {
		if s.Direction == wire.DirectionOutbound {
			if err := n.peerDB.MarkSelf(s.InboundEndpoint); err != nil {
				n.logger.Error("failed to update peer store", "endpoint", s.InboundEndpoint, "err", err)
			}
		}
		n.rejectConnection(s, wire.RejectConnectedToSelf, "I'm connecting to myself")
		return nil
	}
	if other, ok := n.registry.FindByNodeID(m.NodeID, s.ID()); ok {
		n.rejectConnection(s, wire.RejectAlreadyConnected,
			fmt.Sprintf("I'm already connected to you in session %d", other.ID()))
		return nil
	}
	if n.registry.Count(peers.StateActive) >= n.cfg.P2P.MaxConnections {
		n.rejectConnection(s, wire.RejectNotAcceptingConnections, "I'm not accepting any more connections")
		return nil
	}

	n.recordInboundEndpoint(s, m)
	s.OurState = peers.HandshakeAccepted
	n.send(s, &wire.ConnectionAccepted{})
	return nil
}

// recordInboundEndpoint works out whether an inbound peer can be dialed
// back. A peer whose outbound port survived the trip unchanged is not behind
// a NAT, so the inbound port it advertises is reachable at the same host.
func (n *Node) recordInboundEndpoint(s *peers.Session, m *wire.Hello) {
	if s.Direction == wire.DirectionOutbound {
		s.Firewalled = wire.FirewallStateNotFirewalled
		return
	}
	if m.InboundPort == 0 {
		s.Firewalled = wire.FirewallStateFirewalled
		return
	}

	_, observedPort, err := net.SplitHostPort(s.RemoteEndpoint)
	if err != nil || observedPort != strconv.Itoa(int(m.OutboundPort)) {
		s.Firewalled = wire.FirewallStateUnknown
		return
	}

	s.InboundEndpoint = net.JoinHostPort(hostOf(s.RemoteEndpoint), strconv.Itoa(int(m.InboundPort)))
	s.Firewalled = wire.FirewallStateNotFirewalled
	if err := n.peerDB.AddAddress(s.InboundEndpoint, m.NodeID, time.Now()); err != nil {
		n.logger.Error("failed to update peer store", "endpoint", s.InboundEndpoint, "err", err)
	}
}

// missedHardFork returns a hard fork we have already passed that a peer
// knowing forks up to lastKnown would not follow, or zero.
func (n *Node) missedHardFork(lastKnown uint32) uint32 {
	head := n.headBlockNumber()
	for _, fork := range n.hardForks {
		if fork > lastKnown && fork <= head {
			return fork
		}
	}
	return 0
}

func (n *Node) rejectConnection(s *peers.Session, reason wire.RejectionReason, message string) {
	s.OurState = peers.HandshakeRejected
	s.RejectReason = reason
	n.peerLogger(s).Info("rejecting connection", "reason", reason, "msg", message)
	n.send(s, &wire.ConnectionRejected{
		UserAgent:       version.UserAgent(),
		ProtocolVersion: version.ProtocolVersion,
		RemoteEndpoint:  s.RemoteEndpoint,
		Reason:          reason,
		Message:         message,
	})
}

func (n *Node) onConnectionAccepted(s *peers.Session) error {
	if s.TheirState != peers.HandshakeJustConnected {
		return violation(s.ID(), "received connection_accepted after %s", s.TheirState)
	}
	s.TheirState = peers.HandshakeAccepted
	n.requestAddresses(s)
	return nil
}

func (n *Node) onConnectionRejected(s *peers.Session, m *wire.ConnectionRejected) error {
	if s.TheirState != peers.HandshakeJustConnected {
		return violation(s.ID(), "received connection_rejected after %s", s.TheirState)
	}
	s.TheirState = peers.HandshakeRejected
	n.peerLogger(s).Info("peer rejected our connection", "reason", m.Reason, "msg", m.Message)

	if m.Reason == wire.RejectConnectedToSelf && s.Direction == wire.DirectionOutbound {
		if err := n.peerDB.MarkSelf(s.InboundEndpoint); err != nil {
			n.logger.Error("failed to update peer store", "endpoint", s.InboundEndpoint, "err", err)
		}
	}
	n.requestAddresses(s)
	return nil
}

func (n *Node) requestAddresses(s *peers.Session) {
	if s.AddressesAsked {
		return
	}
	s.AddressesAsked = true
	s.LastAddressRequest = time.Now()
	n.send(s, &wire.AddressRequest{})
}

func (n *Node) onAddressRequest(s *peers.Session) {
	now := time.Now()
	list := &wire.AddressList{}
	for _, p := range n.registry.Active() {
		if p.ID() == s.ID() || p.InboundEndpoint == "" || p.Firewalled == wire.FirewallStateFirewalled {
			continue
		}
		list.Addresses = append(list.Addresses, wire.AddressInfo{
			Endpoint:       p.InboundEndpoint,
			LastSeen:       now,
			RoundTripDelay: p.RoundTripDelay,
			NodeID:         p.NodeID,
			Direction:      p.Direction,
			Firewalled:     p.Firewalled,
		})
	}
	n.send(s, list)
}

func (n *Node) onAddressList(s *peers.Session, m *wire.AddressList) error {
	now := time.Now()
	for _, addr := range m.Addresses {
		if addr.NodeID == n.nodeKey.ID {
			continue
		}
		endpoint, err := conn.NormalizeAddress(addr.Endpoint)
		if err != nil || n.isOwnEndpoint(endpoint) {
			continue
		}
		lastSeen := addr.LastSeen
		if lastSeen.After(now) {
			lastSeen = now
		}
		if err := n.peerDB.AddAddress(endpoint, addr.NodeID, lastSeen); err != nil {
			n.logger.Error("failed to update peer store", "endpoint", endpoint, "err", err)
		}
	}
	n.trigger(triggerConnect)

	if s.State() == peers.StateHandshaking {
		return n.completeHandshake(s)
	}
	return nil
}

// completeHandshake moves a handshaking session whose address exchange is
// done to active, or disconnects it if either side rejected.
func (n *Node) completeHandshake(s *peers.Session) error {
	switch {
	case s.OurState == peers.HandshakeRejected:
		return &peerError{
			sessionID:   s.ID(),
			reason:      fmt.Sprintf("I rejected your connection: %s", s.RejectReason),
			disposition: peerdb.DispositionHandshakeRejected,
		}
	case s.TheirState == peers.HandshakeRejected:
		return &peerError{
			sessionID:   s.ID(),
			reason:      "You rejected my connection",
			disposition: peerdb.DispositionHandshakeRejected,
		}
	case s.OurState != peers.HandshakeAccepted || s.TheirState != peers.HandshakeAccepted:
		return violation(s.ID(), "received address_list before the handshake completed")
	}

	if err := n.registry.Move(s.ID(), peers.StateActive); err != nil {
		return err
	}
	now := time.Now()
	n.peerLogger(s).Info("peer connected", "node_id", s.NodeID.Short(), "direction", s.Direction, "agent", s.UserAgent)

	if s.InboundEndpoint != "" {
		if err := n.peerDB.RecordSuccess(s.InboundEndpoint, s.NodeID, now); err != nil {
			n.logger.Error("failed to update peer store", "endpoint", s.InboundEndpoint, "err", err)
		}
	}

	n.connectionCountChanged()
	n.send(s, &wire.CurrentTimeRequest{})
	n.startSynchronizingWithPeer(s)
	n.maybeCheckFirewall(s)
	return nil
}

// onClosingConnection handles the peer's request to close. If we asked
// first this is their acknowledgement.
func (n *Node) onClosingConnection(s *peers.Session, m *wire.ClosingConnection) {
	s.TheyRequestedClose = true
	n.peerLogger(s).Info("peer is closing the connection",
		"reason", m.Reason, "due_to_error", m.ClosingDueToError, "err", m.Error)

	if s.WeRequestedClose || s.State() == peers.StateClosing {
		_ = s.Conn.Close()
		return
	}
	n.disconnectFromPeer(s, &peerError{
		sessionID:   s.ID(),
		reason:      "closing as requested: " + m.Reason,
		disposition: peerdb.DispositionClosed,
	})
}

//-----------------------------------------------------------------------------
// clock offset

func (n *Node) onCurrentTimeRequest(s *peers.Session, m *wire.CurrentTimeRequest, received time.Time) {
	n.send(s, &wire.CurrentTimeReply{
		RequestSentTime:     m.RequestSentTime,
		RequestReceivedTime: received,
	})
}

func (n *Node) onCurrentTimeReply(s *peers.Session, m *wire.CurrentTimeReply, received time.Time) {
	s.ClockOffset = (m.RequestReceivedTime.Sub(m.RequestSentTime) + m.ReplyTransmittedTime.Sub(received)) / 2
	s.RoundTripDelay = received.Sub(m.RequestSentTime) - m.ReplyTransmittedTime.Sub(m.RequestReceivedTime)
	if s.RoundTripDelay < 0 {
		s.RoundTripDelay = 0
	}
	n.peerLogger(s).Debug("measured clock offset", "offset", s.ClockOffset, "rtt", s.RoundTripDelay)
}

//-----------------------------------------------------------------------------
// firewall check

// maybeCheckFirewall asks s to dial us back while our reachability is
// unknown. Only one check runs at a time.
func (n *Node) maybeCheckFirewall(s *peers.Session) {
	if n.firewall != wire.FirewallStateUnknown ||
		s.Direction != wire.DirectionOutbound ||
		n.transport.ListenAddress() == nil {
		return
	}
	for _, p := range n.registry.Active() {
		if p.FirewallCheckPending {
			return
		}
	}

	s.FirewallCheckPending = true
	s.FirewallCheckEndpoint = n.advertisedEndpoint()
	n.send(s, &wire.CheckFirewall{NodeID: n.nodeKey.ID, Endpoint: s.FirewallCheckEndpoint})
}

func (n *Node) onCheckFirewall(s *peers.Session, m *wire.CheckFirewall) {
	endpoint := m.Endpoint
	if endpoint == "" && s.InboundPort != 0 {
		endpoint = net.JoinHostPort(hostOf(s.RemoteEndpoint), strconv.Itoa(int(s.InboundPort)))
	}
	reply := &wire.CheckFirewallReply{NodeID: m.NodeID, Endpoint: endpoint, Result: wire.FirewallUnableToCheck}

	if endpoint == "" {
		n.send(s, reply)
		return
	}
	if _, ok := n.registry.FindByNodeID(m.NodeID, s.ID()); ok {
		n.send(s, reply)
		return
	}

	id := s.ID()
	n.connWg.Add(1)
	go func() {
		defer n.connWg.Done()

		result := wire.FirewallConnectionSuccessful
		c, err := n.transport.Dial(n.ctx, endpoint)
		if err != nil {
			result = wire.FirewallUnableToConnect
		} else {
			_ = c.Close()
		}

		n.post(func() {
			if s, ok := n.registry.Get(id); ok && s.State() == peers.StateActive {
				reply.Result = result
				n.send(s, reply)
			}
		})
	}()
}

func (n *Node) onCheckFirewallReply(s *peers.Session, m *wire.CheckFirewallReply) error {
	if !s.FirewallCheckPending {
		return violation(s.ID(), "received an unrequested check_firewall_reply")
	}
	s.FirewallCheckPending = false
	if m.NodeID != n.nodeKey.ID {
		return nil
	}

	switch m.Result {
	case wire.FirewallConnectionSuccessful:
		n.firewall = wire.FirewallStateNotFirewalled
	case wire.FirewallUnableToConnect:
		n.firewall = wire.FirewallStateFirewalled
	default:
		return nil
	}
	n.logger.Info("firewall check finished", "result", m.Result, "state", n.firewall)
	return nil
}

// checkHardFork disconnects peers that will not follow the hard fork at
// block number, if there is one.
func (n *Node) checkHardFork(number uint32) {
	isFork := false
	for _, fork := range n.hardForks {
		if fork == number {
			isFork = true
			break
		}
	}
	if !isFork {
		return
	}

	sessions := append(n.registry.Handshaking(), n.registry.Active()...)
	for _, s := range sessions {
		if s.HelloReceived && s.LastKnownForkBlockNumber < number {
			n.disconnectFromPeer(s, &peerError{
				sessionID:   s.ID(),
				reason:      upgradeReason,
				err:         fmt.Errorf("peer does not know the hard fork at block %d", number),
				disposition: peerdb.DispositionHandshakeRejected,
			})
		}
	}
}
