package node

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gossipchain/netnode/internal/p2p/conn"
	"github.com/gossipchain/netnode/internal/p2p/peerdb"
	"github.com/gossipchain/netnode/internal/p2p/wire"
	"github.com/gossipchain/netnode/internal/peers"
	"github.com/gossipchain/netnode/types"
)

// acceptRetryDelay is the pause after a failed Accept.
const acceptRetryDelay = 100 * time.Millisecond

// seedPeerStore adds the configured persistent peers and seeds to the peer
// store.
func (n *Node) seedPeerStore() {
	for _, addr := range splitAndTrimEmpty(n.cfg.P2P.PersistentPeers) {
		endpoint, err := conn.NormalizeAddress(addr)
		if err != nil {
			n.logger.Error("invalid persistent peer", "addr", addr, "err", err)
			continue
		}
		if err := n.peerDB.AddPersistent(endpoint); err != nil {
			n.logger.Error("failed to add persistent peer", "endpoint", endpoint, "err", err)
		}
	}
	for _, addr := range splitAndTrimEmpty(n.cfg.P2P.Seeds) {
		endpoint, err := conn.NormalizeAddress(addr)
		if err != nil {
			n.logger.Error("invalid seed", "addr", addr, "err", err)
			continue
		}
		if err := n.peerDB.AddAddress(endpoint, "", time.Time{}); err != nil {
			n.logger.Error("failed to add seed", "endpoint", endpoint, "err", err)
		}
	}
}

func (n *Node) acceptRoutine(ctx context.Context) error {
	for {
		c, err := n.transport.Accept()
		switch {
		case errors.Is(err, conn.ErrTransportClosed):
			return nil

		case err != nil:
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			n.logger.Error("failed to accept connection", "err", err)
			continue
		}

		remote := c.RemoteAddr().String()
		if !n.post(func() { n.addConnection(c, wire.DirectionInbound, remote) }) {
			_ = c.Close()
			return nil
		}
	}
}

// addConnection registers a new socket as a handshaking session and sends
// our hello.
func (n *Node) addConnection(c *conn.Connection, dir wire.Direction, endpoint string) *peers.Session {
	if n.shuttingDown {
		_ = c.Close()
		return nil
	}

	pc := newPeerConn(
		n.logger.With("endpoint", endpoint),
		n.codec,
		c,
		n.cfg.P2P.MaxQueuedMessages,
		n.cfg.P2P.MaxQueuedBytes,
		n.metrics,
	)
	s := peers.NewSession(pc, dir, endpoint, time.Now())
	if _, _, err := net.SplitHostPort(endpoint); err == nil && dir == wire.DirectionOutbound {
		s.InboundEndpoint = endpoint
	}
	id := n.registry.Add(s)
	n.logger.Debug("new connection", "peer", id, "endpoint", endpoint, "direction", dir)

	n.connWg.Add(2)
	go func() {
		defer n.connWg.Done()
		pc.writeRoutine(n.ctx)
	}()
	go func() {
		defer n.connWg.Done()
		err := pc.readRoutine(n.ctx, func(msg wire.Message, hash types.Hash, received time.Time) {
			n.post(func() { n.handleMessage(id, msg, hash, received) })
		})
		_ = pc.Close()
		n.post(func() { n.onConnectionClosed(id, err) })
	}()

	n.sayHello(s)
	return s
}

// connectToPeers dials candidates from the peer store until the desired
// number of connections is reached or attempted.
func (n *Node) connectToPeers() {
	if n.shuttingDown {
		return
	}
	want := n.cfg.P2P.DesiredConnections -
		n.registry.Count(peers.StateHandshaking) -
		n.registry.Count(peers.StateActive) -
		len(n.dialing)
	if want <= 0 {
		return
	}

	for _, rec := range n.peerDB.Candidates(time.Now(), want, n.skipEndpoint) {
		n.dial(rec.Endpoint)
	}
}

// skipEndpoint reports endpoints the connect loop must not dial.
func (n *Node) skipEndpoint(endpoint string) bool {
	if _, ok := n.dialing[endpoint]; ok {
		return true
	}
	if _, ok := n.registry.FindByEndpoint(endpoint); ok {
		return true
	}
	return n.isOwnEndpoint(endpoint)
}

func (n *Node) isOwnEndpoint(endpoint string) bool {
	if addr := n.transport.ListenAddress(); addr != nil {
		if endpoint == addr.String() {
			return true
		}
	}
	return endpoint == n.advertisedEndpoint()
}

// dial connects to endpoint in the background.
func (n *Node) dial(endpoint string) {
	n.dialing[endpoint] = struct{}{}
	if err := n.peerDB.RecordAttempt(endpoint, time.Now()); err != nil {
		n.logger.Error("failed to update peer store", "endpoint", endpoint, "err", err)
	}

	n.connWg.Add(1)
	go func() {
		defer n.connWg.Done()

		c, err := n.transport.Dial(n.ctx, endpoint)
		posted := n.post(func() {
			delete(n.dialing, endpoint)
			if err != nil {
				n.logger.Debug("failed to dial peer", "endpoint", endpoint, "err", err)
				if err := n.peerDB.RecordFailure(endpoint, peerdb.DispositionConnectFailed, err.Error(), time.Now()); err != nil {
					n.logger.Error("failed to update peer store", "endpoint", endpoint, "err", err)
				}
				return
			}
			n.addConnection(c, wire.DirectionOutbound, endpoint)
		})
		if !posted && c != nil {
			_ = c.Close()
		}
	}()
}

// refreshPeerLists asks active peers for their address lists once per
// refresh interval.
func (n *Node) refreshPeerLists() {
	now := time.Now()
	for _, s := range n.registry.Active() {
		if now.Sub(s.LastAddressRequest) >= n.cfg.P2P.PeerListRefreshInterval {
			s.LastAddressRequest = now
			n.send(s, &wire.AddressRequest{})
		}
	}
}

// advertisedEndpoint is the endpoint we tell peers to dial, empty when we
// do not accept connections.
func (n *Node) advertisedEndpoint() string {
	if n.cfg.P2P.ExternalAddress != "" {
		if endpoint, err := conn.NormalizeAddress(n.cfg.P2P.ExternalAddress); err == nil {
			return endpoint
		}
	}
	return ""
}

// inboundPort is the port we accept connections on, zero if none or if we
// know we are firewalled.
func (n *Node) inboundPort() uint16 {
	addr := n.transport.ListenAddress()
	if addr == nil || n.firewall == wire.FirewallStateFirewalled {
		return 0
	}
	return uint16(addr.Port)
}

func splitAndTrimEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// hostOf returns the host part of a host:port endpoint.
func hostOf(endpoint string) string {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint
	}
	return host
}

// portOf returns the port of an address, zero if it has none.
func portOf(addr net.Addr) uint16 {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return uint16(tcp.Port)
	}
	return 0
}
