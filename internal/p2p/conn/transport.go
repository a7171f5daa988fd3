package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/gossipchain/netnode/libs/log"
)

var ErrTransportClosed = errors.New("transport closed")

// TransportOptions configures a Transport.
type TransportOptions struct {
	// MaxIncomingConnections caps concurrently open inbound sockets, 0 is
	// unlimited.
	MaxIncomingConnections int
	DialTimeout            time.Duration
	MaxFrameSize           int
}

// Transport listens for and dials TCP connections and wraps them as framed
// Connections sharing one pair of bandwidth limiters.
type Transport struct {
	logger log.Logger
	opts   TransportOptions

	Upload   *BandwidthLimiter
	Download *BandwidthLimiter

	mtx      sync.Mutex
	listener net.Listener
	closeCh  chan struct{}
	closed   bool
}

func NewTransport(logger log.Logger, opts TransportOptions) *Transport {
	return &Transport{
		logger:   logger,
		opts:     opts,
		Upload:   NewBandwidthLimiter(0),
		Download: NewBandwidthLimiter(0),
		closeCh:  make(chan struct{}),
	}
}

// NormalizeAddress strips a tcp:// scheme and validates host:port.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimPrefix(addr, "tcp://")
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if port == "" {
		return "", fmt.Errorf("invalid address %q: missing port", addr)
	}
	return net.JoinHostPort(host, port), nil
}

// Listen starts listening. It must be called at most once.
func (t *Transport) Listen(addr string) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.listener != nil {
		return errors.New("transport is already listening")
	}
	hostPort, err := NormalizeAddress(addr)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", hostPort)
	if err != nil {
		return err
	}
	if t.opts.MaxIncomingConnections > 0 {
		listener = netutil.LimitListener(listener, t.opts.MaxIncomingConnections)
	}
	t.listener = listener
	t.logger.Info("listening", "addr", listener.Addr().String())
	return nil
}

// ListenAddress returns the bound address, or nil when not listening.
func (t *Transport) ListenAddress() *net.TCPAddr {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.listener == nil {
		return nil
	}
	addr, _ := t.listener.Addr().(*net.TCPAddr)
	return addr
}

// Accept blocks until an inbound connection arrives. Closing the transport
// unblocks it with ErrTransportClosed.
func (t *Transport) Accept() (*Connection, error) {
	t.mtx.Lock()
	listener := t.listener
	t.mtx.Unlock()
	if listener == nil {
		return nil, errors.New("transport is not listening")
	}

	c, err := listener.Accept()
	if err != nil {
		select {
		case <-t.closeCh:
			return nil, ErrTransportClosed
		default:
		}
		return nil, err
	}
	return t.Wrap(c), nil
}

// Dial connects to a host:port endpoint.
func (t *Transport) Dial(ctx context.Context, endpoint string) (*Connection, error) {
	hostPort, err := NormalizeAddress(endpoint)
	if err != nil {
		return nil, err
	}

	if t.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.DialTimeout)
		defer cancel()
	}

	dialer := net.Dialer{}
	c, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, err
	}
	return t.Wrap(c), nil
}

// Wrap turns an established socket into a Connection governed by this
// transport's limits.
func (t *Transport) Wrap(c net.Conn) *Connection {
	return NewConnection(c, t.opts.MaxFrameSize, t.Upload, t.Download)
}

// Close stops listening. Established connections are not affected.
func (t *Transport) Close() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeCh)
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}
