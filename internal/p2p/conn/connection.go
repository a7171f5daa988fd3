package conn

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
)

const frameHeaderSize = 4

var (
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrConnectionClosed = errors.New("connection closed")
)

// Connection carries length-prefixed frames over a stream socket. Each frame
// is preceded by its length as a 4-byte big-endian integer. Writes are
// serialized; a single reader is expected.
type Connection struct {
	conn net.Conn
	r    *bufio.Reader

	maxFrameSize int
	upload       *BandwidthLimiter
	download     *BandwidthLimiter

	writeMtx sync.Mutex

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	closed        atomic.Bool
}

// NewConnection wraps an established socket. Either limiter may be nil.
func NewConnection(c net.Conn, maxFrameSize int, upload, download *BandwidthLimiter) *Connection {
	return &Connection{
		conn:         c,
		r:            bufio.NewReaderSize(c, 16*1024),
		maxFrameSize: maxFrameSize,
		upload:       upload,
		download:     download,
	}
}

// WriteFrame writes one frame. It blocks while the upload limiter is
// exhausted or the remote side is not reading.
func (c *Connection) WriteFrame(ctx context.Context, frame []byte) error {
	if c.maxFrameSize > 0 && len(frame) > c.maxFrameSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(frame), c.maxFrameSize)
	}
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	total := frameHeaderSize + len(frame)
	if err := c.upload.WaitN(ctx, total); err != nil {
		return err
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[frameHeaderSize:], frame)

	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}

	n, err := c.conn.Write(buf)
	c.bytesSent.Add(uint64(n))
	if err != nil {
		return c.wrapErr(err)
	}
	return nil
}

// ReadFrame blocks until a whole frame has been received.
func (c *Connection) ReadFrame(ctx context.Context) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, c.wrapErr(err)
	}

	size := int(binary.BigEndian.Uint32(header[:]))
	if c.maxFrameSize > 0 && size > c.maxFrameSize {
		return nil, fmt.Errorf("%w: peer announced %d bytes, limit %d", ErrFrameTooLarge, size, c.maxFrameSize)
	}

	if err := c.download.WaitN(ctx, frameHeaderSize+size); err != nil {
		return nil, err
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		return nil, c.wrapErr(err)
	}
	c.bytesReceived.Add(uint64(frameHeaderSize + size))
	return frame, nil
}

func (c *Connection) wrapErr(err error) error {
	if c.closed.Load() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrConnectionClosed
	}
	return err
}

// Close closes the socket. It is safe to call more than once.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Connection) IsClosed() bool { return c.closed.Load() }

func (c *Connection) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Connection) BytesSent() uint64 { return c.bytesSent.Load() }

func (c *Connection) BytesReceived() uint64 { return c.bytesReceived.Load() }

func (c *Connection) String() string {
	return fmt.Sprintf("Conn{%v}", c.conn.RemoteAddr())
}
