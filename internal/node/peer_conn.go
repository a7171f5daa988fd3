package node

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/gossipchain/netnode/internal/p2p/conn"
	"github.com/gossipchain/netnode/internal/p2p/wire"
	"github.com/gossipchain/netnode/internal/peers"
	"github.com/gossipchain/netnode/libs/log"
	"github.com/gossipchain/netnode/types"
)

// stampedSizeHint is charged against the byte budget for messages that are
// encoded at write time.
const stampedSizeHint = 64

type outbound struct {
	msg        wire.Message
	frame      []byte
	size       int64
	closeAfter bool
}

// peerConn moves messages between a Connection and the event loop. Sends are
// queued on a bounded channel drained by a writer goroutine; a reader
// goroutine decodes inbound frames.
type peerConn struct {
	logger  log.Logger
	codec   *wire.Codec
	conn    *conn.Connection
	metrics *Metrics

	out            chan outbound
	queuedBytes    atomic.Int64
	maxQueuedBytes int64
	closing        atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

var _ peers.Sender = (*peerConn)(nil)

func newPeerConn(
	logger log.Logger,
	codec *wire.Codec,
	c *conn.Connection,
	maxQueuedMessages, maxQueuedBytes int,
	metrics *Metrics,
) *peerConn {
	return &peerConn{
		logger:         logger,
		codec:          codec,
		conn:           c,
		metrics:        metrics,
		out:            make(chan outbound, maxQueuedMessages),
		maxQueuedBytes: int64(maxQueuedBytes),
		done:           make(chan struct{}),
	}
}

func (pc *peerConn) Send(msg wire.Message) error {
	return pc.enqueue(msg, false)
}

// SendAndClose queues msg as the last message. If it cannot be queued the
// connection is closed right away.
func (pc *peerConn) SendAndClose(msg wire.Message) error {
	if err := pc.enqueue(msg, true); err != nil {
		_ = pc.Close()
		return err
	}
	return nil
}

func (pc *peerConn) enqueue(msg wire.Message, closeAfter bool) error {
	if closeAfter {
		if !pc.closing.CAS(false, true) {
			return errConnClosing
		}
	} else if pc.closing.Load() {
		return errConnClosing
	}

	ob := outbound{msg: msg, closeAfter: closeAfter, size: stampedSizeHint}
	if _, ok := msg.(wire.SendStamper); !ok {
		frame, err := pc.codec.Encode(msg)
		if err != nil {
			return err
		}
		ob.frame = frame
		ob.size = int64(len(frame))
	}

	if pc.queuedBytes.Add(ob.size) > pc.maxQueuedBytes {
		pc.queuedBytes.Sub(ob.size)
		return errSendQueueFull
	}

	select {
	case <-pc.done:
		pc.queuedBytes.Sub(ob.size)
		return conn.ErrConnectionClosed
	case pc.out <- ob:
		return nil
	default:
		pc.queuedBytes.Sub(ob.size)
		return errSendQueueFull
	}
}

// writeRoutine drains the outbound queue until the connection closes.
func (pc *peerConn) writeRoutine(ctx context.Context) {
	defer func() { _ = pc.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pc.done:
			return
		case ob := <-pc.out:
			pc.queuedBytes.Sub(ob.size)

			frame := ob.frame
			if frame == nil {
				ob.msg.(wire.SendStamper).StampSend(time.Now())
				var err error
				if frame, err = pc.codec.Encode(ob.msg); err != nil {
					pc.logger.Error("failed to encode message", "msg", ob.msg.Code(), "err", err)
					continue
				}
			}

			if err := pc.conn.WriteFrame(ctx, frame); err != nil {
				pc.logger.Debug("failed to write message", "msg", ob.msg.Code(), "err", err)
				return
			}
			pc.metrics.MessagesSent.With("message_type", ob.msg.Code().String()).Add(1)

			if ob.closeAfter {
				return
			}
		}
	}
}

// readRoutine decodes frames and hands them to deliver together with the
// message hash of blocks and transactions and the time of arrival. It
// returns the error that ended the connection.
func (pc *peerConn) readRoutine(ctx context.Context, deliver func(wire.Message, types.Hash, time.Time)) error {
	for {
		frame, err := pc.conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		received := time.Now()

		msg, err := pc.codec.Decode(frame)
		if err != nil {
			return &peerError{
				reason:      "received a message we could not decode",
				err:         err,
				fatal:       true,
				disposition: dispositionOf(nil),
			}
		}

		var hash types.Hash
		switch msg.(type) {
		case *wire.BlockMessage, *wire.TransactionMessage:
			if hash, err = pc.codec.Hash(msg); err != nil {
				return err
			}
		}
		deliver(msg, hash, received)
	}
}

// Close closes the socket. Queued messages are dropped.
func (pc *peerConn) Close() error {
	var err error
	pc.closeOnce.Do(func() {
		close(pc.done)
		err = pc.conn.Close()
	})
	return err
}

func (pc *peerConn) BytesSent() uint64 { return pc.conn.BytesSent() }

func (pc *peerConn) BytesReceived() uint64 { return pc.conn.BytesReceived() }

func (pc *peerConn) String() string { return pc.conn.String() }
