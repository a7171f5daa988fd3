package conn

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gossipchain/netnode/libs/log"
)

func pipeConnections(t *testing.T, maxFrame int) (*Connection, *Connection) {
	t.Helper()
	a, b := net.Pipe()
	ca := NewConnection(a, maxFrame, nil, nil)
	cb := NewConnection(b, maxFrame, nil, nil)
	t.Cleanup(func() {
		_ = ca.Close()
		_ = cb.Close()
	})
	return ca, cb
}

func TestConnectionFrames(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, server := pipeConnections(t, 1024)
	frames := [][]byte{[]byte("abc"), {}, bytes.Repeat([]byte{7}, 1024)}

	errCh := make(chan error, 1)
	go func() {
		for _, f := range frames {
			if err := client.WriteFrame(ctx, f); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	for _, want := range frames {
		got, err := server.ReadFrame(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.NoError(t, <-errCh)

	total := uint64(3*frameHeaderSize + 3 + 1024)
	assert.Equal(t, total, client.BytesSent())
	assert.Equal(t, total, server.BytesReceived())
}

func TestConnectionFrameTooLarge(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx := context.Background()
	client, server := pipeConnections(t, 16)

	err := client.WriteFrame(ctx, make([]byte, 17))
	require.ErrorIs(t, err, ErrFrameTooLarge)

	// a peer that ignores the limit is caught on the read side
	loose := NewConnection(client.conn, 0, nil, nil)
	go func() { _ = loose.WriteFrame(ctx, make([]byte, 32)) }()

	_, err = server.ReadFrame(ctx)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	_ = client.Close()
}

func TestConnectionClose(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx := context.Background()
	client, server := pipeConnections(t, 0)

	readErr := make(chan error, 1)
	go func() {
		_, err := server.ReadFrame(ctx)
		readErr <- err
	}()

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
	require.True(t, server.IsClosed())

	select {
	case err := <-readErr:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("read did not return after close")
	}

	require.ErrorIs(t, server.WriteFrame(ctx, []byte("x")), ErrConnectionClosed)
	require.Error(t, client.WriteFrame(ctx, []byte("x")))
}

func TestBandwidthLimiter(t *testing.T) {
	var nilLimiter *BandwidthLimiter
	require.NoError(t, nilLimiter.WaitN(context.Background(), 1<<30))
	require.Zero(t, nilLimiter.Limit())

	l := NewBandwidthLimiter(0)
	require.Zero(t, l.Limit())
	require.NoError(t, l.WaitN(context.Background(), 1<<30))

	l.SetLimit(minBurst)
	require.Equal(t, minBurst, l.Limit())

	// the first burst is free, the next one takes about a second
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, l.WaitN(ctx, minBurst))
	require.Error(t, l.WaitN(ctx, minBurst))

	l.SetLimit(0)
	require.NoError(t, l.WaitN(context.Background(), 10*minBurst))
}

func TestTransportListenDial(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := NewTransport(log.NewNopLogger(), TransportOptions{
		MaxIncomingConnections: 4,
		DialTimeout:            time.Second,
		MaxFrameSize:           1024,
	})
	require.NoError(t, tr.Listen("tcp://127.0.0.1:0"))
	require.Error(t, tr.Listen("tcp://127.0.0.1:0"))

	addr := tr.ListenAddress()
	require.NotNil(t, addr)

	accepted := make(chan *Connection, 1)
	go func() {
		c, err := tr.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	out, err := tr.Dial(ctx, addr.String())
	require.NoError(t, err)
	defer out.Close()

	in, ok := <-accepted
	require.True(t, ok)
	defer in.Close()

	require.NoError(t, out.WriteFrame(ctx, []byte("hello")))
	frame, err := in.ReadFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), frame)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Accept()
		done <- err
	}()
	require.NoError(t, tr.Close())
	require.ErrorIs(t, <-done, ErrTransportClosed)
}

func TestNormalizeAddress(t *testing.T) {
	testCases := []struct {
		in      string
		out     string
		wantErr bool
	}{
		{"tcp://0.0.0.0:2001", "0.0.0.0:2001", false},
		{"127.0.0.1:80", "127.0.0.1:80", false},
		{"[::1]:80", "[::1]:80", false},
		{"localhost", "", true},
		{"127.0.0.1:", "", true},
	}
	for _, tc := range testCases {
		out, err := NormalizeAddress(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		assert.NoError(t, err, tc.in)
		assert.Equal(t, tc.out, out)
	}
}
