package peer

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockforge/stratumpool/internal/peerwire"
)

func TestHandshakeEmitsConnectedAfterResync(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		fr := peerwire.NewFrameReader(conn, testMagic)
		cmd, _, err := fr.Next()
		if err != nil || cmd != "version" {
			return
		}

		// 7 bytes of garbage before a well-formed verack: the peer
		// must resync and still see exactly one "connected" event.
		garbage := []byte{1, 2, 3, 4, 5, 6, 7}
		conn.Write(garbage)
		conn.Write(peerwire.EncodeFrame(testMagic, "verack", nil))
	}()

	connectedCh := make(chan struct{}, 1)
	var errorCount int32
	p := New(Config{
		Host:            addr.IP.String(),
		Port:            addr.Port,
		Magic:           testMagic,
		ProtocolVersion: 70015,
	}, Events{
		Connected: func() { connectedCh <- struct{}{} },
		Error:     func(error) { atomic.AddInt32(&errorCount, 1) },
	})

	stopCh := make(chan struct{})
	go p.Run(stopCh)
	defer close(stopCh)

	select {
	case <-connectedCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connected event")
	}
	<-serverDone
	require.GreaterOrEqual(t, atomic.LoadInt32(&errorCount), int32(1))
}

const testMagic = 0xd9b4bef9
