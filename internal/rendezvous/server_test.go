package rendezvous

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/warren/pkg/comm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestStart(t *testing.T) {
	addr := freeLoopbackAddr(t)

	srv, err := Start(addr)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	assert.Equal(t, addr, srv.Addr())

	t.Run("rejects an address already in use", func(t *testing.T) {
		_, err := Start(addr)
		assert.ErrorIs(t, err, comm.ErrBindFailure)
	})

	t.Run("rejects a malformed address", func(t *testing.T) {
		_, err := Start("localhost")
		assert.ErrorIs(t, err, comm.ErrConfig)
	})
}

func TestStart_GroupFormsThroughService(t *testing.T) {
	srv, err := Start(freeLoopbackAddr(t))
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const size = 3
	comms := make([]*comm.Communicator, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			comms[rank], errs[rank] = comm.Init(ctx, comm.Options{
				GroupSize:      size,
				Rank:           rank,
				RendezvousAddr: srv.Addr(),
			})
		}()
	}
	wg.Wait()

	for rank := 0; rank < size; rank++ {
		require.NoError(t, errs[rank], "rank %d", rank)
		assert.Equal(t, rank, comms[rank].Rank())
		assert.NoError(t, comms[rank].Close())
	}
}

func TestStartOnLocalIP(t *testing.T) {
	ips, err := comm.LocalHostIPs()
	if err != nil || len(ips) == 0 {
		t.Skip("no non-loopback IPv4 interface available")
	}

	srv, err := StartOnLocalIP(ips[0])
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	assert.Equal(t, ips[0], host)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, comm.BasePort)

	t.Run("rejects a foreign ip", func(t *testing.T) {
		_, err := StartOnLocalIP("192.0.2.123")
		assert.ErrorIs(t, err, comm.ErrInvalidIP)
	})
}
