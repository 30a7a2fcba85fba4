// Package rendezvous runs the Redis-protocol rendezvous service in-process,
// so that a group can form without any external infrastructure. The host
// rank starts it on the address every rank was given; all ranks, the host
// included, then join through comm.Init as usual.
package rendezvous

import (
	"fmt"
	"log"
	"net"
	"strconv"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/warren/pkg/comm"
)

// portAttempts bounds the retries of StartOnLocalIP when a probed port is
// taken between the probe and the bind.
const portAttempts = 5

// Server is a running rendezvous service.
type Server struct {
	mr *miniredis.Miniredis
}

// Start serves the rendezvous service on addr (host:port).
func Start(addr string) (*Server, error) {
	if err := comm.ValidateRendezvousAddr(addr); err != nil {
		return nil, err
	}

	mr := miniredis.NewMiniRedis()
	if err := mr.StartAddr(addr); err != nil {
		return nil, fmt.Errorf("%w: failed to serve rendezvous on %s: %v", comm.ErrBindFailure, addr, err)
	}
	log.Printf("[INFO] Rendezvous service listening on %s", mr.Addr())
	return &Server{mr: mr}, nil
}

// StartOnLocalIP serves the rendezvous service on the first free port of
// localIP at or above comm.BasePort. localIP must be a local interface address.
func StartOnLocalIP(localIP string) (*Server, error) {
	base := comm.BasePort
	var lastErr error
	for attempt := 0; attempt < portAttempts; attempt++ {
		port, err := comm.FindAvailablePortFrom(localIP, base)
		if err != nil {
			return nil, err
		}
		srv, err := Start(net.JoinHostPort(localIP, strconv.Itoa(port)))
		if err == nil {
			return srv, nil
		}
		log.Printf("[DEBUG] Port %d was taken after probing, retrying", port)
		lastErr = err
		base = port + 1
	}
	return nil, lastErr
}

// Addr returns the host:port the service listens on.
func (s *Server) Addr() string {
	return s.mr.Addr()
}

// Close stops the service. Connected ranks see their connections drop.
func (s *Server) Close() {
	s.mr.Close()
	log.Printf("[INFO] Rendezvous service stopped")
}
