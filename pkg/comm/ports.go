package comm

import (
	"fmt"
	"net"
	"strconv"
)

const (
	// BasePort is the first port tried by FindAvailablePort.
	BasePort = 3000

	maxPort = 65535
)

// LocalHostIPs returns the IPv4 addresses of every non-loopback interface that
// is up, in interface order.
func LocalHostIPs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list network interfaces: %w", err)
	}

	var ips []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, fmt.Errorf("failed to list addresses of %s: %w", iface.Name, err)
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			ips = append(ips, ipNet.IP.String())
		}
	}
	return ips, nil
}

// validateLocalIP checks that ip is literally one of LocalHostIPs.
func validateLocalIP(ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%w: %q is not an IP address", ErrInvalidIP, ip)
	}
	ips, err := LocalHostIPs()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIP, err)
	}
	for _, candidate := range ips {
		if candidate == ip {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidIP, ip)
}

// FindAvailablePort returns the first port at or above BasePort that can be
// bound on localIP. The port is released before returning, so the caller's
// later bind may race with other processes.
//
// Returns ErrInvalidIP if localIP is not one of LocalHostIPs, and
// ErrBindFailure if no port in range could be bound.
func FindAvailablePort(localIP string) (int, error) {
	return FindAvailablePortFrom(localIP, BasePort)
}

// FindAvailablePortFrom is FindAvailablePort with an explicit base port.
func FindAvailablePortFrom(localIP string, base int) (int, error) {
	res, err := ReservePort(localIP, base)
	if err != nil {
		return 0, err
	}
	port := res.Port()
	if err := res.Close(); err != nil {
		return 0, fmt.Errorf("failed to release port %d: %w", port, err)
	}
	return port, nil
}

// Reservation is a bound TCP listener obtained by ReservePort. Ownership of
// the listener passes to whoever calls Listener.
type Reservation struct {
	listener net.Listener
	port     int
}

// ReservePort binds the first free port at or above base on localIP and keeps
// the listener open.
func ReservePort(localIP string, base int) (*Reservation, error) {
	if err := validateLocalIP(localIP); err != nil {
		return nil, err
	}
	if base < 1 || base > maxPort {
		return nil, fmt.Errorf("%w: base port %d out of range", ErrConfig, base)
	}

	var lastErr error
	for port := base; port <= maxPort; port++ {
		l, err := net.Listen("tcp4", net.JoinHostPort(localIP, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		return &Reservation{listener: l, port: port}, nil
	}
	return nil, fmt.Errorf("%w: %s ports %d-%d: %v", ErrBindFailure, localIP, base, maxPort, lastErr)
}

// Port returns the reserved port.
func (r *Reservation) Port() int {
	return r.port
}

// Listener returns the held listener.
func (r *Reservation) Listener() net.Listener {
	return r.listener
}

// Close releases the port.
func (r *Reservation) Close() error {
	return r.listener.Close()
}
