package comm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultGroup is the group name used when Options.Group is empty.
	DefaultGroup = "default"

	// DefaultListenIP is the data-channel address used when Options.ListenIP is empty.
	DefaultListenIP = "127.0.0.1"

	// RootRank is the rank that receives gathered buffers.
	RootRank = 0
)

// GroupNamePattern matches valid group names. Group names become part of
// rendezvous keys, so they are restricted to lowercase alphanumerics with
// inner hyphens.
var GroupNamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Options configures Init.
type Options struct {
	// GroupSize is the number of ranks in the group (N >= 1).
	GroupSize int

	// Rank is this process's rank in [0, GroupSize).
	Rank int

	// RendezvousAddr is the host:port of the rendezvous service, shared
	// out-of-band by every rank.
	RendezvousAddr string

	// Group namespaces the rendezvous keys. Defaults to DefaultGroup.
	Group string

	// ListenIP is the address the data channel listens on and advertises to
	// peers. A non-loopback address must belong to a local interface; its port
	// is reserved from BasePort upward. Defaults to DefaultListenIP.
	ListenIP string
}

// Validate checks the options and fills in defaults.
// All failures wrap ErrConfig.
func (o *Options) Validate() error {
	if o.GroupSize < 1 {
		return fmt.Errorf("%w: group size must be >= 1, got %d", ErrConfig, o.GroupSize)
	}
	if o.Rank < 0 || o.Rank >= o.GroupSize {
		return fmt.Errorf("%w: rank %d outside [0, %d)", ErrConfig, o.Rank, o.GroupSize)
	}
	if err := ValidateRendezvousAddr(o.RendezvousAddr); err != nil {
		return err
	}

	if o.Group == "" {
		o.Group = DefaultGroup
	}
	if !GroupNamePattern.MatchString(o.Group) {
		return fmt.Errorf("%w: invalid group name %q", ErrConfig, o.Group)
	}

	if o.ListenIP == "" {
		o.ListenIP = DefaultListenIP
	}
	ip := net.ParseIP(o.ListenIP)
	if ip == nil || ip.IsUnspecified() {
		return fmt.Errorf("%w: listen ip %q must be a concrete address", ErrConfig, o.ListenIP)
	}
	return nil
}

// ValidateRendezvousAddr checks that addr has the form host:port with a
// non-empty host and a port in 1..65535.
func ValidateRendezvousAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: rendezvous address is empty", ErrConfig)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: rendezvous address %q: %v", ErrConfig, addr, err)
	}
	if host == "" {
		return fmt.Errorf("%w: rendezvous address %q has no host", ErrConfig, addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > maxPort {
		return fmt.Errorf("%w: rendezvous address %q has invalid port", ErrConfig, addr)
	}
	return nil
}

// Communicator is one rank's handle on an established group.
// Collective operations are serialised; a Communicator may be shared between
// goroutines but every rank must issue collectives in the same order.
type Communicator struct {
	group string
	rank  int
	size  int
	id    string

	reg   *registry
	peers []net.Conn // indexed by rank, nil at c.rank

	mu  sync.Mutex
	seq uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type hello struct {
	Group string `json:"group"`
	Rank  int    `json:"rank"`
	ID    string `json:"id"`
}

// Init joins the group described by opts and returns once every rank has
// joined and all peer connections are open.
//
// Invalid options fail with ErrConfig before any network activity. Otherwise
// Init blocks until all GroupSize ranks have registered; there is no timeout,
// so a rank that never starts stalls the group until ctx is cancelled.
func Init(ctx context.Context, opts Options) (*Communicator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	ln, err := listenData(opts.ListenIP)
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	c := &Communicator{
		group: opts.Group,
		rank:  opts.Rank,
		size:  opts.GroupSize,
		id:    uuid.New().String(),
		reg:   newRegistry(opts.RendezvousAddr, opts.Group),
		peers: make([]net.Conn, opts.GroupSize),
	}

	if err := c.join(ctx, ln); err != nil {
		c.closePeers()
		c.reg.Close()
		return nil, err
	}

	log.Printf("[INFO] Communicator init took %s (group=%s rank=%d size=%d)",
		time.Since(start).Round(time.Millisecond), c.group, c.rank, c.size)
	return c, nil
}

func listenData(ip string) (net.Listener, error) {
	if parsed := net.ParseIP(ip); parsed != nil && parsed.IsLoopback() {
		l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to listen on %s: %v", ErrBindFailure, ip, err)
		}
		return l, nil
	}
	res, err := ReservePort(ip, BasePort)
	if err != nil {
		return nil, err
	}
	return res.Listener(), nil
}

func (c *Communicator) join(ctx context.Context, ln net.Listener) (err error) {
	if err := c.reg.connect(ctx); err != nil {
		return err
	}

	self := member{Rank: c.rank, Addr: ln.Addr().String(), ID: c.id}
	if err := c.reg.register(ctx, self); err != nil {
		return err
	}
	defer func() {
		if err == nil {
			return
		}
		// Release the rank so a relaunched process can register it again.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if uerr := c.reg.unregister(cleanupCtx, c.rank, c.id); uerr != nil {
			log.Printf("[WARN] %v", uerr)
		}
	}()
	log.Printf("[DEBUG] Rank %d registered in group %s at %s, waiting for %d ranks", c.rank, c.group, self.Addr, c.size)

	members, err := c.reg.awaitMembers(ctx, c.size)
	if err != nil {
		return err
	}
	if err := c.connectPeers(ctx, ln, members); err != nil {
		return fmt.Errorf("failed to connect peers: %w", err)
	}
	return nil
}

// connectPeers builds the full mesh: rank i dials every lower rank and
// accepts one connection from every higher rank.
func (c *Communicator) connectPeers(ctx context.Context, ln net.Listener, members []member) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { ln.Close() })
	defer stop()

	var mu sync.Mutex
	g.Go(func() error {
		return c.acceptPeers(gctx, ln, members, &mu)
	})
	for j := 0; j < c.rank; j++ {
		peer := members[j]
		g.Go(func() error {
			return c.dialPeer(gctx, peer, &mu)
		})
	}
	return g.Wait()
}

func (c *Communicator) dialPeer(ctx context.Context, peer member, mu *sync.Mutex) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", peer.Addr)
	if err != nil {
		return fmt.Errorf("failed to dial rank %d at %s: %w", peer.Rank, peer.Addr, err)
	}
	stop := interruptOnDone(ctx, conn)
	defer stop()

	if err := c.sendHello(conn); err != nil {
		conn.Close()
		return err
	}
	h, err := readHello(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake with rank %d: %w", peer.Rank, err)
	}
	if h.Group != c.group || h.Rank != peer.Rank || h.ID != peer.ID {
		conn.Close()
		return fmt.Errorf("%w: rank %d at %s answered as rank %d of group %s", ErrProtocol, peer.Rank, peer.Addr, h.Rank, h.Group)
	}

	mu.Lock()
	c.peers[peer.Rank] = conn
	mu.Unlock()
	return nil
}

func (c *Communicator) acceptPeers(ctx context.Context, ln net.Listener, members []member, mu *sync.Mutex) error {
	for pending := c.size - 1 - c.rank; pending > 0; pending-- {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to accept peer: %w", err)
		}
		if err := c.admitPeer(ctx, conn, members, mu); err != nil {
			conn.Close()
			return err
		}
	}
	return nil
}

func (c *Communicator) admitPeer(ctx context.Context, conn net.Conn, members []member, mu *sync.Mutex) error {
	stop := interruptOnDone(ctx, conn)
	defer stop()

	h, err := readHello(conn)
	if err != nil {
		return fmt.Errorf("handshake with %s: %w", conn.RemoteAddr(), err)
	}
	if h.Group != c.group || h.Rank <= c.rank || h.Rank >= c.size || h.ID != members[h.Rank].ID {
		return fmt.Errorf("%w: unexpected hello from %s (group=%s rank=%d)", ErrProtocol, conn.RemoteAddr(), h.Group, h.Rank)
	}

	mu.Lock()
	duplicate := c.peers[h.Rank] != nil
	if !duplicate {
		c.peers[h.Rank] = conn
	}
	mu.Unlock()
	if duplicate {
		return fmt.Errorf("%w: rank %d connected twice", ErrProtocol, h.Rank)
	}

	return c.sendHello(conn)
}

func (c *Communicator) sendHello(conn net.Conn) error {
	payload, err := json.Marshal(hello{Group: c.group, Rank: c.rank, ID: c.id})
	if err != nil {
		return fmt.Errorf("failed to marshal hello: %w", err)
	}
	return writeFrame(conn, frame{kind: frameHello, payload: payload})
}

func readHello(conn net.Conn) (hello, error) {
	payload, err := expect(conn, frameHello, 0)
	if err != nil {
		return hello{}, err
	}
	var h hello
	if err := json.Unmarshal(payload, &h); err != nil {
		return hello{}, fmt.Errorf("%w: malformed hello: %v", ErrProtocol, err)
	}
	return h, nil
}

// interruptOnDone makes pending I/O on conn fail once ctx is done.
func interruptOnDone(ctx context.Context, conn net.Conn) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
}

// Rank returns this process's rank.
func (c *Communicator) Rank() int {
	return c.rank
}

// Size returns the number of ranks in the group.
func (c *Communicator) Size() int {
	return c.size
}

// IsRoot reports whether this process is rank 0.
func (c *Communicator) IsRoot() bool {
	return c.rank == RootRank
}

// Group returns the group name.
func (c *Communicator) Group() string {
	return c.group
}

// Close releases all peer connections. The root also removes the group's
// membership from the rendezvous service. Safe to call multiple times;
// subsequent calls return the first call's result.
func (c *Communicator) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		errs := []error{c.closePeers()}

		if c.IsRoot() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, c.reg.clear(ctx))
			cancel()
		}
		errs = append(errs, c.reg.Close())

		c.closeErr = errors.Join(errs...)
		log.Printf("[DEBUG] Communicator closed (group=%s rank=%d)", c.group, c.rank)
	})
	return c.closeErr
}

func (c *Communicator) closePeers() error {
	var errs []error
	for _, conn := range c.peers {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
