package comm

import "errors"

var (
	// ErrConfig reports an invalid group size, rank, group name or rendezvous
	// address. It is returned before any network activity takes place.
	ErrConfig = errors.New("invalid communicator configuration")

	// ErrInvalidIP reports that a candidate IP is not bound to any non-loopback
	// interface of this host.
	ErrInvalidIP = errors.New("ip is not a local interface address")

	// ErrBindFailure reports that no port could be bound during a port probe.
	ErrBindFailure = errors.New("no bindable port")

	// ErrInconsistentShape reports that ranks contributed buffers of different
	// lengths to the same gather.
	ErrInconsistentShape = errors.New("inconsistent partial result shape")

	// ErrClosed is returned by operations on a closed communicator.
	ErrClosed = errors.New("communicator is closed")

	// ErrProtocol reports an unexpected frame on a peer connection.
	ErrProtocol = errors.New("peer protocol violation")
)

// IsConfigError returns true if err was caused by invalid configuration.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfig) || errors.Is(err, ErrInvalidIP)
}
