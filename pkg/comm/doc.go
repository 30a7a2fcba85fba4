// Package comm provides the rank-indexed communicator used by warren workers
// to train a model collectively.
//
// # Overview
//
// A training session runs on a fixed group of N worker processes. Each process
// is launched with a pre-assigned rank in [0, N) and the address of a shared
// rendezvous service. Init registers the process with the rendezvous service,
// waits until all N ranks have registered, and then eagerly opens a TCP
// connection to every other rank. The resulting Communicator is an explicit
// handle: it is passed to every collective operation and released with Close.
// Several communicators may coexist in one process.
//
// # Rendezvous
//
// The rendezvous service speaks the Redis protocol. Membership is a hash keyed
// by rank, and joins are announced on a Pub/Sub channel so waiting ranks wake
// up without polling. All keys are namespaced by group name so several groups
// can share one rendezvous service.
//
// Members: warren:{group}:members
// Join events: warren:{group}:join_events
//
// Joining has no timeout. If a rank never registers, Init blocks until the
// caller's context is cancelled. The same holds for Gather: a rank that never
// contributes stalls the whole group.
//
// # Collectives
//
// Gather moves one byte buffer from every rank to rank 0. Slot i of the result
// always holds rank i's buffer, whatever the arrival order. All buffers of one
// call must have the same length; the root verifies this before returning and
// reports ErrInconsistentShape to every rank otherwise. GatherVerified lets the
// root run a further check on the slots before any rank is acknowledged.
// GatherFixed layers a typed codec of static length on top of it and decodes
// every slot inside that check. If the root fails to receive a buffer, the
// ranks whose buffers did arrive get ErrProtocol instead of waiting forever.
//
// # Port discovery
//
// FindAvailablePort probes ports linearly from BasePort on one of the host's
// non-loopback addresses and releases the port before returning. Another
// process may take the port between the probe and the caller's own bind.
// ReservePort keeps the listener open instead and hands it to the caller.
package comm
