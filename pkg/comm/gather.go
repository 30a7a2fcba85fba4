package comm

import (
	"context"
	"fmt"
	"log"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// abortWriteTimeout bounds the notice sent to ranks when a gather fails.
const abortWriteTimeout = 2 * time.Second

// Gather acknowledgement status, first payload byte of a gather-ack frame.
const (
	ackOK           byte = 0
	ackInconsistent byte = 1
	ackAborted      byte = 2
)

// SlotCheck inspects the gathered slots on the root before any rank is
// acknowledged. A non-nil error fails the gather on every rank with
// ErrInconsistentShape.
type SlotCheck func(slots [][]byte) error

// Gather sends buf to the root. It must be called by every rank of the group.
//
// On the root it returns Size() buffers where slot i holds rank i's buffer.
// On other ranks it returns nil once the root has received every buffer.
// If the buffers differ in length, every rank gets ErrInconsistentShape.
func (c *Communicator) Gather(ctx context.Context, buf []byte) ([][]byte, error) {
	return c.GatherVerified(ctx, buf, nil)
}

// GatherVerified is Gather with an extra check that the root runs on the
// uniform-length slots before acknowledging. check is ignored on other ranks.
func (c *Communicator) GatherVerified(ctx context.Context, buf []byte, check SlotCheck) ([][]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	seq := c.seq

	if c.size == 1 {
		slots := [][]byte{slices.Clone(buf)}
		if check != nil {
			if err := check(slots); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInconsistentShape, err)
			}
		}
		return slots, nil
	}
	if !c.IsRoot() {
		return nil, c.gatherSend(ctx, seq, buf)
	}
	return c.gatherRoot(ctx, seq, buf, check)
}

func (c *Communicator) gatherSend(ctx context.Context, seq uint64, buf []byte) error {
	conn := c.peers[RootRank]
	stop := interruptOnDone(ctx, conn)
	defer stop()

	if err := writeFrame(conn, frame{kind: frameGather, seq: seq, payload: buf}); err != nil {
		return c.collectiveErr(ctx, seq, err)
	}
	ack, err := expect(conn, frameGatherAck, seq)
	if err != nil {
		return c.collectiveErr(ctx, seq, err)
	}
	if len(ack) == 0 {
		return fmt.Errorf("%w: empty gather ack", ErrProtocol)
	}
	switch ack[0] {
	case ackOK:
		return nil
	case ackInconsistent:
		return fmt.Errorf("%w: %s", ErrInconsistentShape, ack[1:])
	case ackAborted:
		return fmt.Errorf("%w: gather #%d aborted by root: %s", ErrProtocol, seq, ack[1:])
	default:
		return fmt.Errorf("%w: unknown gather ack status %d", ErrProtocol, ack[0])
	}
}

func (c *Communicator) gatherRoot(ctx context.Context, seq uint64, buf []byte, check SlotCheck) ([][]byte, error) {
	slots := make([][]byte, c.size)
	slots[RootRank] = slices.Clone(buf)
	received := make([]bool, c.size)

	var g errgroup.Group
	for rank := 1; rank < c.size; rank++ {
		conn := c.peers[rank]
		g.Go(func() error {
			stop := interruptOnDone(ctx, conn)
			defer stop()

			payload, err := expect(conn, frameGather, seq)
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			slots[rank] = payload
			received[rank] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		err = c.collectiveErr(ctx, seq, err)
		c.abortGather(seq, received, err)
		return nil, err
	}

	shapeErr := checkUniformLength(slots)
	if shapeErr == nil && check != nil {
		shapeErr = check(slots)
	}
	ack := []byte{ackOK}
	if shapeErr != nil {
		ack = append([]byte{ackInconsistent}, shapeErr.Error()...)
	}
	for rank := 1; rank < c.size; rank++ {
		if err := writeFrame(c.peers[rank], frame{kind: frameGatherAck, seq: seq, payload: ack}); err != nil {
			err = c.collectiveErr(ctx, seq, fmt.Errorf("rank %d: %w", rank, err))
			for r := rank + 1; r < c.size; r++ {
				c.sendAbort(r, seq, err)
			}
			return nil, err
		}
	}

	if shapeErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrInconsistentShape, shapeErr)
	}
	return slots, nil
}

// abortGather tells every rank whose buffer arrived that the gather failed,
// so none of them waits for an acknowledgement that never comes.
func (c *Communicator) abortGather(seq uint64, received []bool, cause error) {
	for rank := 1; rank < c.size; rank++ {
		if received[rank] {
			c.sendAbort(rank, seq, cause)
		}
	}
}

func (c *Communicator) sendAbort(rank int, seq uint64, cause error) {
	conn := c.peers[rank]
	conn.SetWriteDeadline(time.Now().Add(abortWriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})

	ack := append([]byte{ackAborted}, cause.Error()...)
	if err := writeFrame(conn, frame{kind: frameGatherAck, seq: seq, payload: ack}); err != nil {
		log.Printf("[WARN] Failed to notify rank %d of aborted gather #%d: %v", rank, seq, err)
	}
}

func checkUniformLength(slots [][]byte) error {
	for rank, slot := range slots {
		if len(slot) != len(slots[0]) {
			return fmt.Errorf("rank %d sent %d bytes, rank 0 sent %d", rank, len(slot), len(slots[0]))
		}
	}
	return nil
}

func (c *Communicator) collectiveErr(ctx context.Context, seq uint64, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("gather #%d on rank %d: %w", seq, c.rank, ctxErr)
	}
	return fmt.Errorf("gather #%d on rank %d: %w", seq, c.rank, err)
}

// Gatherer is the collective used by GatherFixed.
type Gatherer interface {
	IsRoot() bool
	GatherVerified(ctx context.Context, buf []byte, check SlotCheck) ([][]byte, error)
}

// FixedCodec encodes values of T to byte slices of a static length.
type FixedCodec[T any] interface {
	Len() int
	Encode(v T) []byte
	Decode(b []byte) (T, error)
}

// GatherFixed gathers one T per rank to the root using codec.
// Every encoded value must be exactly codec.Len() bytes. The root decodes
// every slot before acknowledging, so a slot that fails to decode is reported
// to every rank as ErrInconsistentShape. Non-root ranks receive nil.
func GatherFixed[T any](ctx context.Context, g Gatherer, codec FixedCodec[T], v T) ([]T, error) {
	buf := codec.Encode(v)
	if len(buf) != codec.Len() {
		return nil, fmt.Errorf("%w: encoded %d bytes, codec length is %d", ErrInconsistentShape, len(buf), codec.Len())
	}

	var values []T
	decode := func(slots [][]byte) error {
		values = make([]T, len(slots))
		for rank, slot := range slots {
			if len(slot) != codec.Len() {
				return fmt.Errorf("rank %d sent %d bytes, expected %d", rank, len(slot), codec.Len())
			}
			var err error
			if values[rank], err = codec.Decode(slot); err != nil {
				return fmt.Errorf("slot of rank %d: %w", rank, err)
			}
		}
		return nil
	}

	if _, err := g.GatherVerified(ctx, buf, decode); err != nil {
		return nil, err
	}
	if !g.IsRoot() {
		return nil, nil
	}
	return values, nil
}
