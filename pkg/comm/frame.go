package comm

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Peer connections carry length-prefixed frames:
//
//	magic  uint32  "WREN"
//	kind   uint8
//	_      [3]byte
//	seq    uint64  collective sequence number (0 for hello)
//	length uint32  payload length
//	payload
//
// All integers are big-endian.

const (
	frameMagic      uint32 = 0x5752454e
	frameHeaderSize        = 20
	maxFramePayload        = 1 << 30
)

type frameKind uint8

const (
	frameHello frameKind = iota + 1
	frameGather
	frameGatherAck
)

func (k frameKind) String() string {
	switch k {
	case frameHello:
		return "hello"
	case frameGather:
		return "gather"
	case frameGatherAck:
		return "gather-ack"
	default:
		return fmt.Sprintf("frame(%d)", uint8(k))
	}
}

type frame struct {
	kind    frameKind
	seq     uint64
	payload []byte
}

func writeFrame(w io.Writer, f frame) error {
	if len(f.payload) > maxFramePayload {
		return fmt.Errorf("%w: %s payload of %d bytes exceeds limit", ErrProtocol, f.kind, len(f.payload))
	}
	buf := make([]byte, frameHeaderSize+len(f.payload))
	binary.BigEndian.PutUint32(buf[0:4], frameMagic)
	buf[4] = byte(f.kind)
	binary.BigEndian.PutUint64(buf[8:16], f.seq)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(f.payload)))
	copy(buf[frameHeaderSize:], f.payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.kind, err)
	}
	return nil
}

func readFrame(r io.Reader) (frame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, fmt.Errorf("failed to read frame header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(header[0:4]); magic != frameMagic {
		return frame{}, fmt.Errorf("%w: bad frame magic %#x", ErrProtocol, magic)
	}

	f := frame{
		kind: frameKind(header[4]),
		seq:  binary.BigEndian.Uint64(header[8:16]),
	}
	length := binary.BigEndian.Uint32(header[16:20])
	if length > maxFramePayload {
		return frame{}, fmt.Errorf("%w: %s payload of %d bytes exceeds limit", ErrProtocol, f.kind, length)
	}

	f.payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.payload); err != nil {
		return frame{}, fmt.Errorf("failed to read %s payload: %w", f.kind, err)
	}
	return f, nil
}

// expect reads one frame and checks its kind and sequence number.
func expect(r io.Reader, kind frameKind, seq uint64) ([]byte, error) {
	f, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if f.kind != kind {
		return nil, fmt.Errorf("%w: expected %s frame, got %s", ErrProtocol, kind, f.kind)
	}
	if f.seq != seq {
		return nil, fmt.Errorf("%w: expected %s #%d, got #%d", ErrProtocol, kind, seq, f.seq)
	}
	return f.payload, nil
}
