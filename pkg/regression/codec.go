package regression

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Partial results are encoded little-endian:
//
//	magic     [4]byte  "WRPR"
//	version   uint8
//	family    uint8
//	flags     uint8    bit 0: intercept
//	_         uint8
//	features  uint32
//	rows      uint64
//	Σy²       float64
//	XᵀX       k(k+1)/2 float64, upper triangle row by row
//	Xᵀy       k float64
//
// The length depends only on the feature count and the intercept flag.

const (
	partialMagic      = "WRPR"
	partialVersion    = 1
	partialHeaderSize = 28

	flagIntercept = 1 << 0
)

// EncodedLen returns the encoded size of a partial result of the given shape.
func EncodedLen(features int, intercept bool) int {
	k := designDim(features, intercept)
	return partialHeaderSize + 8*(k*(k+1)/2+k)
}

// Encode serialises p.
func Encode(p *PartialResult) []byte {
	k := p.Dim()
	buf := make([]byte, EncodedLen(p.Features, p.Intercept))

	copy(buf[0:4], partialMagic)
	buf[4] = partialVersion
	buf[5] = byte(p.Family)
	if p.Intercept {
		buf[6] |= flagIntercept
	}
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Features))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(p.Rows))
	binary.LittleEndian.PutUint64(buf[20:28], math.Float64bits(p.SumSquaredLabels))

	off := partialHeaderSize
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(p.Gram.At(i, j)))
			off += 8
		}
	}
	for i := 0; i < k; i++ {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(p.Moment.AtVec(i)))
		off += 8
	}
	return buf
}

// Decode reconstructs a partial result encoded by Encode.
func Decode(b []byte) (*PartialResult, error) {
	if len(b) < partialHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorruptPartial, len(b))
	}
	if string(b[0:4]) != partialMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptPartial, b[0:4])
	}
	if b[4] != partialVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptPartial, b[4])
	}

	p := &PartialResult{
		Family:           Family(b[5]),
		Intercept:        b[6]&flagIntercept != 0,
		Features:         int(binary.LittleEndian.Uint32(b[8:12])),
		Rows:             int(binary.LittleEndian.Uint64(b[12:20])),
		SumSquaredLabels: math.Float64frombits(binary.LittleEndian.Uint64(b[20:28])),
	}
	if err := p.Family.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPartial, err)
	}
	if p.Features < 1 {
		return nil, fmt.Errorf("%w: feature count %d", ErrCorruptPartial, p.Features)
	}
	// Each feature needs at least one moment entry; larger counts cannot fit.
	if p.Features > (len(b)-partialHeaderSize)/8 {
		return nil, fmt.Errorf("%w: %d features do not fit in %d bytes", ErrCorruptPartial, p.Features, len(b))
	}
	if want := EncodedLen(p.Features, p.Intercept); len(b) != want {
		return nil, fmt.Errorf("%w: %d bytes for %d features, expected %d", ErrCorruptPartial, len(b), p.Features, want)
	}

	k := p.Dim()
	p.Gram = mat.NewSymDense(k, nil)
	p.Moment = mat.NewVecDense(k, nil)
	off := partialHeaderSize
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			p.Gram.SetSym(i, j, math.Float64frombits(binary.LittleEndian.Uint64(b[off:])))
			off += 8
		}
	}
	for i := 0; i < k; i++ {
		p.Moment.SetVec(i, math.Float64frombits(binary.LittleEndian.Uint64(b[off:])))
		off += 8
	}
	return p, nil
}

// Codec is the fixed-length codec of partial results with one shape.
// A zero Family accepts any family.
type Codec struct {
	Family    Family
	Features  int
	Intercept bool
}

// CodecFor returns the codec matching p's shape and family.
func CodecFor(p *PartialResult) Codec {
	return Codec{Family: p.Family, Features: p.Features, Intercept: p.Intercept}
}

func (c Codec) Len() int {
	return EncodedLen(c.Features, c.Intercept)
}

func (c Codec) Encode(p *PartialResult) []byte {
	return Encode(p)
}

func (c Codec) Decode(b []byte) (*PartialResult, error) {
	p, err := Decode(b)
	if err != nil {
		return nil, err
	}
	if p.Features != c.Features || p.Intercept != c.Intercept {
		return nil, fmt.Errorf("%w: decoded %d features (intercept=%v), codec expects %d (intercept=%v)",
			ErrShapeMismatch, p.Features, p.Intercept, c.Features, c.Intercept)
	}
	if c.Family != 0 && p.Family != c.Family {
		return nil, fmt.Errorf("%w: decoded %s partial result, codec expects %s", ErrShapeMismatch, p.Family, c.Family)
	}
	return p, nil
}
