package embedding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Vectors are stored in SQLite and Redis as packed little-endian float32.
const floatSize = 4

// ErrCorruptVector is returned for blobs that cannot hold whole float32 values.
var ErrCorruptVector = errors.New("corrupt embedding blob")

// EncodeVector packs v for storage.
func EncodeVector(v []float32) []byte {
	out := make([]byte, 0, len(v)*floatSize)
	for _, f := range v {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
	}
	return out
}

// DecodeVector unpacks a stored vector into a fresh slice.
func DecodeVector(b []byte) ([]float32, error) {
	return DecodeVectorInto(nil, b)
}

// DecodeVectorInto unpacks b into buf, reallocating only when buf is too
// small. Similarity scans call it once per row with the same buffer.
func DecodeVectorInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%floatSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptVector, len(b))
	}
	n := len(b) / floatSize
	if cap(buf) < n {
		buf = make([]float32, n)
	}
	buf = buf[:n]
	for i := range n {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*floatSize:]))
	}
	return buf, nil
}
