// Package embedding provides the vector codec, similarity functions and the
// read-only EmbeddingIndex over precomputed clip embeddings.
package embedding

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode packs a vector as little-endian float32 values.
func Encode(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// Decode unpacks a little-endian float32 blob. dim must match the blob length;
// pass 0 to accept any length.
func Decode(blob []byte, dim int) ([]float32, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty vector blob")
	}
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(blob))
	}
	n := len(blob) / 4
	if dim > 0 && n != dim {
		return nil, fmt.Errorf("vector has %d values, expected %d", n, dim)
	}
	vec := make([]float32, n)
	for i := range vec {
		v := math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("vector value %d is not finite", i)
		}
		vec[i] = v
	}
	return vec, nil
}

// ToFloat64 widens a vector for classifier input.
func ToFloat64(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}
