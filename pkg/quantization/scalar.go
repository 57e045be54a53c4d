// Package quantization implements scalar quantization for reduced
// in-memory vector footprint inside the HNSW index.
package quantization

import (
	"errors"
	"fmt"
)

// ScalarQuantizer maps each dimension's float32 range onto an NBits
// integer, independently per dimension. It implements
// pkg/index.Quantizer once trained.
type ScalarQuantizer struct {
	Dimension int
	NBits     int // 1-8 bits per component

	min     []float32
	max     []float32
	trained bool
}

// New creates an untrained scalar quantizer for vectors of the given
// dimension.
func New(dimension, nbits int) (*ScalarQuantizer, error) {
	if nbits < 1 || nbits > 8 {
		return nil, fmt.Errorf("quantization: nbits must be between 1 and 8, got %d", nbits)
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("quantization: dimension must be positive")
	}
	return &ScalarQuantizer{
		Dimension: dimension,
		NBits:     nbits,
		min:       make([]float32, dimension),
		max:       make([]float32, dimension),
	}, nil
}

// Train learns the per-dimension [min, max] range from a sample of
// vectors. Decode fails until the quantizer is trained; Encode trains
// on its own input if Train has not run.
func (sq *ScalarQuantizer) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return errors.New("quantization: no training vectors provided")
	}
	for d := 0; d < sq.Dimension; d++ {
		sq.min[d] = vectors[0][d]
		sq.max[d] = vectors[0][d]
	}
	for _, vec := range vectors {
		if len(vec) != sq.Dimension {
			return fmt.Errorf("quantization: vector dimension %d does not match %d", len(vec), sq.Dimension)
		}
		for d := 0; d < sq.Dimension; d++ {
			if vec[d] < sq.min[d] {
				sq.min[d] = vec[d]
			}
			if vec[d] > sq.max[d] {
				sq.max[d] = vec[d]
			}
		}
	}
	for d := 0; d < sq.Dimension; d++ {
		if sq.max[d] == sq.min[d] {
			sq.max[d] += 1e-6
		}
	}
	sq.trained = true
	return nil
}

// Encode packs a vector into NBits-per-component bytes. If the
// quantizer has not been trained yet it trains itself on this single
// vector first, so a collection's first insert can seed the range
// before a proper Train call ever runs.
func (sq *ScalarQuantizer) Encode(vec []float32) ([]byte, error) {
	if len(vec) != sq.Dimension {
		return nil, fmt.Errorf("quantization: vector dimension %d does not match %d", len(vec), sq.Dimension)
	}
	if !sq.trained {
		if err := sq.Train([][]float32{vec}); err != nil {
			return nil, err
		}
	}

	maxVal := float32((uint32(1) << uint(sq.NBits)) - 1)
	bitsNeeded := sq.Dimension * sq.NBits
	bytesNeeded := (bitsNeeded + 7) / 8
	encoded := make([]byte, bytesNeeded)

	bitOffset := 0
	for d := 0; d < sq.Dimension; d++ {
		normalized := (vec[d] - sq.min[d]) / (sq.max[d] - sq.min[d])
		if normalized < 0 {
			normalized = 0
		} else if normalized > 1 {
			normalized = 1
		}
		q := uint32(normalized * maxVal)
		for b := 0; b < sq.NBits; b++ {
			byteIdx := bitOffset / 8
			bitIdx := bitOffset % 8
			if q&(1<<uint(b)) != 0 {
				encoded[byteIdx] |= 1 << uint(bitIdx)
			}
			bitOffset++
		}
	}
	return encoded, nil
}

// Decode reconstructs an approximate vector from its quantized bytes.
func (sq *ScalarQuantizer) Decode(encoded []byte) ([]float32, error) {
	if !sq.trained {
		return nil, errors.New("quantization: quantizer not trained")
	}
	maxVal := float32((uint32(1) << uint(sq.NBits)) - 1)
	vec := make([]float32, sq.Dimension)

	bitOffset := 0
	for d := 0; d < sq.Dimension; d++ {
		var q uint32
		for b := 0; b < sq.NBits; b++ {
			byteIdx := bitOffset / 8
			bitIdx := bitOffset % 8
			if byteIdx >= len(encoded) {
				return nil, errors.New("quantization: encoded data too short")
			}
			if encoded[byteIdx]&(1<<uint(bitIdx)) != 0 {
				q |= 1 << uint(b)
			}
			bitOffset++
		}
		normalized := float32(q) / maxVal
		vec[d] = normalized*(sq.max[d]-sq.min[d]) + sq.min[d]
	}
	return vec, nil
}

// CompressionRatio reports the factor by which Encode shrinks a raw
// float32 vector.
func (sq *ScalarQuantizer) CompressionRatio() float32 {
	originalBits := sq.Dimension * 32
	compressedBits := sq.Dimension * sq.NBits
	return float32(originalBits) / float32(compressedBits)
}
