package index

import (
	"fmt"
	"math"

	"github.com/nodalsystems/vectra/pkg/vector"
)

// DistanceFunc computes a distance between two equal-length vectors;
// smaller means closer.
type DistanceFunc func(a, b []float32) float32

// ForMetric returns the distance function for a collection's distance
// metric.
func ForMetric(m vector.DistanceMetric) (DistanceFunc, error) {
	switch m {
	case vector.Cosine:
		return CosineDistance, nil
	case vector.Euclidean:
		return EuclideanDistance, nil
	case vector.DotProduct:
		return DotProductDistance, nil
	case vector.Manhattan:
		return ManhattanDistance, nil
	default:
		return nil, fmt.Errorf("index: unknown distance metric %q", m)
	}
}

// CosineDistance is 1 - cosine similarity.
func CosineDistance(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1.0
	}
	sim := dot / float32(math.Sqrt(float64(na))*math.Sqrt(float64(nb)))
	return 1.0 - sim
}

// EuclideanDistance is the L2 norm of a-b.
func EuclideanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

// DotProductDistance is the negative dot product, so that smaller
// (more negative) means a larger, closer similarity.
func DotProductDistance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return -dot
}

// ManhattanDistance is the L1 norm of a-b.
func ManhattanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum
}
