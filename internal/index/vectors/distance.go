package vectors

import (
	"fmt"
	"math"
)

// DistMethod selects the distance kernel.
type DistMethod uint8

const (
	L2 DistMethod = iota
	InnerProduct
	Cosine
)

// ParseDistMethod maps the CLI spelling to a method.
func ParseDistMethod(s string) (DistMethod, error) {
	switch s {
	case "L2", "l2":
		return L2, nil
	case "IP", "InnerProduct", "ip":
		return InnerProduct, nil
	case "Cosine", "cosine":
		return Cosine, nil
	}
	return 0, fmt.Errorf("unknown distance method %q", s)
}

func (m DistMethod) String() string {
	switch m {
	case L2:
		return "L2"
	case InnerProduct:
		return "InnerProduct"
	case Cosine:
		return "Cosine"
	}
	return fmt.Sprintf("DistMethod(%d)", uint8(m))
}

// Distance returns the dissimilarity between a and b under m.
// Smaller is closer for every method (IP and Cosine are negated/offset
// so the search engine can always minimise).
func Distance[T Element](m DistMethod, a, b []T) float32 {
	switch m {
	case InnerProduct:
		return -dot(a, b)
	case Cosine:
		d := dot(a, b)
		na := float32(math.Sqrt(float64(dot(a, a))))
		nb := float32(math.Sqrt(float64(dot(b, b))))
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - d/(na*nb)
	default:
		return l2sq(a, b)
	}
}

func l2sq[T Element](a, b []T) float32 {
	var sum float32
	for i := range a {
		d := float32(a[i]) - float32(b[i])
		sum += d * d
	}
	return sum
}

func dot[T Element](a, b []T) float32 {
	var sum float32
	for i := range a {
		sum += float32(a[i]) * float32(b[i])
	}
	return sum
}

// Mean computes the centroid of the given vectors. Used by the 2-means
// splitter; result is always float-valued then rounded back into T.
func Mean[T Element](vecs [][]T, dim int) []T {
	acc := make([]float64, dim)
	for _, v := range vecs {
		for i := range v {
			acc[i] += float64(v[i])
		}
	}
	n := float64(len(vecs))
	out := make([]T, dim)
	if n == 0 {
		return out
	}
	for i := range out {
		out[i] = roundTo[T](acc[i] / n)
	}
	return out
}

func roundTo[T Element](f float64) T {
	var z T
	switch any(z).(type) {
	case float32:
		return T(f)
	default:
		return T(math.Round(f))
	}
}
