// Package bow provides a deterministic bag-of-letters embedder: each text maps
// to a unit-normalized 26-dimensional vector of ASCII letter frequencies.
// It needs no network and gives stable, explainable similarity, which makes it
// the embedder of choice for tests and offline runs.
package bow

import (
	"context"
	"math"
	"strings"
)

// Dimensions is the size of every produced vector.
const Dimensions = 26

// Embedder is the bag-of-letters embedder. The zero value is ready to use.
type Embedder struct{}

// New returns the embedder.
func New() Embedder { return Embedder{} }

// Embed returns one unit-normalized letter-frequency vector per text. Texts
// without ASCII letters embed to the zero vector.
func (Embedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = embedOne(text)
	}
	return out, nil
}

func embedOne(text string) []float64 {
	v := make([]float64, Dimensions)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= norm
	}
	return v
}
