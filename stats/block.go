// Package stats holds the sufficient statistics of the Naive Bayes
// families and the operations over them: per-partition extraction, an
// associative and commutative combination, and finalization into model
// parameters.
package stats

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/floats"
)

// Kind is the statistical family a Block belongs to.
type Kind int

// Descriptors of the supported families
const (
	Gaussian Kind = iota
	Multinomial
)

func (k Kind) String() string {
	switch k {
	case Gaussian:
		return "gaussian"
	case Multinomial:
		return "multinomial"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Block accumulates the statistics of one class over some subset of the
// records.
//
// Gaussian blocks are either in raw form (Sum and SumSq set, as produced
// by moment accumulation) or in central form (Mean and M2 set). Combine
// always produces the central form. Multinomial blocks use Sum as the
// per-feature count vector.
type Block struct {
	Kind  Kind  `json:"kind"`
	Class int   `json:"class"`
	Count int64 `json:"count"`

	Sum   []float64 `json:"sum,omitempty"`
	SumSq []float64 `json:"sum_sq,omitempty"`
	Mean  []float64 `json:"mean,omitempty"`
	M2    []float64 `json:"m2,omitempty"`
}

// NewBlock returns an empty block of the given kind and dimensionality.
// Gaussian blocks are created in raw form.
func NewBlock(kind Kind, class, numFeatures int) *Block {
	b := &Block{Kind: kind, Class: class, Sum: make([]float64, numFeatures)}
	if kind == Gaussian {
		b.SumSq = make([]float64, numFeatures)
	}
	return b
}

// newCentralBlock returns an empty Gaussian block in central form.
func newCentralBlock(class, numFeatures int) *Block {
	return &Block{
		Kind:  Gaussian,
		Class: class,
		Mean:  make([]float64, numFeatures),
		M2:    make([]float64, numFeatures),
	}
}

// NumFeatures returns the dimensionality of the block.
func (b *Block) NumFeatures() int {
	if b.Mean != nil {
		return len(b.Mean)
	}
	return len(b.Sum)
}

// Central reports whether a Gaussian block holds Mean and M2.
func (b *Block) Central() bool {
	return b.Mean != nil
}

// Clone returns a deep copy of b.
func (b *Block) Clone() *Block {
	c := *b
	c.Sum = cloneVec(b.Sum)
	c.SumSq = cloneVec(b.SumSq)
	c.Mean = cloneVec(b.Mean)
	c.M2 = cloneVec(b.M2)
	return &c
}

// Moments returns the per-feature mean and sum of squared deviations of a
// Gaussian block. Raw blocks are converted with M2 = SumSq - Sum²/n,
// clamped at zero; the receiver is not modified.
func (b *Block) Moments() (mean, m2 []float64) {
	if b.Central() {
		return b.Mean, b.M2
	}
	n := len(b.Sum)
	mean = make([]float64, n)
	m2 = make([]float64, n)
	if b.Count == 0 {
		return mean, m2
	}
	count := float64(b.Count)
	for j, s := range b.Sum {
		mean[j] = s / count
		m2[j] = b.SumSq[j] - s*s/count
		if m2[j] < 0 {
			m2[j] = 0
		}
	}
	return mean, m2
}

// Variance returns the population variance M2/n of a Gaussian block.
func (b *Block) Variance() []float64 {
	_, m2 := b.Moments()
	v := cloneVec(m2)
	if b.Count > 0 {
		floats.Scale(1/float64(b.Count), v)
	}
	return v
}

// Combine merges two blocks of the same kind and class into the block of
// their union. It is commutative and, up to floating point rounding,
// associative, so blocks may be combined in any order and tree shape.
// Neither argument is modified.
//
// Gaussian blocks are merged on their central moments:
//
//	n     = na + nb
//	mean  = (na*ma + nb*mb) / n
//	delta = mb - ma
//	M2    = M2a + M2b + delta² * na * nb / n
//
// A block with zero count is the identity: the other block is returned
// unchanged.
func Combine(a, b *Block) (*Block, error) {
	if a.Kind != b.Kind {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("stats: cannot combine %s block with %s block", a.Kind, b.Kind))
	}
	if a.Class != b.Class {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("stats: cannot combine blocks of classes %d and %d", a.Class, b.Class))
	}
	if a.NumFeatures() != b.NumFeatures() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("stats: feature dimension mismatch for class %d: %d != %d",
			a.Class, a.NumFeatures(), b.NumFeatures()))
	}
	if b.Count == 0 {
		return a.Clone(), nil
	}
	if a.Count == 0 {
		return b.Clone(), nil
	}

	switch a.Kind {
	case Multinomial:
		c := &Block{Kind: Multinomial, Class: a.Class, Count: a.Count + b.Count, Sum: cloneVec(a.Sum)}
		floats.Add(c.Sum, b.Sum)
		return c, nil
	case Gaussian:
		return combineGaussian(a, b), nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("stats: unknown block kind %s", a.Kind))
}

func combineGaussian(a, b *Block) *Block {
	ma, m2a := a.Moments()
	mb, m2b := b.Moments()
	na, nb := float64(a.Count), float64(b.Count)
	n := na + nb

	w := na * nb / n

	c := newCentralBlock(a.Class, len(ma))
	c.Count = a.Count + b.Count
	for j := range ma {
		c.Mean[j] = (na*ma[j] + nb*mb[j]) / n
		delta := mb[j] - ma[j]
		c.M2[j] = m2a[j] + m2b[j] + delta*delta*w
	}
	return c
}

func cloneVec(v []float64) []float64 {
	if v == nil {
		return nil
	}
	c := make([]float64, len(v))
	copy(c, v)
	return c
}
