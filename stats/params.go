package stats

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"gonum.org/v1/gonum/floats"
)

// Options holds the smoothing constants used by Finalize.
type Options struct {
	// Alpha is the additive (Lidstone) smoothing of multinomial feature
	// counts. It must be positive.
	Alpha float64
	// VarSmoothing is the fraction of the largest feature variance added to
	// every Gaussian variance. It must be positive.
	VarSmoothing float64
}

// DefaultOptions are the smoothing constants used when none are given.
var DefaultOptions = Options{Alpha: 1.0, VarSmoothing: 1e-9}

// Params are the finalized parameters of a Naive Bayes model. Params are
// never modified after Finalize returns them.
type Params struct {
	Kind          Kind
	Classes       []int
	NumFeatures   int
	ClassCount    []int64
	ClassPrior    []float64
	ClassLogPrior []float64

	// Gaussian
	Theta   [][]float64
	Sigma   [][]float64
	Epsilon float64

	// Multinomial
	Alpha          float64
	FeatureCount   [][]float64
	FeatureLogProb [][]float64
}

// SortClasses returns a sorted copy of classes. The class set must be
// non-empty and free of duplicates.
func SortClasses(classes []int) ([]int, error) {
	if len(classes) == 0 {
		return nil, errors.E(errors.Invalid, "stats: empty class set")
	}
	sorted := make([]int, len(classes))
	copy(sorted, classes)
	sort.Ints(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("stats: duplicate class %d", sorted[i]))
		}
	}
	return sorted, nil
}

// Finalize computes model parameters from the fully combined block of
// every class. Classes missing from blocks are treated as never observed.
func Finalize(kind Kind, classes []int, blocks map[int]*Block, opts Options) (*Params, error) {
	sorted, err := SortClasses(classes)
	if err != nil {
		return nil, err
	}
	if kind == Multinomial && !(opts.Alpha > 0) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("stats: smoothing alpha must be positive, got %g", opts.Alpha))
	}
	if kind == Gaussian && !(opts.VarSmoothing > 0) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("stats: variance smoothing must be positive, got %g", opts.VarSmoothing))
	}

	numFeatures := -1
	var total int64
	for c, b := range blocks {
		if b.Kind != kind {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("stats: %s block for class %d in a %s model", b.Kind, c, kind))
		}
		if numFeatures >= 0 && b.NumFeatures() != numFeatures {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("stats: feature dimension mismatch: %d != %d", b.NumFeatures(), numFeatures))
		}
		numFeatures = b.NumFeatures()
		total += b.Count
	}
	if total == 0 || numFeatures < 0 {
		return nil, errors.E(errors.Invalid, "stats: empty dataset")
	}
	if numFeatures == 0 {
		return nil, errors.E(errors.Invalid, "stats: records have no features")
	}

	p := &Params{
		Kind:          kind,
		Classes:       sorted,
		NumFeatures:   numFeatures,
		ClassCount:    make([]int64, len(sorted)),
		ClassPrior:    make([]float64, len(sorted)),
		ClassLogPrior: make([]float64, len(sorted)),
	}
	// Every observed class must be part of the class set.
	var counted int64
	for i, c := range sorted {
		b, ok := blocks[c]
		if !ok {
			b = NewBlock(kind, c, numFeatures)
			blocks = withBlock(blocks, b)
		}
		p.ClassCount[i] = b.Count
		p.ClassPrior[i] = float64(b.Count) / float64(total)
		p.ClassLogPrior[i] = math.Log(p.ClassPrior[i])
		counted += b.Count
	}
	if counted != total {
		return nil, errors.E(errors.Invalid, "stats: observed labels outside the class set")
	}

	switch kind {
	case Gaussian:
		p.finalizeGaussian(blocks, opts)
	case Multinomial:
		p.finalizeMultinomial(blocks, opts)
	}
	return p, nil
}

// withBlock returns a copy of blocks with b added, leaving the caller's map
// untouched.
func withBlock(blocks map[int]*Block, b *Block) map[int]*Block {
	m := make(map[int]*Block, len(blocks)+1)
	for k, v := range blocks {
		m[k] = v
	}
	m[b.Class] = b
	return m
}

func (p *Params) finalizeGaussian(blocks map[int]*Block, opts Options) {
	pooled := newCentralBlock(0, p.NumFeatures)
	for _, c := range p.Classes {
		if b := blocks[c]; b.Count > 0 {
			pooled = combineGaussian(pooled, b)
		}
	}
	p.Epsilon = opts.VarSmoothing * floats.Max(pooled.Variance())
	if p.Epsilon == 0 {
		p.Epsilon = opts.VarSmoothing
	}

	p.Theta = make([][]float64, len(p.Classes))
	p.Sigma = make([][]float64, len(p.Classes))
	for i, c := range p.Classes {
		b := blocks[c]
		mean, _ := b.Moments()
		p.Theta[i] = cloneVec(mean)
		p.Sigma[i] = b.Variance()
		floats.AddConst(p.Epsilon, p.Sigma[i])
	}
}

func (p *Params) finalizeMultinomial(blocks map[int]*Block, opts Options) {
	p.Alpha = opts.Alpha
	p.FeatureCount = make([][]float64, len(p.Classes))
	p.FeatureLogProb = make([][]float64, len(p.Classes))
	for i, c := range p.Classes {
		fc := cloneVec(blocks[c].Sum)
		logDenom := math.Log(floats.Sum(fc) + opts.Alpha*float64(p.NumFeatures))
		logProb := make([]float64, len(fc))
		for j, v := range fc {
			logProb[j] = math.Log(v+opts.Alpha) - logDenom
		}
		p.FeatureCount[i] = fc
		p.FeatureLogProb[i] = logProb
	}
}

// JointLogLikelihood returns log P(c) + log P(x|c) for every class, in the
// order of p.Classes. Classes with a zero prior get -Inf.
func (p *Params) JointLogLikelihood(x []float64) ([]float64, error) {
	if len(x) != p.NumFeatures {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("stats: record has %d features, model has %d", len(x), p.NumFeatures))
	}
	must.Truef(p.Kind == Gaussian || p.Kind == Multinomial, "stats: unknown kind %s", p.Kind)
	jll := make([]float64, len(p.Classes))
	for i := range p.Classes {
		if p.ClassCount[i] == 0 {
			jll[i] = math.Inf(-1)
			continue
		}
		if p.Kind == Multinomial {
			jll[i] = p.ClassLogPrior[i] + floats.Dot(x, p.FeatureLogProb[i])
			continue
		}
		ll := p.ClassLogPrior[i]
		for j, v := range x {
			sigma := p.Sigma[i][j]
			d := v - p.Theta[i][j]
			ll -= 0.5*math.Log(2*math.Pi*sigma) + d*d/(2*sigma)
		}
		jll[i] = ll
	}
	return jll, nil
}

// Predict returns the class with the largest joint log-likelihood. Ties go
// to the smaller class. If no class has a finite likelihood the smallest
// class is returned.
func (p *Params) Predict(x []float64) (int, error) {
	jll, err := p.JointLogLikelihood(x)
	if err != nil {
		return 0, err
	}
	best := 0
	for i := 1; i < len(jll); i++ {
		if jll[i] > jll[best] {
			best = i
		}
	}
	return p.Classes[best], nil
}

// LogProba returns the joint log-likelihoods normalized to log
// probabilities over the classes.
func (p *Params) LogProba(x []float64) ([]float64, error) {
	jll, err := p.JointLogLikelihood(x)
	if err != nil {
		return nil, err
	}
	norm := floats.LogSumExp(jll)
	if math.IsInf(norm, -1) {
		return jll, nil
	}
	floats.AddConst(-norm, jll)
	return jll, nil
}
