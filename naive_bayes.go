package sparkit

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	log "github.com/sirupsen/logrus"

	"github.com/JaysonSunshine/sparkit-learn/stats"
)

// extractMapper turns the records of one partition into one statistics
// block per class.
type extractMapper struct {
	kind         stats.Kind
	accumulation stats.Accumulation
	classes      []int
}

func (m *extractMapper) Map(partition int, records []Record, emitter Emitter) error {
	features := make([][]float64, len(records))
	labels := make([]int, len(records))
	for i, r := range records {
		if r.Unlabeled {
			return errors.E(errors.Invalid, fmt.Sprintf("fit: record %d of partition %d has no label", i, partition))
		}
		features[i] = r.Features
		labels[i] = r.Label
	}

	blocks, err := stats.Extract(m.kind, m.accumulation, m.classes, features, labels)
	if err != nil {
		return errors.E(err, fmt.Sprintf("partition %d", partition))
	}
	for _, c := range m.classes {
		if b, ok := blocks[c]; ok {
			if err := emitter.Emit(c, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// combineReducer merges all blocks of a class into one.
type combineReducer struct{}

func (combineReducer) Reduce(key int, values ValueIterator, emitter Emitter) error {
	var acc *stats.Block
	for b := range values.Iter() {
		if acc == nil {
			acc = b
			continue
		}
		merged, err := stats.Combine(acc, b)
		if err != nil {
			return err
		}
		acc = merged
	}
	if acc == nil {
		return nil
	}
	return emitter.Emit(key, acc)
}

// EstimatorOption configures a NaiveBayes estimator.
type EstimatorOption func(*NaiveBayes)

// WithAlpha sets the additive smoothing of MultinomialNB.
func WithAlpha(alpha float64) EstimatorOption {
	return func(nb *NaiveBayes) {
		nb.opts.Alpha = alpha
	}
}

// WithVarSmoothing sets the variance smoothing of GaussianNB.
func WithVarSmoothing(varSmoothing float64) EstimatorOption {
	return func(nb *NaiveBayes) {
		nb.opts.VarSmoothing = varSmoothing
	}
}

// WithAccumulation sets how GaussianNB accumulates per-partition moments.
func WithAccumulation(acc stats.Accumulation) EstimatorOption {
	return func(nb *NaiveBayes) {
		nb.accumulation = acc
	}
}

// NaiveBayes is a Gaussian or multinomial Naive Bayes estimator fitted over
// a partitioned Dataset. Per-partition class statistics are extracted by
// map tasks and merged by combine and reduce tasks, so the fitted
// parameters do not depend on how the data is partitioned.
//
// A NaiveBayes may be used concurrently. A fit publishes its model
// atomically; predictions use the model published when they were created.
type NaiveBayes struct {
	kind         stats.Kind
	driver       *Driver
	opts         stats.Options
	accumulation stats.Accumulation
	model        atomic.Pointer[Model]
}

// NewGaussianNB creates a Gaussian Naive Bayes estimator.
func NewGaussianNB(d *Driver, options ...EstimatorOption) *NaiveBayes {
	return newNaiveBayes(stats.Gaussian, d, options)
}

// NewMultinomialNB creates a multinomial Naive Bayes estimator.
func NewMultinomialNB(d *Driver, options ...EstimatorOption) *NaiveBayes {
	return newNaiveBayes(stats.Multinomial, d, options)
}

func newNaiveBayes(kind stats.Kind, d *Driver, options []EstimatorOption) *NaiveBayes {
	nb := &NaiveBayes{
		kind:   kind,
		driver: d,
		opts: stats.Options{
			Alpha:        d.Config.Alpha,
			VarSmoothing: d.Config.VarSmoothing,
		},
	}
	acc, err := stats.ParseAccumulation(d.Config.Accumulation)
	if err != nil {
		log.Warnf("%s, using %s", err, stats.AccumulateMoments)
		acc = stats.AccumulateMoments
	}
	nb.accumulation = acc
	for _, f := range options {
		f(nb)
	}
	return nb
}

// Kind returns the feature distribution assumed by the estimator.
func (nb *NaiveBayes) Kind() stats.Kind {
	return nb.kind
}

// Fit estimates the model from the labeled records of data. Every label
// must be in classes; classes that never occur get a zero prior and are
// never predicted. Fit replaces any previously fitted model.
func (nb *NaiveBayes) Fit(ctx context.Context, data *Dataset, classes []int) (*Model, error) {
	model, err := nb.fit(ctx, data, classes, nil)
	if err != nil {
		return nil, err
	}
	nb.model.Store(model)
	return model, nil
}

// PartialFit updates the fitted model with more labeled records, as if
// they had been part of the data of the original fit.
func (nb *NaiveBayes) PartialFit(ctx context.Context, data *Dataset) (*Model, error) {
	prev := nb.model.Load()
	if prev == nil {
		return nil, errNotFitted("partial fit")
	}
	model, err := nb.fit(ctx, data, prev.params.Classes, prev.blocks)
	if err != nil {
		return nil, err
	}
	nb.model.Store(model)
	return model, nil
}

func (nb *NaiveBayes) fit(ctx context.Context, data *Dataset, classes []int, prior map[int]*stats.Block) (*Model, error) {
	sorted, err := stats.SortClasses(classes)
	if err != nil {
		return nil, err
	}
	// Checked before the job runs.
	if nb.kind == stats.Multinomial && !(nb.opts.Alpha > 0) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("smoothing alpha must be positive, got %g", nb.opts.Alpha))
	}
	if nb.kind == stats.Gaussian && !(nb.opts.VarSmoothing > 0) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("variance smoothing must be positive, got %g", nb.opts.VarSmoothing))
	}

	job := NewJob(&extractMapper{kind: nb.kind, accumulation: nb.accumulation, classes: sorted}, combineReducer{})
	if err := nb.driver.Run(ctx, job, data); err != nil {
		return nil, err
	}

	blocks := job.Results()
	for c, b := range prior {
		cur, ok := blocks[c]
		if !ok {
			blocks[c] = b
			continue
		}
		merged, err := stats.Combine(b, cur)
		if err != nil {
			return nil, err
		}
		blocks[c] = merged
	}

	params, err := stats.Finalize(nb.kind, sorted, blocks, nb.opts)
	if err != nil {
		return nil, err
	}
	log.Infof("Fitted %s naive bayes on %d records, %d classes, %d features",
		nb.kind, sum(params.ClassCount), len(params.Classes), params.NumFeatures)
	return &Model{params: params, blocks: blocks}, nil
}

func sum(counts []int64) int64 {
	var n int64
	for _, c := range counts {
		n += c
	}
	return n
}

// Model returns the fitted model.
func (nb *NaiveBayes) Model() (*Model, error) {
	model := nb.model.Load()
	if model == nil {
		return nil, errNotFitted("model")
	}
	return model, nil
}

// Predict returns the predicted class of every record of data, one slice
// per partition of data. Nothing is computed until partitions are
// requested.
func (nb *NaiveBayes) Predict(data *Dataset) (*Lazy[[]int], error) {
	model := nb.model.Load()
	if model == nil {
		return nil, errNotFitted("predict")
	}
	params := NewBroadcast(model.params)
	return newLazy(nb.driver, data, func(records []Record) ([]int, error) {
		p := params.Value()
		out := make([]int, len(records))
		for i, r := range records {
			c, err := p.Predict(r.Features)
			if err != nil {
				return nil, errors.E(err, fmt.Sprintf("record %d", i))
			}
			out[i] = c
		}
		return out, nil
	}, slices.Clone[[]int]), nil
}

// PredictLogProba returns the normalized log posterior of every class, in
// ascending class order, for every record of data.
func (nb *NaiveBayes) PredictLogProba(data *Dataset) (*Lazy[[][]float64], error) {
	model := nb.model.Load()
	if model == nil {
		return nil, errNotFitted("predict log proba")
	}
	params := NewBroadcast(model.params)
	return newLazy(nb.driver, data, func(records []Record) ([][]float64, error) {
		p := params.Value()
		out := make([][]float64, len(records))
		for i, r := range records {
			lp, err := p.LogProba(r.Features)
			if err != nil {
				return nil, errors.E(err, fmt.Sprintf("record %d", i))
			}
			out[i] = lp
		}
		return out, nil
	}, copyMatrix), nil
}

// Score returns the fraction of labeled records of data whose class is
// predicted correctly.
func (nb *NaiveBayes) Score(ctx context.Context, data *Dataset) (float64, error) {
	model := nb.model.Load()
	if model == nil {
		return 0, errNotFitted("score")
	}
	params := NewBroadcast(model.params)
	type tally struct{ correct, total int }
	counts, err := newLazy(nb.driver, data, func(records []Record) (tally, error) {
		p := params.Value()
		var t tally
		for i, r := range records {
			if r.Unlabeled {
				return t, errors.E(errors.Invalid, fmt.Sprintf("score: record %d has no label", i))
			}
			c, err := p.Predict(r.Features)
			if err != nil {
				return t, errors.E(err, fmt.Sprintf("record %d", i))
			}
			if c == r.Label {
				t.correct++
			}
			t.total++
		}
		return t, nil
	}, nil).Collect(ctx)
	if err != nil {
		return 0, err
	}

	var total tally
	for _, t := range counts {
		total.correct += t.correct
		total.total += t.total
	}
	if total.total == 0 {
		return 0, errors.E(errors.Invalid, "score: empty dataset")
	}
	return float64(total.correct) / float64(total.total), nil
}

// Model is a fitted Naive Bayes model. A Model is immutable.
type Model struct {
	params *stats.Params
	blocks map[int]*stats.Block
}

// Kind returns the feature distribution of the model.
func (m *Model) Kind() stats.Kind { return m.params.Kind }

// Classes returns the class set in ascending order.
func (m *Model) Classes() []int { return append([]int(nil), m.params.Classes...) }

// NumFeatures returns the feature dimension.
func (m *Model) NumFeatures() int { return m.params.NumFeatures }

// ClassCount returns the number of records of each class.
func (m *Model) ClassCount() []int64 { return append([]int64(nil), m.params.ClassCount...) }

// ClassPrior returns the prior probability of each class.
func (m *Model) ClassPrior() []float64 { return append([]float64(nil), m.params.ClassPrior...) }

// ClassLogPrior returns the log prior of each class.
func (m *Model) ClassLogPrior() []float64 { return append([]float64(nil), m.params.ClassLogPrior...) }

// Theta returns the per-class feature means of a Gaussian model.
func (m *Model) Theta() [][]float64 { return copyMatrix(m.params.Theta) }

// Sigma returns the smoothed per-class feature variances of a Gaussian
// model.
func (m *Model) Sigma() [][]float64 { return copyMatrix(m.params.Sigma) }

// Epsilon returns the variance added to every Gaussian variance.
func (m *Model) Epsilon() float64 { return m.params.Epsilon }

// FeatureCount returns the per-class feature totals of a multinomial model.
func (m *Model) FeatureCount() [][]float64 { return copyMatrix(m.params.FeatureCount) }

// FeatureLogProb returns the smoothed per-class feature log probabilities
// of a multinomial model.
func (m *Model) FeatureLogProb() [][]float64 { return copyMatrix(m.params.FeatureLogProb) }

// Stats returns the combined statistics of a class.
func (m *Model) Stats(class int) (*stats.Block, bool) {
	b, ok := m.blocks[class]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// JointLogLikelihood returns log P(c) + log P(x|c) for every class.
func (m *Model) JointLogLikelihood(x []float64) ([]float64, error) {
	return m.params.JointLogLikelihood(x)
}

// Predict returns the most likely class of x. Ties go to the smallest
// class.
func (m *Model) Predict(x []float64) (int, error) {
	return m.params.Predict(x)
}

func copyMatrix(m [][]float64) [][]float64 {
	if m == nil {
		return nil
	}
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
