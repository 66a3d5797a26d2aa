package sparkit

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/JaysonSunshine/sparkit-learn/stats"
)

const relTolerance = 1e-6

func closeRel(want, got float64) bool {
	if math.IsInf(want, 0) || math.IsInf(got, 0) {
		return want == got
	}
	return math.Abs(want-got) <= relTolerance*math.Max(1, math.Abs(want))
}

func assertMatrixClose(t *testing.T, want, got [][]float64, name string) {
	t.Helper()
	require.Len(t, got, len(want), name)
	for i := range want {
		require.Len(t, got[i], len(want[i]), name)
		for j := range want[i] {
			assert.Truef(t, closeRel(want[i][j], got[i][j]), "%s[%d][%d]: want %v, got %v", name, i, j, want[i][j], got[i][j])
		}
	}
}

func fuzzLabeled(seed int64, n, numFeatures int, classes []int) []Record {
	fz := fuzz.NewWithSeed(seed).Funcs(func(v *float64, c fuzz.Continue) {
		*v = math.Floor(c.Float64()*1000) / 10
	})
	records := make([]Record, n)
	for i := range records {
		features := make([]float64, numFeatures)
		for j := range features {
			fz.Fuzz(&features[j])
		}
		var k uint8
		fz.Fuzz(&k)
		records[i] = Record{Features: features, Label: classes[int(k)%len(classes)]}
	}
	return records
}

// localParams fits records in a single pass without the driver.
func localParams(t *testing.T, kind stats.Kind, records []Record, classes []int, opts stats.Options) *stats.Params {
	t.Helper()
	features := make([][]float64, len(records))
	labels := make([]int, len(records))
	for i, r := range records {
		features[i], labels[i] = r.Features, r.Label
	}
	blocks, err := stats.Extract(kind, stats.AccumulateWelford, classes, features, labels)
	require.NoError(t, err)
	params, err := stats.Finalize(kind, classes, blocks, opts)
	require.NoError(t, err)
	return params
}

func assertModelMatches(t *testing.T, want *stats.Params, got *Model) {
	t.Helper()
	assert.Equal(t, want.Classes, got.Classes())
	assert.Equal(t, want.ClassCount, got.ClassCount())
	assertMatrixClose(t, [][]float64{want.ClassPrior}, [][]float64{got.ClassPrior()}, "prior")
	if want.Kind == stats.Gaussian {
		assertMatrixClose(t, want.Theta, got.Theta(), "theta")
		assertMatrixClose(t, want.Sigma, got.Sigma(), "sigma")
		return
	}
	assertMatrixClose(t, want.FeatureCount, got.FeatureCount(), "feature count")
	assertMatrixClose(t, want.FeatureLogProb, got.FeatureLogProb(), "feature log prob")
}

func newEstimator(kind stats.Kind, d *Driver, options ...EstimatorOption) *NaiveBayes {
	if kind == stats.Gaussian {
		return NewGaussianNB(d, options...)
	}
	return NewMultinomialNB(d, options...)
}

func TestFitIndependentOfPartitioning(t *testing.T) {
	classes := []int{-1, 2, 5}
	records := fuzzLabeled(1, 120, 4, classes)
	ctx := context.Background()

	for _, kind := range []stats.Kind{stats.Gaussian, stats.Multinomial} {
		want := localParams(t, kind, records, classes, stats.DefaultOptions)
		for _, acc := range []stats.Accumulation{stats.AccumulateMoments, stats.AccumulateWelford} {
			for _, numPartitions := range []int{1, 2, 7, 33, len(records)} {
				for _, degree := range []int{0, 2, 3} {
					name := fmt.Sprintf("%s/%s/p%d/c%d", kind, acc, numPartitions, degree)
					t.Run(name, func(t *testing.T) {
						d := newTestDriver(WithCombineDegree(degree), WithNumReduce(2))
						ds, err := Parallelize(records, numPartitions)
						require.NoError(t, err)
						model, err := newEstimator(kind, d, WithAccumulation(acc)).Fit(ctx, ds, classes)
						require.NoError(t, err)
						assertModelMatches(t, want, model)
					})
				}
			}
		}
	}
}

func TestFitBlockedPartitions(t *testing.T) {
	classes := []int{0, 1}
	records := fuzzLabeled(2, 53, 3, classes)
	want := localParams(t, stats.Gaussian, records, classes, stats.DefaultOptions)

	ds, err := Blocked(records, 10)
	require.NoError(t, err)
	assert.Equal(t, 6, ds.NumPartitions())
	model, err := NewGaussianNB(newTestDriver()).Fit(context.Background(), ds, classes)
	require.NoError(t, err)
	assertModelMatches(t, want, model)
}

func TestGaussianTwoPartitions(t *testing.T) {
	ds := NewDataset(
		[]Record{
			{Features: []float64{1, 2}, Label: 0},
			{Features: []float64{3, 4}, Label: 0},
		},
		[]Record{
			{Features: []float64{5, 6}, Label: 0},
			{Features: []float64{1, 1}, Label: 1},
		},
	)
	nb := NewGaussianNB(newTestDriver())
	model, err := nb.Fit(context.Background(), ds, []int{0, 1})
	require.NoError(t, err)

	// Largest variance over all records is that of the second feature.
	eps := 1e-9 * 3.6875
	assert.InDelta(t, eps, model.Epsilon(), 1e-18)
	assert.Equal(t, []int64{3, 1}, model.ClassCount())
	assertMatrixClose(t, [][]float64{{0.75, 0.25}}, [][]float64{model.ClassPrior()}, "prior")
	assertMatrixClose(t, [][]float64{{3, 4}, {1, 1}}, model.Theta(), "theta")
	assertMatrixClose(t, [][]float64{{8.0/3 + eps, 8.0/3 + eps}, {eps, eps}}, model.Sigma(), "sigma")

	c, err := model.Predict([]float64{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 1, c)
	c, err = model.Predict([]float64{3, 4})
	require.NoError(t, err)
	assert.Equal(t, 0, c)
}

func TestMultinomialSmoothing(t *testing.T) {
	ds := NewDataset(
		[]Record{{Features: []float64{2, 0, 1}, Label: 0}},
		[]Record{{Features: []float64{0, 1, 0}, Label: 0}, {Features: []float64{0, 3, 3}, Label: 1}},
	)
	nb := NewMultinomialNB(newTestDriver(), WithAlpha(1))
	model, err := nb.Fit(context.Background(), ds, []int{0, 1})
	require.NoError(t, err)

	assertMatrixClose(t, [][]float64{{2, 1, 1}, {0, 3, 3}}, model.FeatureCount(), "feature count")
	want := [][]float64{
		{math.Log(3.0 / 7), math.Log(2.0 / 7), math.Log(2.0 / 7)},
		{math.Log(1.0 / 9), math.Log(4.0 / 9), math.Log(4.0 / 9)},
	}
	assertMatrixClose(t, want, model.FeatureLogProb(), "feature log prob")

	preds, err := nb.Predict(NewDataset([]Record{
		{Features: []float64{0, 0, 5}, Unlabeled: true},
		{Features: []float64{3, 0, 0}, Unlabeled: true},
	}))
	require.NoError(t, err)
	got, err := preds.Partition(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, got)
}

func TestGaussianSeparatedClassesEndToEnd(t *testing.T) {
	ctx := context.Background()
	block := func(x float64, label int) []Record {
		records := make([]Record, 4)
		for i := range records {
			records[i] = Record{Features: []float64{x}, Label: label}
		}
		return records
	}
	for _, location := range []string{"", t.TempDir()} {
		d := newTestDriver(WithWorkingLocation(location), WithCombineDegree(2))
		nb := NewGaussianNB(d)
		model, err := nb.Fit(ctx, NewDataset(block(1, 0), block(9, 1)), []int{0, 1})
		require.NoError(t, err)

		// Variance of all eight values is 16.
		eps := 1e-9 * 16
		assert.InDelta(t, eps, model.Epsilon(), 1e-20)
		assertMatrixClose(t, [][]float64{{0.5, 0.5}}, [][]float64{model.ClassPrior()}, "prior")
		assertMatrixClose(t, [][]float64{{1}, {9}}, model.Theta(), "theta")
		assertMatrixClose(t, [][]float64{{eps}, {eps}}, model.Sigma(), "sigma")

		preds, err := nb.Predict(NewDataset(
			[]Record{{Features: []float64{1}, Unlabeled: true}},
			[]Record{{Features: []float64{9}, Unlabeled: true}},
		))
		require.NoError(t, err)
		parts, err := preds.Collect(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1}, Flatten(parts))
	}
}

func TestMultinomialCountsAcrossPartitionsEndToEnd(t *testing.T) {
	ctx := context.Background()
	ds := NewDataset(
		[]Record{{Features: []float64{3, 0}, Label: 0}},
		[]Record{{Features: []float64{1, 0}, Label: 0}, {Features: []float64{0, 5}, Label: 1}},
	)
	nb := NewMultinomialNB(newTestDriver(WithNumReduce(2)), WithAlpha(1))
	model, err := nb.Fit(ctx, ds, []int{0, 1})
	require.NoError(t, err)

	assertMatrixClose(t, [][]float64{{4, 0}, {0, 5}}, model.FeatureCount(), "feature count")
	want := [][]float64{
		{math.Log(5.0 / 6), math.Log(1.0 / 6)},
		{math.Log(1.0 / 7), math.Log(6.0 / 7)},
	}
	assertMatrixClose(t, want, model.FeatureLogProb(), "feature log prob")

	preds, err := nb.Predict(NewDataset([]Record{{Features: []float64{1, 0}, Unlabeled: true}}))
	require.NoError(t, err)
	got, err := preds.Partition(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, got)
}

func TestFailedFitRemovesShuffleFiles(t *testing.T) {
	dir := t.TempDir()
	d := newTestDriver(WithWorkingLocation(dir), WithCleanup(true), WithMaxConcurrency(1))
	ds := NewDataset(
		[]Record{{Features: []float64{1}, Label: 0}},
		[]Record{{Features: []float64{2}, Label: 1}},
		[]Record{{Features: []float64{3}, Label: 7}},
	)
	_, err := NewGaussianNB(d).Fit(context.Background(), ds, []int{0, 1})
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err), "got %v", err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnseenClassIsNeverPredicted(t *testing.T) {
	ds := NewDataset([]Record{
		{Features: []float64{1}, Label: 1},
		{Features: []float64{2}, Label: 1},
	})
	nb := NewGaussianNB(newTestDriver())
	model, err := nb.Fit(context.Background(), ds, []int{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 2, 0}, model.ClassCount())
	for _, x := range []float64{-100, 0, 1.5, 100} {
		c, err := model.Predict([]float64{x})
		require.NoError(t, err)
		assert.Equal(t, 1, c)
	}
}

func TestNotFitted(t *testing.T) {
	nb := NewMultinomialNB(newTestDriver())
	ds := NewDataset([]Record{{Features: []float64{1}}})

	_, err := nb.Model()
	assert.True(t, IsNotFitted(err))
	_, err = nb.Predict(ds)
	assert.True(t, IsNotFitted(err))
	_, err = nb.PredictLogProba(ds)
	assert.True(t, IsNotFitted(err))
	_, err = nb.Score(context.Background(), ds)
	assert.True(t, IsNotFitted(err))
	_, err = nb.PartialFit(context.Background(), ds)
	assert.True(t, IsNotFitted(err))
	assert.False(t, IsConfigurationError(err))
}

func TestFitConfigurationErrors(t *testing.T) {
	good := []Record{{Features: []float64{1, 2}, Label: 0}}
	for _, tc := range []struct {
		name    string
		kind    stats.Kind
		options []EstimatorOption
		data    *Dataset
		classes []int
	}{
		{"empty classes", stats.Gaussian, nil, NewDataset(good), nil},
		{"duplicate classes", stats.Gaussian, nil, NewDataset(good), []int{0, 0}},
		{"label outside classes", stats.Gaussian, nil, NewDataset(good), []int{1, 2}},
		{"zero alpha", stats.Multinomial, []EstimatorOption{WithAlpha(0)}, NewDataset(good), []int{0}},
		{"negative var smoothing", stats.Gaussian, []EstimatorOption{WithVarSmoothing(-1)}, NewDataset(good), []int{0}},
		{"negative count", stats.Multinomial, nil, NewDataset([]Record{{Features: []float64{-1}, Label: 0}}), []int{0}},
		{"unlabeled", stats.Gaussian, nil, NewDataset([]Record{{Features: []float64{1}, Unlabeled: true}}), []int{0}},
		{"no partitions", stats.Gaussian, nil, NewDataset(), []int{0}},
		{"empty partitions", stats.Multinomial, nil, NewDataset(nil, nil), []int{0}},
		{"no features", stats.Gaussian, nil, NewDataset([]Record{{Features: []float64{}, Label: 0}}), []int{0}},
		{"ragged partition", stats.Gaussian, nil, NewDataset([]Record{{Features: []float64{1}, Label: 0}, {Features: []float64{1, 2}, Label: 0}}), []int{0}},
		{"dimension mismatch across partitions", stats.Gaussian, nil, NewDataset(good, []Record{{Features: []float64{1}, Label: 0}}), []int{0}},
		{"dimension mismatch across classes", stats.Multinomial, nil, NewDataset(good, []Record{{Features: []float64{1}, Label: 1}}), []int{0, 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			nb := newEstimator(tc.kind, newTestDriver(WithCombineDegree(2)), tc.options...)
			_, err := nb.Fit(context.Background(), tc.data, tc.classes)
			require.Error(t, err)
			assert.True(t, IsConfigurationError(err), "got %v", err)
			_, err = nb.Model()
			assert.True(t, IsNotFitted(err))
		})
	}
}

// countingPartition counts how often its records are read.
type countingPartition struct {
	records []Record
	reads   int32
}

func (p *countingPartition) Records() ([]Record, error) {
	atomic.AddInt32(&p.reads, 1)
	return p.records, nil
}

func TestPredictIsLazyAndAligned(t *testing.T) {
	classes := []int{0, 1, 2}
	records := fuzzLabeled(3, 60, 2, classes)
	d := newTestDriver()
	nb := NewGaussianNB(d)
	train, err := Parallelize(records, 4)
	require.NoError(t, err)
	model, err := nb.Fit(context.Background(), train, classes)
	require.NoError(t, err)

	parts := []*countingPartition{
		{records: records[:7]},
		{records: nil},
		{records: records[7:30]},
	}
	ds := FromPartitions(parts[0], parts[1], parts[2])
	preds, err := nb.Predict(ds)
	require.NoError(t, err)
	for _, p := range parts {
		assert.Zero(t, atomic.LoadInt32(&p.reads))
	}

	require.Equal(t, 3, preds.NumPartitions())
	got, err := preds.Collect(context.Background())
	require.NoError(t, err)
	for i, p := range parts {
		require.Len(t, got[i], len(p.records))
		for j, r := range p.records {
			want, err := model.Predict(r.Features)
			require.NoError(t, err)
			assert.Equal(t, want, got[i][j])
		}
	}

	// Computed partitions are memoized.
	_, err = preds.Partition(context.Background(), 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&parts[2].reads))

	_, err = preds.Partition(context.Background(), 3)
	assert.True(t, IsConfigurationError(err))
}

func TestPredictReturnsCopies(t *testing.T) {
	ctx := context.Background()
	nb := NewGaussianNB(newTestDriver())
	_, err := nb.Fit(ctx, NewDataset([]Record{{Features: []float64{0}, Label: 0}, {Features: []float64{10}, Label: 1}}), []int{0, 1})
	require.NoError(t, err)
	data := NewDataset([]Record{{Features: []float64{1}, Unlabeled: true}})

	preds, err := nb.Predict(data)
	require.NoError(t, err)
	first, err := preds.Partition(ctx, 0)
	require.NoError(t, err)
	first[0] = 99
	again, err := preds.Partition(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, again)

	logProbs, err := nb.PredictLogProba(data)
	require.NoError(t, err)
	lp, err := logProbs.Partition(ctx, 0)
	require.NoError(t, err)
	want := lp[0][0]
	lp[0][0] = 42
	lp, err = logProbs.Partition(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, want, lp[0][0])
}

func TestPredictWithoutCache(t *testing.T) {
	d := newTestDriver(func(c *config) { c.PredictCacheSize = 0 })
	nb := NewMultinomialNB(d)
	_, err := nb.Fit(context.Background(), NewDataset([]Record{{Features: []float64{1, 0}, Label: 0}}), []int{0})
	require.NoError(t, err)

	p := &countingPartition{records: []Record{{Features: []float64{1, 1}}}}
	preds, err := nb.Predict(FromPartitions(p))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := preds.Partition(context.Background(), 0)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(&p.reads))
}

func TestPredictUsesModelAtCreation(t *testing.T) {
	ctx := context.Background()
	nb := NewGaussianNB(newTestDriver())
	_, err := nb.Fit(ctx, NewDataset([]Record{{Features: []float64{0}, Label: 0}, {Features: []float64{10}, Label: 1}}), []int{0, 1})
	require.NoError(t, err)
	preds, err := nb.Predict(NewDataset([]Record{{Features: []float64{1}, Unlabeled: true}}))
	require.NoError(t, err)

	// Refit with the classes swapped.
	_, err = nb.Fit(ctx, NewDataset([]Record{{Features: []float64{0}, Label: 1}, {Features: []float64{10}, Label: 0}}), []int{0, 1})
	require.NoError(t, err)

	got, err := preds.Partition(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, got)
}

func TestPredictLogProba(t *testing.T) {
	classes := []int{0, 1, 2}
	records := fuzzLabeled(4, 90, 3, classes)
	ds, err := Parallelize(records, 5)
	require.NoError(t, err)
	for _, kind := range []stats.Kind{stats.Gaussian, stats.Multinomial} {
		nb := newEstimator(kind, newTestDriver())
		model, err := nb.Fit(context.Background(), ds, classes)
		require.NoError(t, err)

		lazy, err := nb.PredictLogProba(ds)
		require.NoError(t, err)
		parts, err := lazy.Collect(context.Background())
		require.NoError(t, err)
		logProbs := Flatten(parts)
		require.Len(t, logProbs, len(records))
		for i, lp := range logProbs {
			require.Len(t, lp, len(classes))
			assert.InDelta(t, 0, floats.LogSumExp(lp), 1e-9)
			c, err := model.Predict(records[i].Features)
			require.NoError(t, err)
			assert.Equal(t, classes[floats.MaxIdx(lp)], c)
		}
	}
}

func TestScore(t *testing.T) {
	ctx := context.Background()
	ds := NewDataset(
		[]Record{{Features: []float64{0}, Label: 0}, {Features: []float64{0.5}, Label: 0}},
		[]Record{{Features: []float64{10}, Label: 1}, {Features: []float64{10.5}, Label: 1}},
	)
	nb := NewGaussianNB(newTestDriver())
	_, err := nb.Fit(ctx, ds, []int{0, 1})
	require.NoError(t, err)

	score, err := nb.Score(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	score, err = nb.Score(ctx, NewDataset([]Record{{Features: []float64{0}, Label: 1}, {Features: []float64{10}, Label: 1}}))
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)

	_, err = nb.Score(ctx, NewDataset([]Record{{Features: []float64{0}, Unlabeled: true}}))
	assert.True(t, IsConfigurationError(err))
	_, err = nb.Score(ctx, NewDataset(nil))
	assert.True(t, IsConfigurationError(err))
}

func TestPartialFitMatchesFullFit(t *testing.T) {
	ctx := context.Background()
	classes := []int{3, 4}
	records := fuzzLabeled(5, 80, 3, classes)
	for _, kind := range []stats.Kind{stats.Gaussian, stats.Multinomial} {
		want := localParams(t, kind, records, classes, stats.DefaultOptions)

		nb := newEstimator(kind, newTestDriver(WithCombineDegree(2)))
		first, err := Parallelize(records[:30], 3)
		require.NoError(t, err)
		second, err := Parallelize(records[30:], 4)
		require.NoError(t, err)
		_, err = nb.Fit(ctx, first, classes)
		require.NoError(t, err)
		model, err := nb.PartialFit(ctx, second)
		require.NoError(t, err)
		assertModelMatches(t, want, model)

		current, err := nb.Model()
		require.NoError(t, err)
		assert.Same(t, model, current)
	}
}

func TestModelStats(t *testing.T) {
	ds := NewDataset([]Record{{Features: []float64{1, 3}, Label: 0}, {Features: []float64{3, 5}, Label: 0}})
	model, err := NewGaussianNB(newTestDriver()).Fit(context.Background(), ds, []int{0})
	require.NoError(t, err)

	b, ok := model.Stats(0)
	require.True(t, ok)
	assert.EqualValues(t, 2, b.Count)
	mean, _ := b.Moments()
	assert.Equal(t, []float64{2, 4}, mean)
	_, ok = model.Stats(1)
	assert.False(t, ok)

	jll, err := model.JointLogLikelihood([]float64{2, 4})
	require.NoError(t, err)
	assert.Len(t, jll, 1)
	_, err = model.JointLogLikelihood([]float64{2})
	assert.True(t, IsConfigurationError(err))
}

func TestBroadcast(t *testing.T) {
	a, b := NewBroadcast([]int{1, 2}), NewBroadcast([]int{1, 2})
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, []int{1, 2}, a.Value())
}
