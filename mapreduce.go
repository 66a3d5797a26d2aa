package sparkit

import (
	"github.com/JaysonSunshine/sparkit-learn/stats"
)

// Record is a single row of a Dataset.
type Record struct {
	Features []float64
	Label    int
	// Unlabeled marks records read without a label, e.g. prediction input.
	Unlabeled bool
}

// ValueIterator iterates over a sequence of values.
// This is used during the Reduce phase, wherein a reduce task
// iterates over all values for a particular key.
type ValueIterator struct {
	values chan *stats.Block
}

// Iter iterates over all the values in the iterator.
func (v *ValueIterator) Iter() <-chan *stats.Block {
	return v.values
}

func newValueIterator(c chan *stats.Block) ValueIterator {
	return ValueIterator{
		values: c,
	}
}

// Mapper defines the interface for a Map task. A Map task sees the records
// of exactly one partition.
type Mapper interface {
	Map(partition int, records []Record, emitter Emitter) error
}

// Reducer defines the interface for a Reduce task. Reduce is also used to
// combine partial outputs before the final reduction, so it must be
// associative and commutative over the values of a key, and may be called
// several times for the same key.
type Reducer interface {
	Reduce(key int, values ValueIterator, emitter Emitter) error
}

// PartitionFunc defines a function that can be used to segment map keys into intermediate buckets.
// The default partition function hashes the key, and takes hash % numBins to determine the bin.
// The value returned from PartitionFunc (binIdx) must be in the range 0 <= binIdx < numBins, i.e. [0, numBins)
type PartitionFunc func(key int, numBins uint) (binIdx uint)

// keyValue is used to store intermediate shuffle data as key-value pairs
type keyValue struct {
	Key   int          `json:"key"`
	Value *stats.Block `json:"value"`
}
