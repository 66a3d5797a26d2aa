package sparkit

import (
	"fmt"

	"github.com/grailbio/base/errors"

	"github.com/JaysonSunshine/sparkit-learn/internal/pkg/skfs"
)

// Partition is one independently processable chunk of a Dataset.
type Partition interface {
	// Records returns the records of the partition, in order.
	Records() ([]Record, error)
}

// memPartition is a Partition held in memory.
type memPartition []Record

func (p memPartition) Records() ([]Record, error) {
	return p, nil
}

// Dataset is an ordered collection of partitions. Partitions are read
// lazily, when a task needs them.
type Dataset struct {
	partitions []Partition
}

// NewDataset creates a Dataset with one partition per argument.
func NewDataset(partitions ...[]Record) *Dataset {
	ds := &Dataset{partitions: make([]Partition, len(partitions))}
	for i, records := range partitions {
		ds.partitions[i] = memPartition(records)
	}
	return ds
}

// FromPartitions creates a Dataset from arbitrary partitions.
func FromPartitions(partitions ...Partition) *Dataset {
	return &Dataset{partitions: partitions}
}

// Parallelize spreads records over numPartitions partitions of nearly equal
// size, keeping their order.
func Parallelize(records []Record, numPartitions int) (*Dataset, error) {
	if numPartitions < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("parallelize: %d partitions", numPartitions))
	}
	return NewDataset(skfs.SplitEvenly(records, numPartitions)...), nil
}

// Blocked cuts records into partitions of blockSize records. The last
// partition may be smaller.
func Blocked(records []Record, blockSize int) (*Dataset, error) {
	if blockSize < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("blocked: block size %d", blockSize))
	}
	return NewDataset(skfs.SplitByFixedInterval(records, int64(blockSize))...), nil
}

// Records pairs feature rows with their labels.
func Records(features [][]float64, labels []int) ([]Record, error) {
	if len(features) != len(labels) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%d feature rows but %d labels", len(features), len(labels)))
	}
	records := make([]Record, len(features))
	for i := range features {
		records[i] = Record{Features: features[i], Label: labels[i]}
	}
	return records, nil
}

// ParallelizeFeatures spreads unlabeled feature rows over numPartitions
// partitions, typically for prediction.
func ParallelizeFeatures(features [][]float64, numPartitions int) (*Dataset, error) {
	records := make([]Record, len(features))
	for i := range features {
		records[i] = Record{Features: features[i], Unlabeled: true}
	}
	return Parallelize(records, numPartitions)
}

// NumPartitions returns the number of partitions.
func (ds *Dataset) NumPartitions() int {
	if ds == nil {
		return 0
	}
	return len(ds.partitions)
}

// Partition returns partition i.
func (ds *Dataset) Partition(i int) Partition {
	return ds.partitions[i]
}

// Collect reads every partition, in order.
func (ds *Dataset) Collect() ([][]Record, error) {
	out := make([][]Record, ds.NumPartitions())
	for i := range out {
		records, err := ds.partitions[i].Records()
		if err != nil {
			return nil, errors.E(err, fmt.Sprintf("partition %d", i))
		}
		out[i] = records
	}
	return out, nil
}
