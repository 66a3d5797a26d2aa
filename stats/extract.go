package stats

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/floats"
)

// Accumulation selects how Gaussian blocks are accumulated within a
// partition.
type Accumulation int

const (
	// AccumulateMoments keeps running sums of x and x². It is the cheapest
	// single pass but loses precision for large blocks of large values.
	AccumulateMoments Accumulation = iota
	// AccumulateWelford keeps a running mean and M2 with Welford's update.
	AccumulateWelford
)

func (a Accumulation) String() string {
	if a == AccumulateWelford {
		return "welford"
	}
	return "moments"
}

// ParseAccumulation parses the names returned by Accumulation.String.
func ParseAccumulation(name string) (Accumulation, error) {
	switch strings.ToLower(name) {
	case "", "moments":
		return AccumulateMoments, nil
	case "welford":
		return AccumulateWelford, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("stats: unknown accumulation %q", name))
}

// Extract computes the blocks of one partition. The result has an entry for
// every class in classes, with zero counts for classes that do not occur.
// An empty partition has no dimensionality and yields an empty map.
func Extract(kind Kind, acc Accumulation, classes []int, features [][]float64, labels []int) (map[int]*Block, error) {
	if len(features) != len(labels) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("stats: %d feature vectors for %d labels", len(features), len(labels)))
	}
	blocks := make(map[int]*Block, len(classes))
	if len(features) == 0 {
		return blocks, nil
	}
	numFeatures := len(features[0])
	for _, c := range classes {
		if kind == Gaussian && acc == AccumulateWelford {
			blocks[c] = newCentralBlock(c, numFeatures)
		} else {
			blocks[c] = NewBlock(kind, c, numFeatures)
		}
	}

	for i, x := range features {
		if len(x) != numFeatures {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("stats: record %d has %d features, expected %d", i, len(x), numFeatures))
		}
		b, ok := blocks[labels[i]]
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("stats: record %d has label %d outside the class set", i, labels[i]))
		}
		switch {
		case kind == Multinomial:
			for j, v := range x {
				if v < 0 {
					return nil, errors.E(errors.Invalid, fmt.Sprintf("stats: negative value %g for feature %d of record %d", v, j, i))
				}
			}
			b.Count++
			floats.Add(b.Sum, x)
		case acc == AccumulateWelford:
			b.Count++
			n := float64(b.Count)
			for j, v := range x {
				delta := v - b.Mean[j]
				b.Mean[j] += delta / n
				b.M2[j] += delta * (v - b.Mean[j])
			}
		default:
			b.Count++
			for j, v := range x {
				b.Sum[j] += v
				b.SumSq[j] += v * v
			}
		}
	}
	return blocks, nil
}
