package sparkit

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"

	"github.com/JaysonSunshine/sparkit-learn/stats"
)

// Emitter enables mappers and reducers to yield key-value pairs.
type Emitter interface {
	Emit(key int, value *stats.Block) error
	close() error
	bytesWritten() int64
	emitted() int64
	setPartitionFunc(partitionFunc PartitionFunc)
}

// blockSize approximates the in-memory footprint of a block.
func blockSize(b *stats.Block) int64 {
	return int64(8 * (3 + len(b.Sum) + len(b.SumSq) + len(b.Mean) + len(b.M2)))
}

// reducerEmitter is a threadsafe emitter that collects the final value of
// every key.
type reducerEmitter struct {
	mut          sync.Mutex
	results      map[int]*stats.Block
	writtenBytes int64
}

// newReducerEmitter initializes and returns a new reducerEmitter
func newReducerEmitter() *reducerEmitter {
	return &reducerEmitter{
		results: make(map[int]*stats.Block),
	}
}

// Emit yields a key-value pair to the framework. A key may be emitted only
// once.
func (e *reducerEmitter) Emit(key int, value *stats.Block) error {
	e.mut.Lock()
	defer e.mut.Unlock()

	if _, ok := e.results[key]; ok {
		return errors.E(errors.Invalid, fmt.Sprintf("key %d reduced more than once", key))
	}
	e.results[key] = value
	e.writtenBytes += blockSize(value)
	return nil
}

func (e *reducerEmitter) close() error {
	return nil
}

func (e *reducerEmitter) bytesWritten() int64 {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.writtenBytes
}

func (e *reducerEmitter) emitted() int64 {
	e.mut.Lock()
	defer e.mut.Unlock()
	return int64(len(e.results))
}

func (e *reducerEmitter) setPartitionFunc(partitionFunc PartitionFunc) {
	// skip
}

// snapshot returns a copy of the collected results.
func (e *reducerEmitter) snapshot() map[int]*stats.Block {
	e.mut.Lock()
	defer e.mut.Unlock()
	out := make(map[int]*stats.Block, len(e.results))
	for k, v := range e.results {
		out[k] = v
	}
	return out
}

// mapperEmitter is an emitter that partitions keys written to it.
// Keys are partitioned into one of numBins intermediate "shuffle" bins,
// buffered, and written to the shuffle store as one output on close.
type mapperEmitter struct {
	mut           sync.Mutex
	numBins       uint                // number of intermediate shuffle bins
	outputID      string              // shuffle output the emitter writes
	store         shuffleStore        // where bins are written on close
	partitionFunc PartitionFunc       // PartitionFunc to use when partitioning map output keys into intermediate bins
	dataBuffer    map[uint][]keyValue // pending key/values per bin
	writtenBytes  int64               // counter for number of bytes written from emitted key/val pairs
	numEmitted    int64               // counter for number of emitted key/val pairs
}

// Initializes a new mapperEmitter
func newMapperEmitter(numBins uint, outputID string, store shuffleStore) *mapperEmitter {
	return &mapperEmitter{
		numBins:       numBins,
		outputID:      outputID,
		store:         store,
		partitionFunc: hashPartition,
		dataBuffer:    make(map[uint][]keyValue, numBins),
	}
}

func (me *mapperEmitter) setPartitionFunc(partitionFunc PartitionFunc) {
	me.partitionFunc = partitionFunc
}

// hashPartition partitions a key to one of numBins shuffle bins
func hashPartition(key int, numBins uint) uint {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	return uint(murmur3.Sum32(buf[:]) % uint32(numBins))
}

// Emit yields a key-value pair to the framework.
func (me *mapperEmitter) Emit(key int, value *stats.Block) error {
	bin := me.partitionFunc(key, me.numBins)
	if bin >= me.numBins {
		return errors.E(errors.Invalid, fmt.Sprintf("partition func put key %d in bin %d of %d", key, bin, me.numBins))
	}

	me.mut.Lock()
	defer me.mut.Unlock()
	me.dataBuffer[bin] = append(me.dataBuffer[bin], keyValue{Key: key, Value: value})
	me.numEmitted++
	return nil
}

// close writes every bin to the shuffle store. Empty bins are written too,
// so that readers never have to tell a missing bin from an empty one. close
// must not be called more than once.
func (me *mapperEmitter) close() error {
	me.mut.Lock()
	defer me.mut.Unlock()

	for bin := uint(0); bin < me.numBins; bin++ {
		n, err := me.store.write(me.outputID, bin, me.dataBuffer[bin])
		if err != nil {
			return errors.E(err, fmt.Sprintf("write shuffle output %s bin %d", me.outputID, bin))
		}
		me.writtenBytes += n
	}
	me.dataBuffer = nil
	return nil
}

func (me *mapperEmitter) bytesWritten() int64 {
	me.mut.Lock()
	defer me.mut.Unlock()
	return me.writtenBytes
}

func (me *mapperEmitter) emitted() int64 {
	me.mut.Lock()
	defer me.mut.Unlock()
	return me.numEmitted
}
