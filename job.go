package sparkit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JaysonSunshine/sparkit-learn/stats"
)

// reduceKeyConcurrency bounds the keys of one bin reduced at once.
const reduceKeyConcurrency = 10

// Job is the logical container for a MapReduce job
type Job struct {
	Map           Mapper
	Reduce        Reducer
	PartitionFunc PartitionFunc

	runID            string
	config           *config
	store            shuffleStore
	intermediateBins uint
	results          *reducerEmitter

	recordsRead   int64
	blocksEmitted int64
	bytesWritten  int64
	bytesRead     int64
	taskNum       int64
	taskRunningNs int64
}

// NewJob creates a new job from a Mapper and Reducer.
func NewJob(mapper Mapper, reducer Reducer) *Job {
	return &Job{
		Map:    mapper,
		Reduce: reducer,
	}
}

// Results returns the reduced value of every key once the job has run.
func (j *Job) Results() map[int]*stats.Block {
	if j.results == nil {
		return map[int]*stats.Block{}
	}
	return j.results.snapshot()
}

// Counters summarizes the work done by a job.
type Counters struct {
	RecordsRead         int64
	BlocksEmitted       int64
	ShuffleBytesWritten int64
	ShuffleBytesRead    int64
	Tasks               int64
	TaskTime            time.Duration
}

// Counters returns the counters of the job so far.
func (j *Job) Counters() Counters {
	return Counters{
		RecordsRead:         atomic.LoadInt64(&j.recordsRead),
		BlocksEmitted:       atomic.LoadInt64(&j.blocksEmitted),
		ShuffleBytesWritten: atomic.LoadInt64(&j.bytesWritten),
		ShuffleBytesRead:    atomic.LoadInt64(&j.bytesRead),
		Tasks:               atomic.LoadInt64(&j.taskNum),
		TaskTime:            time.Duration(atomic.LoadInt64(&j.taskRunningNs)),
	}
}

func (j *Job) account(res taskResult) {
	atomic.AddInt64(&j.recordsRead, res.RecordsRead)
	atomic.AddInt64(&j.blocksEmitted, res.BlocksEmitted)
	atomic.AddInt64(&j.bytesWritten, res.BytesWritten)
	atomic.AddInt64(&j.bytesRead, res.BytesRead)
	atomic.AddInt64(&j.taskNum, 1)
	atomic.AddInt64(&j.taskRunningNs, int64(res.RunningTime))
}

func (j *Job) newEmitter(outputID string) *mapperEmitter {
	emitter := newMapperEmitter(j.intermediateBins, outputID, j.store)
	if j.PartitionFunc != nil {
		emitter.setPartitionFunc(j.PartitionFunc)
	}
	return emitter
}

// Logic for running a single map task
func (j *Job) runMapper(ctx context.Context, mapperID uint, partition Partition) (taskResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return taskResult{}, err
	}

	records, err := partition.Records()
	if err != nil {
		return taskResult{}, errors.E(err, fmt.Sprintf("read partition %d", mapperID))
	}

	outputID := fmt.Sprintf("map-%d", mapperID)
	emitter := j.newEmitter(outputID)
	if err := j.Map.Map(int(mapperID), records, emitter); err != nil {
		return taskResult{}, err
	}
	if err := emitter.close(); err != nil {
		return taskResult{}, err
	}

	return taskResult{
		Phase:         MapPhase,
		OutputID:      outputID,
		RecordsRead:   int64(len(records)),
		BlocksEmitted: emitter.emitted(),
		BytesWritten:  emitter.bytesWritten(),
		RunningTime:   time.Since(start),
	}, nil
}

// Logic for running a single combine task. The outputs are merged bin by
// bin into one new output, and discarded afterwards.
func (j *Job) runCombiner(ctx context.Context, outputs []string) (taskResult, error) {
	start := time.Now()
	outputID := "combine-" + uuid.NewString()
	emitter := j.newEmitter(outputID)

	var bytesRead int64
	for bin := uint(0); bin < j.intermediateBins; bin++ {
		n, err := j.reduceBin(ctx, bin, outputs, emitter)
		if err != nil {
			return taskResult{}, err
		}
		bytesRead += n
	}
	if err := emitter.close(); err != nil {
		return taskResult{}, err
	}
	j.discard(outputs)

	return taskResult{
		Phase:         CombinePhase,
		OutputID:      outputID,
		BlocksEmitted: emitter.emitted(),
		BytesRead:     bytesRead,
		BytesWritten:  emitter.bytesWritten(),
		RunningTime:   time.Since(start),
	}, nil
}

// Logic for running a single reduce task
func (j *Job) runReducer(ctx context.Context, binID uint, outputs []string) (taskResult, error) {
	start := time.Now()
	before := j.results.emitted()
	bytesRead, err := j.reduceBin(ctx, binID, outputs, j.results)
	if err != nil {
		return taskResult{}, err
	}
	return taskResult{
		Phase:         ReducePhase,
		BlocksEmitted: j.results.emitted() - before,
		BytesRead:     bytesRead,
		RunningTime:   time.Since(start),
	}, nil
}

// reduceBin groups the values of one bin of every output by key and runs
// the reducer on each key.
func (j *Job) reduceBin(ctx context.Context, bin uint, outputs []string, emitter Emitter) (int64, error) {
	data := make(map[int][]*stats.Block)
	var bytesRead int64
	for _, output := range outputs {
		kvs, n, err := j.store.read(output, bin)
		if err != nil {
			return 0, err
		}
		bytesRead += n
		for _, kv := range kvs {
			data[kv.Key] = append(data[kv.Key], kv.Value)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(reduceKeyConcurrency)
	for key, values := range data {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		key, values := key, values
		g.Go(func() error {
			defer sem.Release(1)
			return j.reduceKey(key, values, emitter)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return bytesRead, ctx.Err()
}

func (j *Job) reduceKey(key int, values []*stats.Block, emitter Emitter) error {
	keyChan := make(chan *stats.Block)
	keyIter := newValueIterator(keyChan)

	go func() {
		defer close(keyChan)
		for _, value := range values {
			// Pass current value to the appropriate key channel
			keyChan <- value
		}
	}()

	err := j.Reduce.Reduce(key, keyIter, emitter)
	// Unblock the feeder if the reducer stopped early.
	for range keyChan {
	}
	if err != nil {
		return errors.E(err, fmt.Sprintf("reduce key %d", key))
	}
	return nil
}

// discard releases consumed shuffle outputs.
func (j *Job) discard(outputs []string) {
	if !j.config.Cleanup {
		return
	}
	for _, output := range outputs {
		if err := j.store.discard(output, j.intermediateBins); err != nil {
			log.Error(err)
		}
	}
}
