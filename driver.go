package sparkit

import (
	"context"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/JaysonSunshine/sparkit-learn/internal/pkg/skfs"
)

// Driver controls the execution of MapReduce jobs over datasets
type Driver struct {
	Config   *config
	executor executor
}

// Option allows configuration of a Driver
type Option func(*config)

// NewDriver creates a new Driver with optional configuration. Options are
// applied over the defaults, the sparkitrc file and SPARKIT_* environment
// variables.
func NewDriver(options ...Option) *Driver {
	d := &Driver{
		executor: localExecutor{},
	}

	c := newConfig()
	for _, f := range options {
		f(c)
	}
	c.validate()

	if c.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	d.Config = c
	log.Debugf("Loaded config: %#v", c)

	return d
}

func (c *config) validate() {
	if c.MapBinSize <= 0 {
		log.Warnf("Invalid Map Bin size %d, using 512Mb", c.MapBinSize)
		c.MapBinSize = 512 * 1024 * 1024
	}
	if c.SplitSize <= 0 {
		log.Warnf("Invalid Split Size %d, using Map Bin size", c.SplitSize)
		c.SplitSize = c.MapBinSize
	}
	if c.SplitSize > c.MapBinSize {
		log.Warn("Configured Split Size is larger than Map Bin size")
		c.SplitSize = c.MapBinSize
	}
	if c.MaxConcurrency < 1 {
		log.Warnf("Invalid max concurrency %d, using 1", c.MaxConcurrency)
		c.MaxConcurrency = 1
	}
	if c.NumReduce < 1 {
		log.Warnf("Invalid reduce number %d, using 1", c.NumReduce)
		c.NumReduce = 1
	}
}

// WithSplitSize sets the SplitSize of the Driver
func WithSplitSize(s int64) Option {
	return func(c *config) {
		c.SplitSize = s
	}
}

// WithMapBinSize sets the MapBinSize of the Driver
func WithMapBinSize(s int64) Option {
	return func(c *config) {
		c.MapBinSize = s
	}
}

// WithWorkingLocation sets the location and filesystem backend of shuffle
// data. Shuffle data stays in memory when location is empty.
func WithWorkingLocation(location string) Option {
	return func(c *config) {
		c.WorkingLocation = location
	}
}

// WithNumReduce sets the number of reduce tasks
func WithNumReduce(num int) Option {
	return func(c *config) {
		c.NumReduce = num
	}
}

// WithMaxConcurrency sets the maximum number of tasks run at once
func WithMaxConcurrency(num int) Option {
	return func(c *config) {
		c.MaxConcurrency = num
	}
}

// WithCombineDegree sets the number of shuffle outputs merged by one combine
// task. Degrees below 2 disable the combine phase.
func WithCombineDegree(degree int) Option {
	return func(c *config) {
		c.CombineDegree = degree
	}
}

// WithCleanup sets whether consumed shuffle outputs are deleted
func WithCleanup(cleanup bool) Option {
	return func(c *config) {
		c.Cleanup = cleanup
	}
}

// WithProgress sets whether progress bars are printed
func WithProgress(progress bool) Option {
	return func(c *config) {
		c.Progress = progress
	}
}

// WithFlags overrides the configuration with the flags of fs that were set
// on the command line. fs is usually created by FlagSet.
func WithFlags(fs *flag.FlagSet) Option {
	return func(c *config) {
		v := viper.New()
		fs.Visit(func(f *flag.Flag) {
			if key, ok := flagKeys[f.Name]; ok {
				v.BindPFlag(key, f)
			}
		})
		c.merge(v)
	}
}

func (d *Driver) newBar(total int, prefix string) *pb.ProgressBar {
	bar := pb.New(total).Prefix(prefix)
	bar.NotPrint = !d.Config.Progress
	return bar.Start()
}

func (d *Driver) newShuffleStore(runID string) (shuffleStore, error) {
	location := d.Config.WorkingLocation
	if location == "" {
		return newMemoryShuffle(), nil
	}
	fs := skfs.InferFilesystem(location)
	return newFSShuffle(fs, fs.Join(location, runID))
}

func (d *Driver) runMapPhase(ctx context.Context, job *Job, input *Dataset, mapped chan<- string) error {
	numMap := input.NumPartitions()
	log.Debugf("Number of job map tasks: %d", numMap)
	bar := d.newBar(numMap, "Map")
	defer bar.Finish()

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(d.Config.MaxConcurrency))
	for i := 0; i < numMap; i++ {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		mapperID, partition := uint(i), input.Partition(i)
		g.Go(func() error {
			defer sem.Release(1)
			defer bar.Increment()
			res, err := d.executor.RunMapper(gctx, job, mapperID, partition)
			if err != nil {
				log.Errorf("Error when running mapper %d: %s", mapperID, err)
				return err
			}
			job.account(res)
			select {
			case mapped <- res.OutputID:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// runCombinePhase merges shuffle outputs while the map phase is running.
// Every combineDegree finished outputs, mapped or combined, are handed to a
// combine task whose output is fed back, so that outputs collapse into a
// tree of arbitrary shape. It returns the outputs left for the reduce phase.
func (d *Driver) runCombinePhase(ctx context.Context, job *Job, numMap int, mapped <-chan string) ([]string, error) {
	degree := d.Config.CombineDegree
	if degree < 2 {
		var outputs []string
		for output := range mapped {
			outputs = append(outputs, output)
		}
		return outputs, ctx.Err()
	}

	// Estimate of the number of combine tasks
	numOfCombineTasks := 0
	for t := numMap; t > 1; t = t / degree {
		numOfCombineTasks += t / degree
	}
	bar := d.newBar(numOfCombineTasks, "Combine")
	defer bar.Finish()

	// Every combine task shrinks the number of outputs, so fewer than numMap
	// combined outputs are ever pending.
	combined := make(chan string, skfs.MaxInt(numMap, 1))
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(d.Config.MaxConcurrency))

	var pending []string
	inFlight := 0
	mapDone := false
loop:
	for !mapDone || inFlight > 0 {
		select {
		case output, ok := <-mapped:
			if !ok {
				mapDone = true
				mapped = nil
				continue
			}
			pending = append(pending, output)
		case output := <-combined:
			inFlight--
			pending = append(pending, output)
		case <-gctx.Done():
			break loop
		}

		for len(pending) >= degree {
			if err := sem.Acquire(gctx, 1); err != nil {
				break loop
			}
			batch := make([]string, degree)
			copy(batch, pending)
			pending = pending[degree:]
			inFlight++
			g.Go(func() error {
				defer sem.Release(1)
				defer bar.Increment()
				res, err := d.executor.RunCombiner(gctx, job, batch)
				if err != nil {
					log.Errorf("Error when running combiner over %v: %s", batch, err)
					return err
				}
				job.account(res)
				combined <- res.OutputID
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pending, nil
}

func (d *Driver) runReducePhase(ctx context.Context, job *Job, outputs []string) error {
	log.Debugf("Reducing %d shuffle outputs into %d bins", len(outputs), job.intermediateBins)
	bar := d.newBar(int(job.intermediateBins), "Reduce")
	defer bar.Finish()

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(d.Config.MaxConcurrency))
	for binID := uint(0); binID < job.intermediateBins; binID++ {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		bID := binID
		g.Go(func() error {
			defer sem.Release(1)
			defer bar.Increment()
			res, err := d.executor.RunReducer(gctx, job, bID, outputs)
			if err != nil {
				log.Errorf("Error when running reducer %d: %s", bID, err)
				return err
			}
			job.account(res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Run executes job over the partitions of input. Reduced values are
// available from job.Results once Run returns without error.
func (d *Driver) Run(ctx context.Context, job *Job, input *Dataset) error {
	if job == nil || job.Map == nil || job.Reduce == nil {
		return errors.E(errors.Invalid, "job needs a mapper and a reducer")
	}

	jobConfig := *d.Config
	job.config = &jobConfig
	job.runID = uuid.NewString()
	job.intermediateBins = uint(jobConfig.NumReduce)
	job.results = newReducerEmitter()

	numMap := input.NumPartitions()
	if numMap == 0 {
		log.Warnf("No input partitions")
		return nil
	}

	store, err := d.newShuffleStore(job.runID)
	if err != nil {
		return err
	}
	job.store = store
	defer func() {
		if jobConfig.Cleanup {
			if err := store.close(); err != nil {
				log.Warnf("Unable to clean up shuffle data of job %s: %s", job.runID, err)
			}
		}
	}()

	log.Infof("Starting job %s (%d partitions, %d reduce bins)", job.runID, numMap, jobConfig.NumReduce)
	start := time.Now()

	mapped := make(chan string, numMap)
	var outputs []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(mapped)
		return d.runMapPhase(gctx, job, input, mapped)
	})
	g.Go(func() error {
		var err error
		outputs, err = d.runCombinePhase(gctx, job, numMap, mapped)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := d.runReducePhase(ctx, job, outputs); err != nil {
		return err
	}
	job.discard(outputs)

	counters := job.Counters()
	log.Infof("Job %s - Records Read:\t%s", job.runID, humanize.Comma(counters.RecordsRead))
	log.Infof("Job %s - Blocks Emitted:\t%s", job.runID, humanize.Comma(counters.BlocksEmitted))
	log.Infof("Job %s - Shuffle Bytes Written:\t%s", job.runID, humanize.Bytes(uint64(counters.ShuffleBytesWritten)))
	log.Infof("Job %s - Shuffle Bytes Read:\t%s", job.runID, humanize.Bytes(uint64(counters.ShuffleBytesRead)))
	log.Infof("Job %s - Tasks:\t%d (%v task time)", job.runID, counters.Tasks, counters.TaskTime)
	log.Infof("Job %s - Execution Time:\t%v", job.runID, time.Since(start))
	return nil
}
