package sparkit

import "context"

type executor interface {
	RunMapper(ctx context.Context, job *Job, mapperID uint, partition Partition) (taskResult, error)
	RunCombiner(ctx context.Context, job *Job, outputs []string) (taskResult, error)
	RunReducer(ctx context.Context, job *Job, binID uint, outputs []string) (taskResult, error)
}

// localExecutor runs tasks as goroutines of the driver process.
type localExecutor struct{}

func (localExecutor) RunMapper(ctx context.Context, job *Job, mapperID uint, partition Partition) (taskResult, error) {
	return job.runMapper(ctx, mapperID, partition)
}

func (localExecutor) RunCombiner(ctx context.Context, job *Job, outputs []string) (taskResult, error) {
	return job.runCombiner(ctx, outputs)
}

func (localExecutor) RunReducer(ctx context.Context, job *Job, binID uint, outputs []string) (taskResult, error) {
	return job.runReducer(ctx, binID, outputs)
}
