package sparkit

import "time"

// Phase is a descriptor of the phase (i.e. Map or Reduce) of a Job
type Phase int

// Descriptors of the Job phase
const (
	MapPhase Phase = iota
	CombinePhase
	ReducePhase
)

func (p Phase) String() string {
	switch p {
	case MapPhase:
		return "map"
	case CombinePhase:
		return "combine"
	case ReducePhase:
		return "reduce"
	}
	return "unknown"
}

// taskResult describes the work done by a single task.
type taskResult struct {
	Phase         Phase
	OutputID      string
	RecordsRead   int64
	BlocksEmitted int64
	BytesRead     int64
	BytesWritten  int64
	RunningTime   time.Duration
}
