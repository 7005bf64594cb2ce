package lifecycle

import "sync/atomic"

// Stage is the process stage reported by the health endpoint.
type Stage int32

const (
	// Starting lasts until the first weather acquisition has finished.
	Starting Stage = iota
	Serving
	// ShuttingDown is set on SIGTERM/SIGINT; health answers 503 from then on.
	ShuttingDown
)

func (s Stage) String() string {
	switch s {
	case Serving:
		return "serving"
	case ShuttingDown:
		return "shutting-down"
	default:
		return "starting"
	}
}

var stage atomic.Int32

// MarkServing moves Starting to Serving. It never leaves ShuttingDown.
func MarkServing() {
	stage.CompareAndSwap(int32(Starting), int32(Serving))
}

// SetShuttingDown sets or clears the shutdown flag.
func SetShuttingDown(v bool) {
	if v {
		stage.Store(int32(ShuttingDown))
		return
	}
	stage.CompareAndSwap(int32(ShuttingDown), int32(Serving))
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return Current() == ShuttingDown
}

func Current() Stage {
	return Stage(stage.Load())
}

// Reset returns to Starting. For tests only.
func Reset() {
	stage.Store(int32(Starting))
}
