package profiler

import (
	"sync"
	"time"

	"github.com/sail-build/sail/internal/scheduler"
	"github.com/sail-build/sail/internal/task"
)

// RecordingObserver adapts a Profiler to the scheduler.Observer interface,
// serializing calls with a mutex since the scheduler invokes them from
// arbitrary worker goroutines.
type RecordingObserver struct {
	mu sync.Mutex
	p  *Profiler
}

// NewRecordingObserver wraps p for use as a scheduler.Observer.
func NewRecordingObserver(p *Profiler) *RecordingObserver {
	return &RecordingObserver{p: p}
}

var _ scheduler.Observer = (*RecordingObserver)(nil)

func (o *RecordingObserver) TaskStarted(t *task.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.p.Start(t.ID, time.Now())
}

func (o *RecordingObserver) TaskFinished(t *task.Task, state task.State, err error, dur time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.p.Finish(t.ID, state, dur, time.Now(), 0, 0)
}
