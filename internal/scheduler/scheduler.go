// Package scheduler is a bounded-concurrency executor over a
// buildgraph.BuildGraph. It keeps an explicit ready-queue of goroutines
// instead of leaning on dag.Walk: the walk's implicit fan-out can express
// strong dependencies, but not the before/after weak-ordering hints,
// per-task timeouts, or bail-vs-drain failure semantics the runner needs.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sail-build/sail/internal/buildgraph"
	"github.com/sail-build/sail/internal/graph"
	"github.com/sail-build/sail/internal/task"
)

// RunFunc executes one task (leaf command, group no-op, cache lookups) and
// reports the state it finished in. Returning a non-nil error always
// implies a failed state; the scheduler does not second-guess RunFunc's
// reported state otherwise.
type RunFunc func(ctx context.Context, t *task.Task) (task.State, error)

// Observer receives task lifecycle events for progress reporting and
// profiling. Both methods must return quickly; the
// scheduler calls them while holding no locks but from arbitrary worker
// goroutines.
type Observer interface {
	TaskStarted(t *task.Task)
	TaskFinished(t *task.Task, state task.State, err error, dur time.Duration)
}

// NopObserver implements Observer with no-ops.
type NopObserver struct{}

func (NopObserver) TaskStarted(*task.Task)                                    {}
func (NopObserver) TaskFinished(*task.Task, task.State, error, time.Duration) {}

// Options controls one scheduler run.
type Options struct {
	// Concurrency bounds the number of tasks running at once. Defaults to 1.
	Concurrency int
	// BailOnFailure hard-cancels in-flight tasks' contexts on first failure
	// instead of letting them finish. The scheduler always stops starting
	// new tasks after a failure ("draining"); bail only changes whether
	// already-running tasks are also cut short.
	BailOnFailure bool
	// DefaultTimeout applies to tasks that don't declare their own
	// TimeoutMs. Zero means no default.
	DefaultTimeout time.Duration
	// Observer is notified of task start/finish; defaults to NopObserver.
	Observer Observer
}

// TaskResult is one task's outcome.
type TaskResult struct {
	State    task.State
	Err      error
	Duration time.Duration
}

// Summary is the outcome of a full scheduler run.
type Summary struct {
	Results map[string]*TaskResult
	Failed  bool
}

type readyItem struct {
	id     string
	fanOut int
	level  int
}

// readyQueue orders ready tasks by lowest package level first (foundational
// packages unblock the most downstream work), then by largest
// strong-downstream fan-out, then lexicographically by task ID so that
// identical inputs always produce identical execution orders.
type readyQueue []*readyItem

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.level != b.level {
		return a.level < b.level
	}
	if a.fanOut != b.fanOut {
		return a.fanOut > b.fanOut
	}
	return a.id < b.id
}
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x interface{}) { *q = append(*q, x.(*readyItem)) }
func (q *readyQueue) Pop() interface{} {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// scheduler holds all the mutable state the ready-queue loop and its worker
// goroutines share, guarded by mu.
type scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	bg    *buildgraph.BuildGraph
	nodes map[string]*graph.PackageNode
	run   RunFunc
	opts  Options

	remainingStrong map[string]int
	remainingWeak   map[string]int
	remainingStart  map[string]int
	strongSuccs     map[string][]string
	weakSuccs       map[string][]string
	startSuccs      map[string][]string
	queued          map[string]bool
	tainted         map[string]bool

	pq      readyQueue
	pending int
	failed  bool
	results map[string]*TaskResult

	cancelInFlight context.CancelFunc
}

// Run executes every task in bg to completion (tasks not yet started when a
// failure is recorded end as Skipped) and returns a Summary. Run blocks until the whole graph is drained.
func Run(ctx context.Context, bg *buildgraph.BuildGraph, nodes map[string]*graph.PackageNode, run RunFunc, opts Options) (*Summary, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}

	s := &scheduler{
		bg:              bg,
		nodes:           nodes,
		run:             run,
		opts:            opts,
		remainingStrong: map[string]int{},
		remainingWeak:   map[string]int{},
		remainingStart:  map[string]int{},
		strongSuccs:     map[string][]string{},
		weakSuccs:       map[string][]string{},
		startSuccs:      map[string][]string{},
		queued:          map[string]bool{},
		tainted:         map[string]bool{},
		results:         map[string]*TaskResult{},
		pending:         len(bg.Tasks),
	}
	s.cond = sync.NewCond(&s.mu)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelInFlight = cancel
	defer cancel()

	// Edges pointing at tasks outside the scheduled set are ignored: a
	// weak hint naming an unscheduled task must not block anything, and a
	// strong dep outside the graph could never resolve.
	for id, t := range bg.Tasks {
		for _, dep := range t.StrongDeps {
			if _, ok := bg.Tasks[dep]; !ok {
				continue
			}
			s.remainingStrong[id]++
			s.strongSuccs[dep] = append(s.strongSuccs[dep], id)
		}
		for _, dep := range t.WeakAfter {
			if _, ok := bg.Tasks[dep]; !ok {
				continue
			}
			s.remainingWeak[id]++
			s.weakSuccs[dep] = append(s.weakSuccs[dep], id)
		}
		for _, dep := range t.WeakStart {
			if _, ok := bg.Tasks[dep]; !ok {
				continue
			}
			s.remainingStart[id]++
			s.startSuccs[dep] = append(s.startSuccs[dep], id)
		}
	}
	for id := range bg.Tasks {
		s.maybeEnqueue(id)
	}

	sem := semaphore.NewWeighted(int64(opts.Concurrency))
	var wg sync.WaitGroup

	for {
		s.mu.Lock()
		for s.pq.Len() == 0 && s.pending > 0 {
			s.cond.Wait()
		}
		if s.pending == 0 {
			s.mu.Unlock()
			break
		}
		item := heap.Pop(&s.pq).(*readyItem)
		t := bg.Tasks[item.id]

		// Draining: once any task has failed, no new task starts. This is
		// unconditional; BailOnFailure only decides whether tasks already
		// running get hard-cancelled (see completeLocked).
		if s.tainted[item.id] || s.failed {
			s.completeLocked(t, task.StateSkipped, nil, 0)
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		if err := sem.Acquire(runCtx, 1); err != nil {
			s.mu.Lock()
			s.completeLocked(t, task.StateSkipped, err, 0)
			s.mu.Unlock()
			continue
		}
		// A failure recorded while this task waited for a slot drains it too.
		s.mu.Lock()
		if s.failed {
			s.completeLocked(t, task.StateSkipped, nil, 0)
			s.mu.Unlock()
			sem.Release(1)
			continue
		}
		s.mu.Unlock()

		wg.Add(1)
		go func(t *task.Task) {
			defer wg.Done()
			defer sem.Release(1)
			s.execute(runCtx, t)
		}(t)
	}

	wg.Wait()
	return &Summary{Results: s.results, Failed: s.failed}, nil
}

func (s *scheduler) execute(ctx context.Context, t *task.Task) {
	runCtx := ctx
	timeout := time.Duration(t.Config.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = s.opts.DefaultTimeout
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	t.SetState(task.StateRunning)
	s.opts.Observer.TaskStarted(t)

	// A "before" predecessor only needs to have started, not finished, so
	// release its WeakStart successors the moment this task transitions to
	// Running rather than waiting for completeLocked.
	s.mu.Lock()
	for _, succ := range s.startSuccs[t.ID] {
		s.remainingStart[succ]--
		s.maybeEnqueue(succ)
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	start := time.Now()
	state, err := s.run(runCtx, t)
	dur := time.Since(start)
	s.opts.Observer.TaskFinished(t, state, err, dur)
	t.SetState(state)

	s.mu.Lock()
	s.completeLocked(t, state, err, dur)
	s.mu.Unlock()
}

// completeLocked records a task's outcome and propagates readiness to its
// successors. Callers must hold s.mu.
func (s *scheduler) completeLocked(t *task.Task, state task.State, err error, dur time.Duration) {
	s.results[t.ID] = &TaskResult{State: state, Err: err, Duration: dur}
	if err != nil || state == task.StateFailed {
		wasFailed := s.failed
		s.failed = true
		if !wasFailed && s.opts.BailOnFailure {
			s.cancelInFlight()
		}
	}
	if err != nil || state == task.StateFailed || state == task.StateSkipped {
		s.tainted[t.ID] = true
	}
	s.pending--

	for _, succ := range s.strongSuccs[t.ID] {
		s.remainingStrong[succ]--
		if s.tainted[t.ID] {
			s.tainted[succ] = true
		}
		s.maybeEnqueue(succ)
	}
	for _, succ := range s.weakSuccs[t.ID] {
		s.remainingWeak[succ]--
		s.maybeEnqueue(succ)
	}
	// A task that never reached execute (skipped straight from the ready
	// queue during a drain) will never start, so it can never release its
	// WeakStart successors from the execute-time path above. Release them
	// here instead; for a task that DID run, this duplicates the release
	// already performed when it started, which is harmless since
	// maybeEnqueue is guarded by s.queued.
	if state == task.StateSkipped {
		for _, succ := range s.startSuccs[t.ID] {
			s.remainingStart[succ]--
			s.maybeEnqueue(succ)
		}
	}
	s.cond.Broadcast()
}

// maybeEnqueue pushes id onto the ready queue if its strong, weak-after, and
// weak-start predecessors have all resolved and it hasn't already been
// queued. Callers must hold s.mu.
func (s *scheduler) maybeEnqueue(id string) {
	if s.queued[id] {
		return
	}
	if s.remainingStrong[id] > 0 || s.remainingWeak[id] > 0 || s.remainingStart[id] > 0 {
		return
	}
	s.queued[id] = true
	t := s.bg.Tasks[id]
	level := 0
	if node, ok := s.nodes[t.PackageName]; ok {
		level = node.Level
	}
	heap.Push(&s.pq, &readyItem{
		id:     id,
		fanOut: len(s.strongSuccs[id]),
		level:  level,
	})
}
