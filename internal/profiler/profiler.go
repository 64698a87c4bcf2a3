// Package profiler collects per-task timing, critical-path analysis, and
// cache-tier hit-ratio aggregation for one build invocation, with an
// optional machine-readable per-task dump.
package profiler

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sail-build/sail/internal/task"
)

// TaskRecord is one task's timing and outcome.
type TaskRecord struct {
	TaskID          string        `json:"taskId"`
	PackageName     string        `json:"packageName"`
	EnqueueMs       int64         `json:"enqueueMs"`
	StartMs         int64         `json:"startMs"`
	EndMs           int64         `json:"endMs"`
	Result          task.State    `json:"-"`
	ResultName      string        `json:"result"`
	BytesCached     int64         `json:"bytesCached,omitempty"`
	OutputFileCount int           `json:"outputFileCount,omitempty"`
	Duration        time.Duration `json:"-"`
	StrongDeps      []string      `json:"-"`
}

// Profiler accumulates TaskRecords for one build invocation. It is not
// safe for concurrent writes from multiple goroutines without external
// synchronization; callers record through a single Observer adapter that
// itself serializes calls (see RecordingObserver).
type Profiler struct {
	records map[string]*TaskRecord
	order   []string
}

// New constructs an empty Profiler.
func New() *Profiler {
	return &Profiler{records: map[string]*TaskRecord{}}
}

// Enqueue marks when a task was first considered ready.
func (p *Profiler) Enqueue(taskID string, at time.Time) {
	if _, ok := p.records[taskID]; !ok {
		p.records[taskID] = &TaskRecord{TaskID: taskID}
		p.order = append(p.order, taskID)
	}
	p.records[taskID].EnqueueMs = at.UnixMilli()
}

// Start marks when a task transitioned to Running.
func (p *Profiler) Start(taskID string, at time.Time) {
	r := p.ensure(taskID)
	r.StartMs = at.UnixMilli()
}

// Finish records a task's terminal state and duration.
func (p *Profiler) Finish(taskID string, state task.State, dur time.Duration, end time.Time, bytesCached int64, outputFiles int) {
	r := p.ensure(taskID)
	r.Result = state
	r.ResultName = state.String()
	r.Duration = dur
	r.EndMs = end.UnixMilli()
	r.BytesCached = bytesCached
	r.OutputFileCount = outputFiles
}

// SetStrongDeps records a task's strong dependencies, needed for critical-
// path analysis.
func (p *Profiler) SetStrongDeps(taskID string, deps []string) {
	p.ensure(taskID).StrongDeps = deps
}

func (p *Profiler) ensure(taskID string) *TaskRecord {
	r, ok := p.records[taskID]
	if !ok {
		r = &TaskRecord{TaskID: taskID}
		p.records[taskID] = r
		p.order = append(p.order, taskID)
	}
	return r
}

// HitCounts breaks terminal task outcomes down by cache tier.
type HitCounts struct {
	DonefileHits int
	SharedHits   int
	Executed     int
	Skipped      int
	Failed       int
}

// Summary is the final per-build report.
type Summary struct {
	TotalWallTime  time.Duration
	TotalCPUTime   time.Duration
	CriticalPath   []string
	CriticalPathMs int64
	Hits           HitCounts
}

// Compute derives the Summary from every recorded task. wallStart/wallEnd
// bound the whole build invocation (not just the tasks), since the
// scheduler itself has setup/teardown time outside any one task.
func (p *Profiler) Compute(wallStart, wallEnd time.Time) Summary {
	var s Summary
	s.TotalWallTime = wallEnd.Sub(wallStart)

	for _, id := range p.order {
		r := p.records[id]
		s.TotalCPUTime += r.Duration
		switch r.Result {
		case task.StateUpToDateLocal:
			s.Hits.DonefileHits++
		case task.StateRestoredFromShared:
			s.Hits.SharedHits++
		case task.StateSuccess:
			s.Hits.Executed++
		case task.StateSkipped:
			s.Hits.Skipped++
		case task.StateFailed:
			s.Hits.Failed++
		}
	}

	path, ms := p.criticalPath()
	s.CriticalPath = path
	s.CriticalPathMs = ms
	return s
}

// criticalPath finds the longest chain of successful tasks through strong
// dependencies, measured by cumulative duration.
func (p *Profiler) criticalPath() ([]string, int64) {
	memo := map[string]int64{}
	next := map[string]string{}

	var longest func(id string) int64
	longest = func(id string) int64 {
		if v, ok := memo[id]; ok {
			return v
		}
		r, ok := p.records[id]
		if !ok || r.Result == task.StateFailed || r.Result == task.StateSkipped {
			return 0
		}
		self := r.Duration.Milliseconds()
		best := int64(0)
		bestDep := ""
		for _, dep := range r.StrongDeps {
			v := longest(dep)
			if v > best {
				best = v
				bestDep = dep
			}
		}
		total := self + best
		memo[id] = total
		if bestDep != "" {
			next[id] = bestDep
		}
		return total
	}

	var bestRoot string
	var bestTotal int64
	for _, id := range p.order {
		if v := longest(id); v > bestTotal {
			bestTotal = v
			bestRoot = id
		}
	}
	if bestRoot == "" {
		return nil, 0
	}

	var chain []string
	for id := bestRoot; id != ""; id = next[id] {
		chain = append(chain, id)
	}
	return chain, bestTotal
}

// PrintText renders the human-readable single summary block.
func (p *Profiler) PrintText(s Summary) string {
	return fmt.Sprintf(
		"\nTasks:    %d successful, %d cached (donefile), %d cached (shared), %d skipped, %d failed\n"+
			"Time:     %s (wall), %s (cpu)\n"+
			"Critical: %s (%s)\n",
		s.Hits.Executed, s.Hits.DonefileHits, s.Hits.SharedHits, s.Hits.Skipped, s.Hits.Failed,
		s.TotalWallTime.Round(time.Millisecond), s.TotalCPUTime.Round(time.Millisecond),
		joinArrow(s.CriticalPath), time.Duration(s.CriticalPathMs)*time.Millisecond,
	)
}

// JSON renders the full per-task record set for the
// "--summarize"/SAIL_RUN_SUMMARY machine-readable dump.
func (p *Profiler) JSON() ([]byte, error) {
	ids := append([]string{}, p.order...)
	sort.Strings(ids)
	recs := make([]*TaskRecord, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, p.records[id])
	}
	return json.MarshalIndent(recs, "", "  ")
}

func joinArrow(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += " -> "
		}
		out += id
	}
	if out == "" {
		return "(none)"
	}
	return out
}
