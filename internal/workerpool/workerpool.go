// Package workerpool maintains a pool of reusable workers that amortize
// the startup cost of hot tools like tsc, biome, and eslint across many
// task invocations, with a per-worker memory cap. Each worker is backed
// by one persistent child shell process that many dispatches are piped
// through in turn, so the process itself (not just a bookkeeping handle)
// is reused across tasks.
package workerpool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// WorkerError is returned when a worker crashes mid-task: the in-flight
// task fails, and the worker is discarded rather than returned to the
// idle pool.
type WorkerError struct {
	WorkerName string
	Cause      error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %q crashed: %v", e.WorkerName, e.Cause)
}

func (e *WorkerError) Unwrap() error { return e.Cause }

// ErrPoolClosed is returned by RunOnWorker for any dispatch that starts
// once Reset has been called.
var ErrPoolClosed = fmt.Errorf("worker pool is closed")

// Result is one task's outcome as reported by the worker that ran it.
type Result struct {
	Code       int
	Stdout     string
	Stderr     string
	MemoryRSS  int64
	WorkerName string
}

// Options configures the pool from the worker.* config keys.
type Options struct {
	// UseThreads is recorded on each worker; it does not change how a
	// worker runs. Every worker is a persistent /bin/sh child process
	// whichever way it is set.
	UseThreads bool
	// MemoryLimitBytes caps a worker's RSS; exceeding it kills the worker
	// instead of returning it to the idle pool.
	MemoryLimitBytes int64
	// MaxCount is the live-worker count at which starting another worker
	// logs a debug message. The worker is still started: MaxCount does not
	// cap the number of live workers, which only the scheduler's own
	// concurrency bounds. Zero turns the message off.
	MaxCount int
	Logger   hclog.Logger
}

// Pool is the long-lived set of workers for one build invocation.
type Pool struct {
	opts Options

	mu     sync.Mutex
	idle   map[string][]*worker // keyed by workerName
	live   int
	closed bool
}

// New constructs an empty Pool.
func New(opts Options) *Pool {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &Pool{opts: opts, idle: map[string][]*worker{}}
}

// dispatchDonePrefix marks the line a worker's persistent shell prints on
// its real stdout pipe once one dispatched command finishes.
// The command's own stdout/stderr never touch
// this pipe -- each dispatch redirects them to a pair of temp files instead
// -- so the only lines the pool ever reads back from a worker's stdout are
// its own framing, never task output.
const dispatchDonePrefix = "__sail_worker_done__ "

// worker is one persistent `/bin/sh` process (or, for useThreads, the same
// process model run in-process via a goroutine -- Go has no user-space
// isolate primitive, so the substrate that actually amortizes startup is
// the persistent shell either way; only how the pool would eventually
// schedule it across OS threads differs). Many commands are piped through
// the same process in turn via dispatch, one at a time, which is what
// amortizes the shell's own startup cost across dispatches.
type worker struct {
	id         string
	name       string
	useThreads bool
	logger     hclog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	pid    int
	exited chan struct{}

	mu     sync.Mutex
	killed bool
}

// newWorker starts the persistent shell process backing one worker.
func newWorker(name string, useThreads bool, logger hclog.Logger) (*worker, error) {
	cmd := exec.Command("/bin/sh")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	w := &worker{
		id:         uuid.NewString(),
		name:       name,
		useThreads: useThreads,
		logger:     logger,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     bufio.NewReader(stdout),
		pid:        cmd.Process.Pid,
		exited:     make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(w.exited)
	}()
	return w, nil
}

// RunOnWorker acquires an idle worker tagged workerName (or starts a fresh
// one), dispatches command to run in cwd, and returns its result. On
// completion, if the worker's measured memory exceeds the configured limit
// it is killed rather than returned to the idle pool.
func (p *Pool) RunOnWorker(ctx context.Context, workerName, command, cwd string) (Result, error) {
	w, err := p.acquire(workerName)
	if err != nil {
		return Result{}, err
	}

	res, err := w.run(ctx, command, cwd)
	if err != nil {
		// Worker crashed or the context was cancelled; it is not returned
		// to the idle pool. The next task needing workerName allocates a
		// fresh worker.
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		return res, err
	}

	if p.opts.MemoryLimitBytes > 0 && res.MemoryRSS > p.opts.MemoryLimitBytes {
		p.opts.Logger.Warn("worker exceeded memory limit, terminating", "worker", workerName, "rss", res.MemoryRSS, "limit", p.opts.MemoryLimitBytes)
		w.terminate()
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		return res, nil
	}

	p.release(workerName, w)
	return res, nil
}

func (p *Pool) acquire(workerName string) (*worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if pool := p.idle[workerName]; len(pool) > 0 {
		w := pool[len(pool)-1]
		p.idle[workerName] = pool[:len(pool)-1]
		p.mu.Unlock()
		return w, nil
	}
	if p.opts.MaxCount > 0 && p.live >= p.opts.MaxCount {
		// No idle worker and we're at the cap: the caller still gets a
		// worker rather than blocking, since the scheduler's own
		// concurrency ceiling is what actually bounds in-flight work. Log
		// it so operators can see pressure building.
		p.opts.Logger.Debug("worker pool at max count, allocating anyway", "name", workerName, "live", p.live)
	}
	p.live++
	p.mu.Unlock()

	w, err := newWorker(workerName, p.opts.UseThreads, p.opts.Logger)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		return nil, &WorkerError{WorkerName: workerName, Cause: err}
	}
	return w, nil
}

func (p *Pool) release(workerName string, w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		w.terminate()
		return
	}
	p.idle[workerName] = append(p.idle[workerName], w)
}

// Reset closes the pool and terminates every idle worker. A worker that is
// running a task when Reset is called is not interrupted: the task finishes
// and returns its result normally, and the worker is terminated when it is
// released instead of going back to the idle pool.
func (p *Pool) Reset() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = map[string][]*worker{}
	p.mu.Unlock()

	for _, workers := range idle {
		for _, w := range workers {
			w.terminate()
		}
	}
}

// LiveCount reports the number of workers currently allocated (idle +
// in-flight).
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// terminate kills the worker's persistent process, SIGTERM first and
// SIGKILL after a grace period if it hasn't exited on its own.
func (w *worker) terminate() {
	w.mu.Lock()
	if w.killed {
		w.mu.Unlock()
		return
	}
	w.killed = true
	proc := w.cmd.Process
	exited := w.exited
	w.mu.Unlock()

	if proc == nil {
		return
	}
	_ = sendTerminate(proc)
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		_ = proc.Kill()
	}
}

// run dispatches one command to this worker's persistent shell: the
// command's stdout/stderr are redirected to a pair of temp files (so the
// worker's own stdout pipe only ever carries framing), and the shell
// reports completion by printing dispatchDonePrefix followed by the exit
// code once the subshell running command returns.
// The command runs inside parens, not braces, so that a command
// which itself calls `exit` only terminates that subshell, not the
// persistent worker shell reading the next dispatch from stdin.
func (w *worker) run(ctx context.Context, command, cwd string) (Result, error) {
	w.mu.Lock()
	if w.killed {
		w.mu.Unlock()
		return Result{}, ErrPoolClosed
	}
	w.mu.Unlock()

	stdoutPath, stderrPath, err := makeDispatchTempFiles()
	if err != nil {
		return Result{}, &WorkerError{WorkerName: w.name, Cause: err}
	}
	defer os.Remove(stdoutPath)
	defer os.Remove(stderrPath)

	script := fmt.Sprintf("(cd %s && %s) >%s 2>%s\nprintf '%s%%d\\n' $?\n",
		shellQuote(cwd), command, shellQuote(stdoutPath), shellQuote(stderrPath), dispatchDonePrefix)

	if _, err := io.WriteString(w.stdin, script); err != nil {
		w.terminate()
		return Result{}, &WorkerError{WorkerName: w.name, Cause: err}
	}

	type doneMsg struct {
		code int
		err  error
	}
	done := make(chan doneMsg, 1)
	go func() {
		for {
			line, err := w.stdout.ReadString('\n')
			if err != nil {
				done <- doneMsg{err: err}
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if !strings.HasPrefix(line, dispatchDonePrefix) {
				continue
			}
			code, convErr := strconv.Atoi(strings.TrimPrefix(line, dispatchDonePrefix))
			done <- doneMsg{code: code, err: convErr}
			return
		}
	}()

	select {
	case <-ctx.Done():
		w.terminate()
		return Result{}, &WorkerError{WorkerName: w.name, Cause: ctx.Err()}
	case <-w.exited:
		w.terminate()
		return Result{}, &WorkerError{WorkerName: w.name, Cause: fmt.Errorf("worker process exited unexpectedly")}
	case msg := <-done:
		if msg.err != nil {
			w.terminate()
			return Result{}, &WorkerError{WorkerName: w.name, Cause: msg.err}
		}
		stdout, _ := os.ReadFile(stdoutPath)
		stderr, _ := os.ReadFile(stderrPath)
		rss := processRSSForPID(w.pid)
		return Result{
			Code:       msg.code,
			Stdout:     string(stdout),
			Stderr:     string(stderr),
			MemoryRSS:  rss,
			WorkerName: w.name,
		}, nil
	}
}

// makeDispatchTempFiles creates (and closes, leaving only the path) the two
// scratch files one dispatch's stdout/stderr are redirected into.
func makeDispatchTempFiles() (stdoutPath, stderrPath string, err error) {
	out, err := os.CreateTemp("", "sail-worker-stdout-*")
	if err != nil {
		return "", "", err
	}
	out.Close()
	errF, err := os.CreateTemp("", "sail-worker-stderr-*")
	if err != nil {
		os.Remove(out.Name())
		return "", "", err
	}
	errF.Close()
	return out.Name(), errF.Name(), nil
}

// shellQuote wraps s in single quotes for safe interpolation into the
// dispatch script, escaping any embedded single quote the POSIX way.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
