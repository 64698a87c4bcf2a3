package workerpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOnWorkerSuccess(t *testing.T) {
	p := New(Options{})
	defer p.Reset()

	res, err := p.RunOnWorker(context.Background(), "tsc", "echo hello", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)
	assert.Contains(t, res.Stdout, "hello")
}

func TestRunOnWorkerNonZeroExitIsNotAnError(t *testing.T) {
	p := New(Options{})
	defer p.Reset()

	res, err := p.RunOnWorker(context.Background(), "eslint", "exit 3", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Code)
}

func TestRunOnWorkerReusesIdleWorker(t *testing.T) {
	p := New(Options{})
	defer p.Reset()

	_, err := p.RunOnWorker(context.Background(), "tsc", "true", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, p.LiveCount())

	_, err = p.RunOnWorker(context.Background(), "tsc", "true", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, p.LiveCount(), "a second dispatch to the same workerName should reuse the idle worker")
}

func TestRunOnWorkerDistinctNamesGetDistinctWorkers(t *testing.T) {
	p := New(Options{})
	defer p.Reset()

	_, err := p.RunOnWorker(context.Background(), "tsc", "true", t.TempDir())
	require.NoError(t, err)
	_, err = p.RunOnWorker(context.Background(), "eslint", "true", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, p.LiveCount())
}

func TestRunOnWorkerMemoryLimitEvictsWorker(t *testing.T) {
	p := New(Options{MemoryLimitBytes: 1})
	defer p.Reset()

	_, err := p.RunOnWorker(context.Background(), "tsc", "true", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, p.LiveCount(), "a worker over the memory limit must be discarded, not returned to idle")
}

func TestRunOnWorkerAfterResetReturnsClosedError(t *testing.T) {
	p := New(Options{})
	p.Reset()

	_, err := p.RunOnWorker(context.Background(), "tsc", "true", t.TempDir())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerErrorUnwraps(t *testing.T) {
	cause := context.Canceled
	werr := &WorkerError{WorkerName: "tsc", Cause: cause}
	assert.ErrorIs(t, werr, context.Canceled)
	assert.Contains(t, werr.Error(), "tsc")
}
