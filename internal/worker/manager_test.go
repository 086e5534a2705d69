package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nendo-server/internal/config"
	"nendo-server/internal/domain"
	"nendo-server/internal/queue"
	"nendo-server/internal/runner"
)

type fakeExecutor struct {
	mu      sync.Mutex
	ran     []string
	killed  []string
	result  string
	err     error
	blockOn bool
}

func (f *fakeExecutor) Run(ctx context.Context, jobID string, spec runner.ActionSpec) (string, error) {
	f.mu.Lock()
	f.ran = append(f.ran, jobID)
	block := f.blockOn
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.result, f.err
}

func (f *fakeExecutor) Kill(ctx context.Context, name string) error {
	f.mu.Lock()
	f.killed = append(f.killed, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeExecutor) ranJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func (f *fakeExecutor) killedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

func testSetup(t *testing.T, exec Executor, cfg config.WorkerConfig) (*Manager, *queue.Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	broker := queue.NewBroker(rdb, time.Hour)
	return NewManager(broker, exec, cfg), broker
}

func enqueueAction(t *testing.T, broker *queue.Broker, queueName string) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(runner.ActionSpec{Image: "nendo/polymath"})
	require.NoError(t, err)
	job := &queue.Job{Queue: queueName, ActionName: "Polymath", Payload: payload}
	require.NoError(t, broker.Enqueue(context.Background(), job))
	return job
}

func waitForStatus(t *testing.T, broker *queue.Broker, jobID string, want domain.ActionState) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := broker.FetchJob(context.Background(), jobID)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
	return nil
}

func workerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		NumUserCPUWorkers: 1,
		NumGPUWorkers:     1,
		UseGPU:            true,
		JobTimeout:        config.Duration(time.Minute),
	}
}

func TestManagerRunsQueuedJob(t *testing.T) {
	exec := &fakeExecutor{result: "done"}
	mgr, broker := testSetup(t, exec, workerConfig())

	job := enqueueAction(t, broker, "user1")

	mgr.Start(context.Background(), []string{"user1"})
	defer mgr.Shutdown()

	finished := waitForStatus(t, broker, job.ID, domain.ActionFinished)
	assert.Equal(t, "done", finished.Result)
	assert.Contains(t, exec.ranJobs(), job.ID)
}

type ctxExecutor struct {
	mu          sync.Mutex
	hadDeadline bool
	ctxErr      error
}

func (f *ctxExecutor) Run(ctx context.Context, jobID string, spec runner.ActionSpec) (string, error) {
	f.mu.Lock()
	_, f.hadDeadline = ctx.Deadline()
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	return "ok", nil
}

func (f *ctxExecutor) Kill(ctx context.Context, name string) error { return nil }

func TestManagerZeroTimeoutRunsOpenEnded(t *testing.T) {
	exec := &ctxExecutor{}
	cfg := workerConfig()
	cfg.JobTimeout = 0
	mgr, broker := testSetup(t, exec, cfg)

	job := enqueueAction(t, broker, "user1")

	mgr.Start(context.Background(), []string{"user1"})
	defer mgr.Shutdown()

	waitForStatus(t, broker, job.ID, domain.ActionFinished)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.False(t, exec.hadDeadline)
	assert.NoError(t, exec.ctxErr)
}

func TestManagerRecordsFailure(t *testing.T) {
	exec := &fakeExecutor{err: assert.AnError}
	mgr, broker := testSetup(t, exec, workerConfig())

	job := enqueueAction(t, broker, "user1")

	mgr.Start(context.Background(), []string{"user1"})
	defer mgr.Shutdown()

	failed := waitForStatus(t, broker, job.ID, domain.ActionFailed)
	assert.NotEmpty(t, failed.Error)
}

func TestManagerDrainsGPUQueue(t *testing.T) {
	exec := &fakeExecutor{result: "ok"}
	mgr, broker := testSetup(t, exec, workerConfig())

	job := enqueueAction(t, broker, "user1"+queue.GPUSuffix)

	mgr.Start(context.Background(), []string{"user1"})
	defer mgr.Shutdown()

	waitForStatus(t, broker, job.ID, domain.ActionFinished)
}

func TestManagerStopsRunningJob(t *testing.T) {
	exec := &fakeExecutor{blockOn: true}
	mgr, broker := testSetup(t, exec, workerConfig())

	job := enqueueAction(t, broker, "user1")

	mgr.Start(context.Background(), []string{"user1"})
	defer mgr.Shutdown()

	waitForStatus(t, broker, job.ID, domain.ActionStarted)
	require.NoError(t, broker.SendStopCommand(context.Background(), job.ID))

	waitForStatus(t, broker, job.ID, domain.ActionStopped)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(exec.killedJobs()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Contains(t, exec.killedJobs(), job.ID)
}

func TestManagerRejectsBadPayload(t *testing.T) {
	exec := &fakeExecutor{}
	mgr, broker := testSetup(t, exec, workerConfig())

	job := &queue.Job{Queue: "user1", ActionName: "Broken", Payload: json.RawMessage("not json")}
	require.NoError(t, broker.Enqueue(context.Background(), job))

	mgr.Start(context.Background(), []string{"user1"})
	defer mgr.Shutdown()

	failed := waitForStatus(t, broker, job.ID, domain.ActionFailed)
	assert.Contains(t, failed.Error, "invalid job payload")
	assert.Empty(t, exec.ranJobs())
}

func TestSpawnWorkersIsIdempotent(t *testing.T) {
	exec := &fakeExecutor{result: "ok"}
	mgr, broker := testSetup(t, exec, workerConfig())

	mgr.Start(context.Background(), nil)
	defer mgr.Shutdown()

	mgr.SpawnWorkers("user1")
	mgr.SpawnWorkers("user1")

	job := enqueueAction(t, broker, "user1")
	waitForStatus(t, broker, job.ID, domain.ActionFinished)
}
