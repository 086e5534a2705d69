// Package worker drains the per-user action queues. Every user gets a fixed
// set of CPU workers on their own queue, while a small shared pool serves all
// GPU queues round-robin so a single user cannot monopolize the GPUs.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nendo-server/internal/config"
	"nendo-server/internal/logging"
	"nendo-server/internal/queue"
	"nendo-server/internal/runner"
)

const dequeueBlock = 2 * time.Second

// Executor runs one action job to completion. Implemented by runner.Runner,
// faked in tests.
type Executor interface {
	Run(ctx context.Context, jobID string, spec runner.ActionSpec) (string, error)
	Kill(ctx context.Context, name string) error
}

// Manager owns the worker goroutines and the stop-command subscription.
type Manager struct {
	broker *queue.Broker
	exec   Executor
	cfg    config.WorkerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	cpuUsers  map[string]bool
	gpuQueues []string
	gpuUsers  map[string]bool
	gpuSpawn  bool
	running   map[string]context.CancelFunc
	stopping  map[string]bool
	unsub     func() error
}

func NewManager(broker *queue.Broker, exec Executor, cfg config.WorkerConfig) *Manager {
	return &Manager{
		broker:   broker,
		exec:     exec,
		cfg:      cfg,
		cpuUsers: map[string]bool{},
		gpuUsers: map[string]bool{},
		running:  map[string]context.CancelFunc{},
		stopping: map[string]bool{},
	}
}

// Start launches the stop-command listener and spawns workers for all known
// users. Further users are added through SpawnWorkers as they register.
func (m *Manager) Start(ctx context.Context, userIDs []string) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	stops, unsub := m.broker.SubscribeStopCommands(m.ctx)
	m.unsub = unsub
	m.wg.Add(1)
	go m.stopLoop(stops)

	for _, id := range userIDs {
		m.SpawnWorkers(id)
	}
	logging.Info("worker manager started",
		"users", len(userIDs),
		"cpu_workers_per_user", m.cfg.NumUserCPUWorkers,
		"gpu_workers", m.cfg.NumGPUWorkers)
}

// SpawnWorkers ensures the user's CPU workers exist and, when GPU support is
// enabled, registers the user's GPU queue with the shared pool. Idempotent.
func (m *Manager) SpawnWorkers(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cpuUsers[userID] {
		m.cpuUsers[userID] = true
		for i := 0; i < m.cfg.NumUserCPUWorkers; i++ {
			m.wg.Add(1)
			go m.workLoop([]string{userID}, fmt.Sprintf("cpu/%s/%d", userID, i))
		}
	}
	if m.cfg.UseGPU && !m.gpuUsers[userID] {
		m.gpuUsers[userID] = true
		m.gpuQueues = append(m.gpuQueues, userID+queue.GPUSuffix)
		if !m.gpuSpawn {
			m.gpuSpawn = true
			for i := 0; i < m.cfg.NumGPUWorkers; i++ {
				m.wg.Add(1)
				go m.workLoop(nil, fmt.Sprintf("gpu/%d", i))
			}
		}
	}
}

// Shutdown cancels all workers and waits for in-flight jobs to settle.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.unsub != nil {
		_ = m.unsub()
	}
	m.wg.Wait()
}

// workLoop pulls jobs from the given queues until the manager shuts down.
// GPU loops pass nil and re-read the registered queue list every round so
// newly registered users join the rotation.
func (m *Manager) workLoop(queues []string, name string) {
	defer m.wg.Done()
	for {
		if m.ctx.Err() != nil {
			return
		}
		if hb := m.cfg.HeartbeatInterval.Std(); hb > 0 {
			if err := m.broker.Heartbeat(m.ctx, name, 3*hb); err != nil && m.ctx.Err() == nil {
				logging.Warn("worker heartbeat failed", "worker", name, "error", err)
			}
		}
		qs := queues
		if qs == nil {
			qs = m.snapshotGPUQueues()
		}
		if len(qs) == 0 {
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(dequeueBlock):
			}
			continue
		}

		job, err := m.broker.Dequeue(m.ctx, qs, dequeueBlock)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			logging.Error("dequeue failed", "worker", name, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		m.runJob(job, name)
	}
}

func (m *Manager) snapshotGPUQueues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.gpuQueues))
	copy(out, m.gpuQueues)
	return out
}

func (m *Manager) runJob(job *queue.Job, worker string) {
	var spec runner.ActionSpec
	if err := json.Unmarshal(job.Payload, &spec); err != nil {
		_ = m.broker.MarkFailed(m.ctx, job, fmt.Errorf("invalid job payload: %w", err))
		return
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = m.cfg.JobTimeout.Std()
	}
	// A zero effective timeout means the job may run as long as it needs.
	var jobCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		jobCtx, cancel = context.WithTimeout(m.ctx, timeout)
	} else {
		jobCtx, cancel = context.WithCancel(m.ctx)
	}
	m.track(job.ID, cancel)
	defer m.untrack(job.ID)
	defer cancel()

	if err := m.broker.MarkStarted(m.ctx, job); err != nil {
		logging.Error("marking job started failed", "job_id", job.ID, "error", err)
		return
	}
	logging.Info("job started", "job_id", job.ID, "action", job.ActionName, "worker", worker)

	result, err := m.exec.Run(jobCtx, job.ID, spec)

	// Status writes outlive the manager context during shutdown.
	bg, bgCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer bgCancel()

	switch {
	case err == nil:
		_ = m.broker.MarkFinished(bg, job, result)
		logging.Info("job finished", "job_id", job.ID, "action", job.ActionName)
	case m.wasStopped(job.ID):
		_ = m.broker.MarkStopped(bg, job)
		logging.Info("job stopped", "job_id", job.ID, "action", job.ActionName)
	default:
		_ = m.broker.MarkFailed(bg, job, err)
		logging.Error("job failed", "job_id", job.ID, "action", job.ActionName, "error", err)
	}
}

// stopLoop cancels the context of any running job named in a stop command
// and kills its container in case the cancellation races container startup.
func (m *Manager) stopLoop(stops <-chan string) {
	defer m.wg.Done()
	for jobID := range stops {
		m.mu.Lock()
		cancel, ok := m.running[jobID]
		if ok {
			m.stopping[jobID] = true
		}
		m.mu.Unlock()
		if !ok {
			continue
		}
		cancel()
		if err := m.exec.Kill(context.Background(), jobID); err != nil {
			logging.Warn("killing stopped job container failed", "job_id", jobID, "error", err)
		}
	}
}

func (m *Manager) track(jobID string, cancel context.CancelFunc) {
	m.mu.Lock()
	m.running[jobID] = cancel
	m.mu.Unlock()
}

func (m *Manager) untrack(jobID string) {
	m.mu.Lock()
	delete(m.running, jobID)
	delete(m.stopping, jobID)
	m.mu.Unlock()
}

func (m *Manager) wasStopped(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping[jobID]
}
