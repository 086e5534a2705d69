// Package actions enqueues docker action jobs and reports their status.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"nendo-server/internal/config"
	"nendo-server/internal/domain"
	"nendo-server/internal/logging"
	"nendo-server/internal/postgres"
	"nendo-server/internal/queue"
	"nendo-server/internal/runner"
)

// ContainerKiller force-removes a job's container on abort. Satisfied by
// runner.Runner.
type ContainerKiller interface {
	Kill(ctx context.Context, name string) error
}

// CreateRequest describes one docker action to enqueue.
type CreateRequest struct {
	ActionName        string
	Image             string
	ScriptPath        string
	Plugins           []string
	GPU               bool
	ExecRun           bool
	ContainerName     string
	ReplacePluginData bool
	Env               map[string]string
	TargetID          string
	Parameters        map[string]interface{}
	Timeout           time.Duration
}

type Service struct {
	cfg    config.Config
	broker *queue.Broker
	lib    *postgres.Library
	killer ContainerKiller
}

func NewService(cfg config.Config, broker *queue.Broker, lib *postgres.Library, killer ContainerKiller) *Service {
	return &Service{cfg: cfg, broker: broker, lib: lib, killer: killer}
}

// CreateDockerAction enqueues one job per chunk of the target and returns the
// job ids. Targets small enough for a single run produce exactly one job.
func (s *Service) CreateDockerAction(ctx context.Context, userID uuid.UUID, req CreateRequest) ([]string, error) {
	targets, skipped, err := s.chunkTargets(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	queueName, gpuQueue := queue.UserQueues(userID.String(), s.cfg.Workers.UseGPU)
	if req.GPU && gpuQueue != "" {
		queueName = gpuQueue
	}

	ids := make([]string, 0, len(targets))
	for i, target := range targets {
		jobID := queue.NewJobID(req.ActionName)

		params := make(map[string]interface{}, len(req.Parameters)+1)
		for k, v := range req.Parameters {
			params[k] = v
		}
		if target != "" {
			params["target_id"] = target
		}
		cmd, err := runner.BuildCommand(userID.String(), jobID, params)
		if err != nil {
			return nil, err
		}

		payload, err := json.Marshal(runner.ActionSpec{
			UserID:            userID.String(),
			Image:             req.Image,
			ScriptPath:        req.ScriptPath,
			Command:           cmd,
			Plugins:           req.Plugins,
			GPU:               req.GPU,
			ContainerName:     req.ContainerName,
			ExecRun:           req.ExecRun,
			ReplacePluginData: req.ReplacePluginData,
			Env:               req.Env,
			Timeout:           req.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal action payload: %w", err)
		}

		jobErrors := []string{}
		if i == len(targets)-1 && len(skipped) > 0 {
			// Skipped tracks are reported on the last job so clients see
			// them once per action run.
			jobErrors = skipped
		}
		job := &queue.Job{
			ID:         jobID,
			Queue:      queueName,
			ActionName: req.ActionName,
			Meta: map[string]interface{}{
				"action_name": req.ActionName,
				"parameters":  fmt.Sprint(req.Parameters),
				"target":      target,
				"errors":      jobErrors,
			},
			Payload: payload,
		}
		if err := s.broker.Enqueue(ctx, job); err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", req.ActionName, err)
		}
		logging.Info("action enqueued",
			"job_id", jobID, "action", req.ActionName, "queue", queueName, "target", target)
		ids = append(ids, jobID)
	}
	return ids, nil
}

// chunkTargets resolves the request target into the list of per-job targets.
// Collections longer than the chunk limit are split into temp collections,
// tracks over the track limit are skipped and reported back to the caller.
// Only GPU actions get chunked; CPU runs take the target as given.
func (s *Service) chunkTargets(ctx context.Context, userID uuid.UUID, req CreateRequest) ([]string, []string, error) {
	gpu := req.GPU && s.cfg.Workers.UseGPU
	if !s.cfg.Library.ChunkActions || !gpu || req.TargetID == "" {
		return []string{req.TargetID}, nil, nil
	}
	collectionID, err := uuid.Parse(req.TargetID)
	if err != nil {
		return []string{req.TargetID}, nil, nil
	}
	if _, err := s.lib.GetCollection(ctx, collectionID, userID); err != nil {
		// Not a collection of this user, run against the target as given.
		return []string{req.TargetID}, nil, nil
	}

	tracks, _, err := s.lib.GetTracks(ctx, postgres.TrackQuery{
		UserID:       userID,
		CollectionID: &collectionID,
	})
	if err != nil {
		return nil, nil, err
	}

	chunks, skipped := splitTracks(tracks, s.cfg.Library.MaxTrackDuration, s.cfg.Library.MaxChunkDuration)
	if len(chunks) <= 1 {
		return []string{req.TargetID}, skipped, nil
	}

	targets := make([]string, 0, len(chunks))
	for i, ids := range chunks {
		c, err := s.lib.CreateCollection(ctx, &domain.Collection{
			Name:           fmt.Sprintf("%s chunk %d", req.ActionName, i+1),
			CollectionType: domain.CollectionTypeTemp,
			UserID:         userID,
			Visibility:     domain.VisibilityPrivate,
		}, ids)
		if err != nil {
			return nil, nil, fmt.Errorf("create chunk collection: %w", err)
		}
		targets = append(targets, c.ID.String())
	}
	return targets, skipped, nil
}

// splitTracks packs tracks into chunks of at most maxChunk seconds. Tracks
// over maxTrack seconds are dropped; the returned messages name them so the
// action status can surface the skips.
func splitTracks(tracks []*domain.Track, maxTrack, maxChunk float64) ([][]uuid.UUID, []string) {
	var chunks [][]uuid.UUID
	var current []uuid.UUID
	var currentDuration float64
	skipped := []string{}
	for _, t := range tracks {
		d := postgres.TrackDuration(t)
		if maxTrack > 0 && d > maxTrack {
			logging.Warn("skipping over-long track",
				"track_id", t.ID, "duration", d, "max_track_duration", maxTrack)
			skipped = append(skipped, fmt.Sprintf("Skipped %s: Too long.", trackTitle(t)))
			continue
		}
		if maxChunk > 0 && len(current) > 0 && currentDuration+d > maxChunk {
			chunks = append(chunks, current)
			current, currentDuration = nil, 0
		}
		current = append(current, t.ID)
		currentDuration += d
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks, skipped
}

func trackTitle(t *domain.Track) string {
	if title, ok := t.Meta["title"].(string); ok && title != "" {
		return title
	}
	return t.ID.String()
}

// GetActionStatus returns the status of one of the user's jobs.
func (s *Service) GetActionStatus(ctx context.Context, userID uuid.UUID, jobID string) (*domain.ActionStatus, error) {
	job, err := s.fetchOwned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	st := job.ActionStatus()
	return &st, nil
}

// GetAllActionStatuses lists the user's jobs, newest first.
func (s *Service) GetAllActionStatuses(ctx context.Context, userID uuid.UUID) ([]domain.ActionStatus, error) {
	cpuQueue, gpuQueue := queue.UserQueues(userID.String(), true)
	ids, err := s.broker.AllJobIDs(ctx, []string{cpuQueue, gpuQueue})
	if err != nil {
		return nil, err
	}

	statuses := make([]domain.ActionStatus, 0, len(ids))
	for _, id := range ids {
		job, err := s.broker.FetchJob(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		statuses = append(statuses, job.ActionStatus())
	}
	sort.SliceStable(statuses, func(i, j int) bool {
		return statuses[i].EnqueuedAt > statuses[j].EnqueuedAt
	})
	return statuses, nil
}

// AbortAction cancels a queued job or stops a running one, killing its
// container. Aborting an already finished job is a no-op.
func (s *Service) AbortAction(ctx context.Context, userID uuid.UUID, jobID string) error {
	job, err := s.fetchOwned(ctx, userID, jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case domain.ActionQueued, domain.ActionDeferred, domain.ActionScheduled:
		if err := s.broker.CancelQueued(ctx, job); err != nil {
			return err
		}
	case domain.ActionStarted:
		if err := s.broker.SendStopCommand(ctx, job.ID); err != nil {
			return err
		}
		if s.killer != nil {
			if err := s.killer.Kill(ctx, job.ID); err != nil {
				logging.Warn("killing aborted job container failed", "job_id", job.ID, "error", err)
			}
		}
	default:
		return nil
	}
	logging.Info("action aborted", "job_id", job.ID, "previous_status", string(job.Status))
	return nil
}

func (s *Service) fetchOwned(ctx context.Context, userID uuid.UUID, jobID string) (*queue.Job, error) {
	job, err := s.broker.FetchJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	cpuQueue, gpuQueue := queue.UserQueues(userID.String(), true)
	if job.Queue != cpuQueue && job.Queue != gpuQueue {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}
