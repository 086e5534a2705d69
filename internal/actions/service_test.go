package actions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nendo-server/internal/config"
	"nendo-server/internal/domain"
	"nendo-server/internal/queue"
	"nendo-server/internal/runner"
)

type fakeKiller struct {
	mu     sync.Mutex
	killed []string
}

func (f *fakeKiller) Kill(_ context.Context, name string) error {
	f.mu.Lock()
	f.killed = append(f.killed, name)
	f.mu.Unlock()
	return nil
}

func testService(t *testing.T) (*Service, *queue.Broker, *fakeKiller) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	broker := queue.NewBroker(rdb, time.Hour)
	cfg := config.Defaults()
	cfg.Library.ChunkActions = false
	killer := &fakeKiller{}
	return NewService(cfg, broker, nil, killer), broker, killer
}

func TestCreateDockerAction(t *testing.T) {
	svc, broker, _ := testService(t)
	userID := uuid.New()

	ids, err := svc.CreateDockerAction(context.Background(), userID, CreateRequest{
		ActionName: "MusicGen",
		Image:      "nendo/musicgen",
		ScriptPath: "musicgen/musicgen.py",
		Plugins:    []string{"nendo_plugin_musicgen"},
		GPU:        true,
		TargetID:   "some-collection",
		Parameters: map[string]interface{}{"prompt": "lofi beat"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	job, err := broker.FetchJob(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, userID.String()+queue.GPUSuffix, job.Queue)
	assert.Equal(t, "MusicGen", job.ActionName)
	assert.Equal(t, domain.ActionQueued, job.Status)
	assert.Equal(t, "MusicGen", job.Meta["action_name"])
	assert.Equal(t, "some-collection", job.Meta["target"])

	var spec runner.ActionSpec
	require.NoError(t, json.Unmarshal(job.Payload, &spec))
	assert.Equal(t, "nendo/musicgen", spec.Image)
	assert.True(t, spec.GPU)
	assert.Contains(t, spec.Command, "--prompt=lofi beat")
	assert.Contains(t, spec.Command, "--target_id=some-collection")
}

func TestCreateDockerActionCPUQueue(t *testing.T) {
	svc, broker, _ := testService(t)
	userID := uuid.New()

	ids, err := svc.CreateDockerAction(context.Background(), userID, CreateRequest{
		ActionName: "Web Import",
		Image:      "nendo/webimport",
	})
	require.NoError(t, err)

	job, err := broker.FetchJob(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, userID.String(), job.Queue)
}

func TestSplitTracksReportsSkipped(t *testing.T) {
	long := &domain.Track{ID: uuid.New(), Meta: map[string]interface{}{"title": "epic jam", "duration": 9000.0}}
	a := &domain.Track{ID: uuid.New(), Meta: map[string]interface{}{"duration": 100.0}}
	b := &domain.Track{ID: uuid.New(), Meta: map[string]interface{}{"duration": 150.0}}

	chunks, skipped := splitTracks([]*domain.Track{a, long, b}, 3600, 200)
	require.Len(t, chunks, 2)
	assert.Equal(t, []uuid.UUID{a.ID}, chunks[0])
	assert.Equal(t, []uuid.UUID{b.ID}, chunks[1])
	assert.Equal(t, []string{"Skipped epic jam: Too long."}, skipped)
}

func TestSplitTracksSkipMessageWithoutTitle(t *testing.T) {
	long := &domain.Track{ID: uuid.New(), Meta: map[string]interface{}{"duration": 9000.0}}

	chunks, skipped := splitTracks([]*domain.Track{long}, 3600, 0)
	assert.Empty(t, chunks)
	assert.Equal(t, []string{"Skipped " + long.ID.String() + ": Too long."}, skipped)
}

func TestChunkingOnlyForGPUActions(t *testing.T) {
	svc, broker, _ := testService(t)
	svc.cfg.Library.ChunkActions = true
	userID := uuid.New()
	target := uuid.New().String()

	// CPU run with a collection-shaped target must not consult the library
	// at all; the service here has none wired.
	ids, err := svc.CreateDockerAction(context.Background(), userID, CreateRequest{
		ActionName: "Web Import",
		Image:      "nendo/webimport",
		TargetID:   target,
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	job, err := broker.FetchJob(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, target, job.Meta["target"])
	assert.Equal(t, []interface{}{}, job.Meta["errors"])
}

func TestGetActionStatusScopedToUser(t *testing.T) {
	svc, _, _ := testService(t)
	userID := uuid.New()

	ids, err := svc.CreateDockerAction(context.Background(), userID, CreateRequest{
		ActionName: "Polymath", Image: "nendo/polymath",
	})
	require.NoError(t, err)

	status, err := svc.GetActionStatus(context.Background(), userID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[0], status.ID)
	assert.Equal(t, domain.ActionQueued, status.Status)

	// Another user must not see the job.
	_, err = svc.GetActionStatus(context.Background(), uuid.New(), ids[0])
	assert.True(t, errors.Is(err, domain.ErrJobNotFound))
}

func TestGetAllActionStatuses(t *testing.T) {
	svc, _, _ := testService(t)
	userID := uuid.New()

	for _, name := range []string{"A", "B"} {
		_, err := svc.CreateDockerAction(context.Background(), userID, CreateRequest{
			ActionName: name, Image: "nendo/test",
		})
		require.NoError(t, err)
	}

	statuses, err := svc.GetAllActionStatuses(context.Background(), userID)
	require.NoError(t, err)
	assert.Len(t, statuses, 2)
}

func TestAbortQueuedAction(t *testing.T) {
	svc, broker, killer := testService(t)
	userID := uuid.New()

	ids, err := svc.CreateDockerAction(context.Background(), userID, CreateRequest{
		ActionName: "Polymath", Image: "nendo/polymath",
	})
	require.NoError(t, err)

	require.NoError(t, svc.AbortAction(context.Background(), userID, ids[0]))

	job, err := broker.FetchJob(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCanceled, job.Status)
	assert.Empty(t, killer.killed)
}

func TestAbortStartedActionKillsContainer(t *testing.T) {
	svc, broker, killer := testService(t)
	userID := uuid.New()

	ids, err := svc.CreateDockerAction(context.Background(), userID, CreateRequest{
		ActionName: "Polymath", Image: "nendo/polymath",
	})
	require.NoError(t, err)

	job, err := broker.FetchJob(context.Background(), ids[0])
	require.NoError(t, err)
	require.NoError(t, broker.MarkStarted(context.Background(), job))

	require.NoError(t, svc.AbortAction(context.Background(), userID, ids[0]))
	assert.Contains(t, killer.killed, ids[0])
}

func TestAbortFinishedActionIsNoop(t *testing.T) {
	svc, broker, killer := testService(t)
	userID := uuid.New()

	ids, err := svc.CreateDockerAction(context.Background(), userID, CreateRequest{
		ActionName: "Polymath", Image: "nendo/polymath",
	})
	require.NoError(t, err)

	job, err := broker.FetchJob(context.Background(), ids[0])
	require.NoError(t, err)
	require.NoError(t, broker.MarkStarted(context.Background(), job))
	require.NoError(t, broker.MarkFinished(context.Background(), job, "ok"))

	require.NoError(t, svc.AbortAction(context.Background(), userID, ids[0]))
	assert.Empty(t, killer.killed)
}
