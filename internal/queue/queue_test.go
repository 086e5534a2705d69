package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nendo-server/internal/domain"
)

func testBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewBroker(rdb, time.Hour), mr
}

func TestNewJobID(t *testing.T) {
	id := NewJobID("Music Analysis")
	require.True(t, strings.HasPrefix(id, "Music_Analysis_"))
	assert.Len(t, strings.TrimPrefix(id, "Music_Analysis_"), 8)
	assert.NotEqual(t, id, NewJobID("Music Analysis"))
}

func TestUserQueues(t *testing.T) {
	cpu, gpu := UserQueues("u1", true)
	assert.Equal(t, "u1", cpu)
	assert.Equal(t, "u1-gpu", gpu)

	cpu, gpu = UserQueues("u1", false)
	assert.Equal(t, "u1", cpu)
	assert.Empty(t, gpu)
}

func TestEnqueueFetchDequeue(t *testing.T) {
	broker, _ := testBroker(t)
	ctx := context.Background()

	job := &Job{
		Queue:      "user1",
		ActionName: "Polymath",
		Meta:       map[string]interface{}{"target": "lib"},
		Payload:    json.RawMessage(`{"image":"nendo/polymath"}`),
	}
	require.NoError(t, broker.Enqueue(ctx, job))
	require.NotEmpty(t, job.ID)
	assert.Equal(t, domain.ActionQueued, job.Status)

	fetched, err := broker.FetchJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, fetched.ID)
	assert.Equal(t, "user1", fetched.Queue)
	assert.Equal(t, "Polymath", fetched.ActionName)
	assert.Equal(t, domain.ActionQueued, fetched.Status)
	assert.Equal(t, "lib", fetched.Meta["target"])
	assert.JSONEq(t, `{"image":"nendo/polymath"}`, string(fetched.Payload))
	assert.False(t, fetched.EnqueuedAt.IsZero())

	popped, err := broker.Dequeue(ctx, []string{"user1"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, job.ID, popped.ID)
}

func TestDequeueEmptyQueueTimesOut(t *testing.T) {
	broker, _ := testBroker(t)

	job, err := broker.Dequeue(context.Background(), []string{"nobody"}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestFetchJobUnknown(t *testing.T) {
	broker, _ := testBroker(t)

	_, err := broker.FetchJob(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrJobNotFound))
}

func TestJobLifecycle(t *testing.T) {
	broker, mr := testBroker(t)
	ctx := context.Background()

	job := &Job{Queue: "user1", ActionName: "MusicGen"}
	require.NoError(t, broker.Enqueue(ctx, job))
	require.NoError(t, broker.MarkStarted(ctx, job))

	fetched, err := broker.FetchJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionStarted, fetched.Status)
	assert.False(t, fetched.StartedAt.IsZero())
	members, err := mr.Members(registryKey("user1", domain.ActionStarted))
	require.NoError(t, err)
	assert.Contains(t, members, job.ID)

	require.NoError(t, broker.MarkFinished(ctx, job, "42 stems"))

	fetched, err = broker.FetchJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFinished, fetched.Status)
	assert.Equal(t, "42 stems", fetched.Result)
	assert.False(t, fetched.EndedAt.IsZero())
	// Finished jobs expire with the result TTL.
	assert.Greater(t, mr.TTL(jobKey(job.ID)), time.Duration(0))
}

func TestMarkFailed(t *testing.T) {
	broker, _ := testBroker(t)
	ctx := context.Background()

	job := &Job{Queue: "user1", ActionName: "VoiceGen"}
	require.NoError(t, broker.Enqueue(ctx, job))
	require.NoError(t, broker.MarkStarted(ctx, job))
	require.NoError(t, broker.MarkFailed(ctx, job, errors.New("exit code 1")))

	fetched, err := broker.FetchJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFailed, fetched.Status)
	assert.Equal(t, "exit code 1", fetched.Error)
}

func TestCancelQueued(t *testing.T) {
	broker, _ := testBroker(t)
	ctx := context.Background()

	job := &Job{Queue: "user1", ActionName: "Web Import"}
	require.NoError(t, broker.Enqueue(ctx, job))
	require.NoError(t, broker.CancelQueued(ctx, job))

	fetched, err := broker.FetchJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCanceled, fetched.Status)

	// The id left the queue list, a second cancel finds nothing.
	assert.True(t, errors.Is(broker.CancelQueued(ctx, job), domain.ErrJobNotFound))

	popped, err := broker.Dequeue(ctx, []string{"user1"}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, popped)
}

func TestSaveMeta(t *testing.T) {
	broker, _ := testBroker(t)
	ctx := context.Background()

	job := &Job{Queue: "user1", ActionName: "Polymath"}
	require.NoError(t, broker.Enqueue(ctx, job))

	job.SetMeta("progress", "3/10")
	require.NoError(t, broker.SaveMeta(ctx, job))

	fetched, err := broker.FetchJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "3/10", fetched.Meta["progress"])
}

func TestAllJobIDs(t *testing.T) {
	broker, _ := testBroker(t)
	ctx := context.Background()

	first := &Job{Queue: "user1", ActionName: "A"}
	second := &Job{Queue: "user1-gpu", ActionName: "B"}
	require.NoError(t, broker.Enqueue(ctx, first))
	require.NoError(t, broker.Enqueue(ctx, second))
	require.NoError(t, broker.MarkStarted(ctx, second))

	ids, err := broker.AllJobIDs(ctx, []string{"user1", "user1-gpu"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
}

func TestStopCommandPubSub(t *testing.T) {
	broker, _ := testBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stops, unsub := broker.SubscribeStopCommands(ctx)
	defer unsub()

	// Subscription setup races the publish, retry until delivered.
	deadline := time.After(2 * time.Second)
	for {
		require.NoError(t, broker.SendStopCommand(ctx, "job-123"))
		select {
		case got := <-stops:
			assert.Equal(t, "job-123", got)
			return
		case <-deadline:
			t.Fatal("stop command never delivered")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestJobActionStatus(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	job := &Job{
		ID:         "Polymath_abc12345",
		Status:     domain.ActionFinished,
		EnqueuedAt: now,
		EndedAt:    now.Add(time.Minute),
		Result:     "ok",
	}
	st := job.ActionStatus()
	assert.Equal(t, "Polymath_abc12345", st.ID)
	assert.Equal(t, domain.ActionFinished, st.Status)
	assert.Equal(t, now.Format(time.RFC3339), st.EnqueuedAt)
	assert.Empty(t, st.StartedAt)
	assert.Equal(t, "ok", st.Result)
}
