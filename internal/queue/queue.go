package queue

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"nendo-server/internal/config"
	"nendo-server/internal/domain"
)

const (
	keyPrefix   = "nendo:"
	stopChannel = keyPrefix + "stop"
)

// GPUSuffix marks a user's GPU queue name.
const GPUSuffix = "-gpu"

// Broker wraps the Redis connection plus queue bookkeeping.
type Broker struct {
	rdb       *redis.Client
	resultTTL time.Duration
}

// NewClient builds the shared Redis client from config.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.User,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewBroker wraps an existing Redis client.
func NewBroker(rdb *redis.Client, resultTTL time.Duration) *Broker {
	if resultTTL <= 0 {
		resultTTL = 48 * time.Hour
	}
	return &Broker{rdb: rdb, resultTTL: resultTTL}
}

// Redis exposes the underlying client for callers that share the connection.
func (b *Broker) Redis() *redis.Client { return b.rdb }

func queueKey(name string) string { return keyPrefix + "queue:" + name }
func jobKey(id string) string     { return keyPrefix + "job:" + id }
func registryKey(queue string, state domain.ActionState) string {
	return keyPrefix + "registry:" + queue + ":" + string(state)
}

var registryStates = []domain.ActionState{
	domain.ActionQueued, domain.ActionStarted, domain.ActionFinished,
	domain.ActionFailed, domain.ActionCanceled, domain.ActionStopped,
}

// NewJobID builds an rq-style job id: the action name with spaces replaced,
// suffixed by eight random alphanumerics.
func NewJobID(actionName string) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	var sb strings.Builder
	for i := 0; i < 8; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			n = big.NewInt(int64(i))
		}
		sb.WriteByte(letters[n.Int64()])
	}
	return strings.ReplaceAll(actionName, " ", "_") + "_" + sb.String()
}

// UserQueues returns the CPU and (optionally empty) GPU queue names of a user.
func UserQueues(userID string, useGPU bool) (string, string) {
	if useGPU {
		return userID, userID + GPUSuffix
	}
	return userID, ""
}

// Enqueue stores the job hash and appends the id to its queue.
func (b *Broker) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = NewJobID(job.ActionName)
	}
	job.Status = domain.ActionQueued
	job.EnqueuedAt = time.Now().UTC()

	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, queueKey(job.Queue), job.ID)
	pipe.SAdd(ctx, registryKey(job.Queue, domain.ActionQueued), job.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *Broker) saveJob(ctx context.Context, job *Job) error {
	meta, err := json.Marshal(job.Meta)
	if err != nil {
		return err
	}
	fields := map[string]interface{}{
		"id":          job.ID,
		"queue":       job.Queue,
		"action_name": job.ActionName,
		"status":      string(job.Status),
		"enqueued_at": encodeTime(job.EnqueuedAt),
		"started_at":  encodeTime(job.StartedAt),
		"ended_at":    encodeTime(job.EndedAt),
		"meta":        string(meta),
		"result":      job.Result,
		"error":       job.Error,
		"payload":     string(job.Payload),
	}
	return b.rdb.HSet(ctx, jobKey(job.ID), fields).Err()
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FetchJob loads a job hash. Returns domain.ErrJobNotFound for unknown ids.
func (b *Broker) FetchJob(ctx context.Context, id string) (*Job, error) {
	fields, err := b.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, domain.ErrJobNotFound
	}
	job := &Job{
		ID:         fields["id"],
		Queue:      fields["queue"],
		ActionName: fields["action_name"],
		Status:     domain.ActionState(fields["status"]),
		EnqueuedAt: decodeTime(fields["enqueued_at"]),
		StartedAt:  decodeTime(fields["started_at"]),
		EndedAt:    decodeTime(fields["ended_at"]),
		Result:     fields["result"],
		Error:      fields["error"],
		Payload:    json.RawMessage(fields["payload"]),
	}
	if m := fields["meta"]; m != "" {
		_ = json.Unmarshal([]byte(m), &job.Meta)
	}
	return job, nil
}

// SaveMeta persists only the meta document of a job. Running actions use it
// for progress reporting.
func (b *Broker) SaveMeta(ctx context.Context, job *Job) error {
	meta, err := json.Marshal(job.Meta)
	if err != nil {
		return err
	}
	return b.rdb.HSet(ctx, jobKey(job.ID), "meta", string(meta)).Err()
}

// Dequeue blocks until a job id becomes available on any of the given
// queues, in priority order. A zero timeout blocks indefinitely.
func (b *Broker) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*Job, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = queueKey(q)
	}
	res, err := b.rdb.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply: %v", res)
	}
	return b.FetchJob(ctx, res[1])
}

func (b *Broker) moveRegistry(ctx context.Context, job *Job, from, to domain.ActionState) error {
	pipe := b.rdb.TxPipeline()
	pipe.SRem(ctx, registryKey(job.Queue, from), job.ID)
	pipe.SAdd(ctx, registryKey(job.Queue, to), job.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// MarkStarted transitions a job to started.
func (b *Broker) MarkStarted(ctx context.Context, job *Job) error {
	from := job.Status
	job.Status = domain.ActionStarted
	job.StartedAt = time.Now().UTC()
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	return b.moveRegistry(ctx, job, from, domain.ActionStarted)
}

// MarkFinished records a successful result and starts the result TTL.
func (b *Broker) MarkFinished(ctx context.Context, job *Job, result string) error {
	return b.finish(ctx, job, domain.ActionFinished, result, "")
}

// MarkFailed records a failure and starts the result TTL.
func (b *Broker) MarkFailed(ctx context.Context, job *Job, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return b.finish(ctx, job, domain.ActionFailed, "", msg)
}

// MarkStopped records an externally stopped job.
func (b *Broker) MarkStopped(ctx context.Context, job *Job) error {
	return b.finish(ctx, job, domain.ActionStopped, "", "stopped by user")
}

func (b *Broker) finish(ctx context.Context, job *Job, state domain.ActionState, result, errMsg string) error {
	from := job.Status
	job.Status = state
	job.EndedAt = time.Now().UTC()
	job.Result = result
	job.Error = errMsg
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	if err := b.moveRegistry(ctx, job, from, state); err != nil {
		return err
	}
	return b.rdb.Expire(ctx, jobKey(job.ID), b.resultTTL).Err()
}

// CancelQueued removes a still-pending job from its queue list and marks it
// canceled. It fails with ErrJobNotFound when the job already left the list.
func (b *Broker) CancelQueued(ctx context.Context, job *Job) error {
	removed, err := b.rdb.LRem(ctx, queueKey(job.Queue), 0, job.ID).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return domain.ErrJobNotFound
	}
	from := job.Status
	job.Status = domain.ActionCanceled
	job.EndedAt = time.Now().UTC()
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	if err := b.moveRegistry(ctx, job, from, domain.ActionCanceled); err != nil {
		return err
	}
	return b.rdb.Expire(ctx, jobKey(job.ID), b.resultTTL).Err()
}

// SendStopCommand asks whichever worker runs the job to cancel it.
func (b *Broker) SendStopCommand(ctx context.Context, jobID string) error {
	return b.rdb.Publish(ctx, stopChannel, jobID).Err()
}

// SubscribeStopCommands delivers stop-command job ids until ctx ends.
func (b *Broker) SubscribeStopCommands(ctx context.Context) (<-chan string, func() error) {
	sub := b.rdb.Subscribe(ctx, stopChannel)
	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close
}

// Heartbeat refreshes the liveness key advertising a worker.
func (b *Broker) Heartbeat(ctx context.Context, worker string, ttl time.Duration) error {
	return b.rdb.Set(ctx, keyPrefix+"worker:"+worker, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// AllJobIDs lists every job id known for the given queues across all
// registries, queued first.
func (b *Broker) AllJobIDs(ctx context.Context, queues []string) ([]string, error) {
	seen := map[string]struct{}{}
	out := []string{}
	add := func(ids []string) {
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	for _, q := range queues {
		if q == "" {
			continue
		}
		pending, err := b.rdb.LRange(ctx, queueKey(q), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		add(pending)
		for _, state := range registryStates {
			ids, err := b.rdb.SMembers(ctx, registryKey(q, state)).Result()
			if err != nil {
				return nil, err
			}
			add(ids)
		}
	}
	return out, nil
}

// PruneRegistries drops registry entries whose job hash has expired.
func (b *Broker) PruneRegistries(ctx context.Context, queues []string) error {
	for _, q := range queues {
		for _, state := range registryStates {
			ids, err := b.rdb.SMembers(ctx, registryKey(q, state)).Result()
			if err != nil {
				return err
			}
			for _, id := range ids {
				exists, err := b.rdb.Exists(ctx, jobKey(id)).Result()
				if err != nil {
					return err
				}
				if exists == 0 {
					if err := b.rdb.SRem(ctx, registryKey(q, state), id).Err(); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}
