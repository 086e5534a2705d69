// Package queue implements the per-user action queues on Redis. Jobs are
// hashes, pending ids live in lists, and per-state registries track every
// job a user ever enqueued until its result TTL expires.
package queue

import (
	"encoding/json"
	"time"

	"nendo-server/internal/domain"
)

// Job is the queued unit of work. Payload carries the docker action spec;
// the queue itself never inspects it.
type Job struct {
	ID         string                 `json:"id"`
	Queue      string                 `json:"queue"`
	ActionName string                 `json:"action_name"`
	Status     domain.ActionState     `json:"status"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    time.Time              `json:"ended_at"`
	Meta       map[string]interface{} `json:"meta"`
	Result     string                 `json:"result"`
	Error      string                 `json:"error"`
	Payload    json.RawMessage        `json:"payload"`
}

// ActionStatus converts the job into its API representation.
func (j *Job) ActionStatus() domain.ActionStatus {
	fmtTime := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	}
	return domain.ActionStatus{
		ID:         j.ID,
		EnqueuedAt: fmtTime(j.EnqueuedAt),
		StartedAt:  fmtTime(j.StartedAt),
		EndedAt:    fmtTime(j.EndedAt),
		Status:     j.Status,
		Meta:       j.Meta,
		Result:     j.Result,
		Error:      j.Error,
	}
}

// SetMeta mutates a single meta entry, allocating the map when needed.
func (j *Job) SetMeta(key string, value interface{}) {
	if j.Meta == nil {
		j.Meta = map[string]interface{}{}
	}
	j.Meta[key] = value
}
