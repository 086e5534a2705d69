package domain

// ActionState is the lifecycle state of a queued action.
type ActionState string

const (
	ActionQueued    ActionState = "queued"
	ActionStarted   ActionState = "started"
	ActionFinished  ActionState = "finished"
	ActionFailed    ActionState = "failed"
	ActionDeferred  ActionState = "deferred"
	ActionScheduled ActionState = "scheduled"
	ActionCanceled  ActionState = "canceled"
	ActionStopped   ActionState = "stopped"
)

// Terminal reports whether the state can no longer change.
func (s ActionState) Terminal() bool {
	switch s {
	case ActionFinished, ActionFailed, ActionCanceled, ActionStopped:
		return true
	}
	return false
}

// ActionStatus is the API view of a queued or finished action. Timestamps
// are RFC3339 strings, empty until the corresponding transition happened.
type ActionStatus struct {
	ID         string                 `json:"id"`
	EnqueuedAt string                 `json:"enqueued_at"`
	StartedAt  string                 `json:"started_at"`
	EndedAt    string                 `json:"ended_at"`
	Status     ActionState            `json:"status"`
	Meta       map[string]interface{} `json:"meta"`
	Result     string                 `json:"result"`
	Error      string                 `json:"exc_info"`
}
