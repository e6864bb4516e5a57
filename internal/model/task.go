package model

import "time"

// TaskStatus is the status of a Task, a pure function of its subtasks'
// statuses plus pipeline stage metadata.
type TaskStatus string

const (
	TaskPending              TaskStatus = "PENDING"
	TaskRunning              TaskStatus = "RUNNING"
	TaskCompleted            TaskStatus = "COMPLETED"
	TaskFailed               TaskStatus = "FAILED"
	TaskCancelled            TaskStatus = "CANCELLED"
	TaskCancelling           TaskStatus = "CANCELLING"
	TaskPendingConfirmation  TaskStatus = "PENDING_CONFIRMATION"
)

// ConfirmAction is the client's choice when resolving a
// PENDING_CONFIRMATION task.
type ConfirmAction string

const (
	ConfirmContinue ConfirmAction = "continue"
	ConfirmRetry    ConfirmAction = "retry"
)

// TaskType labels the origin/kind of a Task.
type TaskType string

const (
	TaskTypeOnline       TaskType = "online"
	TaskTypeOffline      TaskType = "offline"
	TaskTypeSubscription TaskType = "subscription"
	TaskTypeFlow         TaskType = "flow"
)

// TaskLabels carries the task's routing/origin labels plus
// executor-path bookkeeping.
type TaskLabels struct {
	Type                  TaskType `json:"type"`
	Source                string   `json:"source,omitempty"`
	UserInteracted        bool     `json:"userInteracted"`
	SubscriptionID        int64    `json:"subscriptionId,omitempty"`
	ExecutionID           int64    `json:"executionId,omitempty"`
	ForceOverrideBotModel bool     `json:"forceOverrideBotModel,omitempty"`
	ModelID               string   `json:"modelId,omitempty"`
}

// TaskStatusBlock is the status sub-object on a Task.
type TaskStatusBlock struct {
	Status       TaskStatus `json:"status"`
	Progress     int        `json:"progress"` // 0..100
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Result       string     `json:"result,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Attachment describes a file attached to a chat message; carried
// unchanged from chat:send through to the dispatch payload.
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// AppData describes service endpoints a running Task exposes (e.g. a
// preview URL for a ClaudeCode executor). Keys are endpoint names.
type AppData map[string]string

// Task is an active work item.
type Task struct {
	ID            int64            `json:"id"`
	OwnerID       int64            `json:"owner_id"`
	Title         string           `json:"title"`
	TeamName      string           `json:"team_name"`
	TeamNamespace string           `json:"team_namespace,omitempty"`
	WorkspaceName string           `json:"workspace_name,omitempty"`
	Labels        TaskLabels       `json:"labels"`
	Status        TaskStatusBlock  `json:"status"`
	AppData       AppData          `json:"app_data,omitempty"`
	IsActive      bool             `json:"is_active"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}
