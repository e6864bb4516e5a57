package model

import "time"

// TriggerType selects how a Subscription fires.
type TriggerType string

const (
	TriggerCron     TriggerType = "cron"
	TriggerInterval TriggerType = "interval"
	TriggerOneTime  TriggerType = "one_time"
)

// SubscriptionInternal carries scheduler-managed fields not set by users.
type SubscriptionInternal struct {
	Enabled           bool       `json:"enabled"`
	NextExecutionTime time.Time  `json:"next_execution_time"`
	BoundTaskID       int64      `json:"bound_task_id,omitempty"`
}

// Subscription is the JSON payload for Kind=Subscription resources.
// TriggerExpr holds the cron expression for TriggerCron, or a
// duration string for TriggerInterval, or is empty for TriggerOneTime
// (in which case NextExecutionTime in Internal is the sole fire time).
type Subscription struct {
	Trigger             TriggerType          `json:"trigger"`
	TriggerExpr         string               `json:"triggerExpr,omitempty"`
	TeamName            string               `json:"teamName"`
	WorkspaceName       string               `json:"workspaceName,omitempty"`
	ModelRef            string               `json:"modelRef,omitempty"`
	PromptTemplate      string               `json:"promptTemplate"`
	PreserveHistory     bool                 `json:"preserveHistory"`
	HistoryMessageCount int                  `json:"historyMessageCount"`
	Enabled             bool                 `json:"enabled"`
	Rental              bool                 `json:"rental,omitempty"`
	RentalSourceID      int64                `json:"rentalSourceId,omitempty"`
	Internal            SubscriptionInternal `json:"_internal"`
}

// BackgroundExecutionStatus is the lifecycle of a single subscription
// firing.
type BackgroundExecutionStatus string

const (
	ExecutionPending   BackgroundExecutionStatus = "PENDING"
	ExecutionRunning   BackgroundExecutionStatus = "RUNNING"
	ExecutionCompleted BackgroundExecutionStatus = "COMPLETED"
	ExecutionFailed    BackgroundExecutionStatus = "FAILED"
	ExecutionCancelled BackgroundExecutionStatus = "CANCELLED"
)

// BackgroundExecution records one occurrence of a subscription firing.
type BackgroundExecution struct {
	ID            int64                     `json:"id"`
	SubscriptionID int64                    `json:"subscription_id"`
	UserID        int64                     `json:"user_id"`
	TaskID        int64                     `json:"task_id"` // 0 until linked
	TriggerType   TriggerType               `json:"trigger_type"`
	TriggerReason string                    `json:"trigger_reason,omitempty"`
	Prompt        string                    `json:"prompt"`
	Status        BackgroundExecutionStatus `json:"status"`
	ErrorMessage  string                    `json:"error_message,omitempty"`
	RetryAttempt  int                       `json:"retry_attempt"`
	StartedAt     *time.Time                `json:"started_at,omitempty"`
	CompletedAt   *time.Time                `json:"completed_at,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}
