package model

import "time"

// SubtaskRole distinguishes the user turn from the assistant turn.
type SubtaskRole string

const (
	RoleUser      SubtaskRole = "USER"
	RoleAssistant SubtaskRole = "ASSISTANT"
)

// SubtaskStatus is the lifecycle state of a single turn.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "PENDING"
	SubtaskRunning   SubtaskStatus = "RUNNING"
	SubtaskCompleted SubtaskStatus = "COMPLETED"
	SubtaskFailed    SubtaskStatus = "FAILED"
	SubtaskCancelled SubtaskStatus = "CANCELLED"
)

// ThinkingStepDetails carries one tool-lifecycle event inside a thinking
// step.
type ThinkingStepDetails struct {
	Type     string `json:"type"`
	ToolName string `json:"tool_name,omitempty"`
	Status   string `json:"status"` // started, completed, failed
	Input    string `json:"input,omitempty"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ThinkingStep is one entry of the assistant's reasoning/tool trace.
type ThinkingStep struct {
	Title   string              `json:"title"`
	RunID   string              `json:"run_id"`
	Details ThinkingStepDetails `json:"details"`
}

// Source is a knowledge-base citation, deduplicated by (KBID, Title).
type Source struct {
	KBID    string `json:"kb_id"`
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// SubtaskResult is the ASSISTANT-only result payload.
type SubtaskResult struct {
	Value              string         `json:"value,omitempty"`
	Thinking           []ThinkingStep `json:"thinking,omitempty"`
	Workbench          string         `json:"workbench,omitempty"`
	Sources            []Source       `json:"sources,omitempty"`
	ShellType          ShellKind      `json:"shell_type,omitempty"`
	SilentExit         bool           `json:"silent_exit,omitempty"`
	SilentExitReason   string         `json:"silent_exit_reason,omitempty"`
	Cancelled          bool           `json:"cancelled,omitempty"`
}

// Correction records a post-hoc edit of a USER subtask's prompt. It is
// additive and audit-only: it never re-triggers generation.
type Correction struct {
	PreviousPrompt string    `json:"previous_prompt"`
	NewPrompt      string    `json:"new_prompt"`
	CorrectedBy    int64     `json:"corrected_by"`
	CorrectedAt    time.Time `json:"corrected_at"`
}

// Subtask is a single turn/step under a Task.
type Subtask struct {
	ID                 int64         `json:"id"`
	TaskID             int64         `json:"task_id"`
	TeamID             int64         `json:"team_id"`
	Role               SubtaskRole   `json:"role"`
	BotIDs             []int64       `json:"bot_ids"`
	Title              string        `json:"title"`
	Prompt             string        `json:"prompt,omitempty"`
	Attachments        []Attachment  `json:"attachments,omitempty"`
	Result             SubtaskResult `json:"result,omitempty"`
	Status             SubtaskStatus `json:"status"`
	Progress           int           `json:"progress"`
	MessageID          int64         `json:"message_id"`
	ParentID           int64         `json:"parent_id,omitempty"`
	ExecutorName       string        `json:"executor_name,omitempty"`
	ExecutorNamespace  string        `json:"executor_namespace,omitempty"`
	NewSession         bool          `json:"new_session,omitempty"`
	Corrections        []Correction  `json:"corrections,omitempty"`
	ErrorMessage       string        `json:"error_message,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// IsTerminal reports whether the subtask has reached a final state.
func (s Subtask) IsTerminal() bool {
	switch s.Status {
	case SubtaskCompleted, SubtaskFailed, SubtaskCancelled:
		return true
	default:
		return false
	}
}
