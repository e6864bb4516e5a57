// Package executor implements the outbound Executor HTTP bridge:
// POST /dispatch, /cancel, /delete, plus the inbound callback shape
// the gateway mounts at /callback/subtask.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/basket/go-claw/internal/goerr"
	"github.com/basket/go-claw/internal/model"
)

// User is the dispatch unit's user descriptor.
type User struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	GitDomain string `json:"git_domain,omitempty"`
	GitToken  string `json:"git_token,omitempty"`
	GitID     string `json:"git_id,omitempty"`
	GitLogin  string `json:"git_login,omitempty"`
	GitEmail  string `json:"git_email,omitempty"`
	UserName  string `json:"user_name"`
}

// BotUnit is one element of the dispatch unit's `bot` array.
// BaseImage defaults to the Shell kind's built-in image unless the Bot's
// Ghost specifies an override.
type BotUnit struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	ShellType    model.ShellKind   `json:"shell_type"`
	AgentConfig  map[string]any    `json:"agent_config,omitempty"`
	SystemPrompt string            `json:"system_prompt"`
	MCPServers   []model.MCPServer `json:"mcp_servers,omitempty"`
	Skills       []string          `json:"skills,omitempty"`
	Role         string            `json:"role,omitempty"`
	BaseImage    string            `json:"base_image,omitempty"`
}

// ResolveBaseImage implements the base_image resolution rule restored
// from executor_kinds.py: the Ghost's BaseImage override wins, else the
// Shell kind's built-in image.
func ResolveBaseImage(shell model.Shell, ghost model.Ghost) string {
	if ghost.BaseImage != "" {
		return ghost.BaseImage
	}
	return shell.BaseImage
}

// DispatchUnit is the full per-subtask payload POSTed to /dispatch.
type DispatchUnit struct {
	SubtaskID         int64             `json:"subtask_id"`
	SubtaskNextID     int64             `json:"subtask_next_id,omitempty"`
	TaskID            int64             `json:"task_id"`
	Type              model.TaskType    `json:"type"`
	ExecutorName      string            `json:"executor_name"`
	ExecutorNamespace string            `json:"executor_namespace"`
	SubtaskTitle      string            `json:"subtask_title"`
	TaskTitle         string            `json:"task_title"`
	User              User              `json:"user"`
	Bot               []BotUnit         `json:"bot"`
	TeamID            int64             `json:"team_id"`
	TeamNamespace     string            `json:"team_namespace,omitempty"`
	Mode              string            `json:"mode,omitempty"`
	GitDomain         string            `json:"git_domain,omitempty"`
	GitRepo           string            `json:"git_repo,omitempty"`
	GitRepoID         string            `json:"git_repo_id,omitempty"`
	BranchName        string            `json:"branch_name,omitempty"`
	GitURL            string            `json:"git_url,omitempty"`
	Prompt            string            `json:"prompt"`
	AuthToken         string            `json:"auth_token"`
	Attachments       []model.Attachment `json:"attachments,omitempty"`
	Status            model.SubtaskStatus `json:"status"`
	Progress          int               `json:"progress"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	NewSession        bool              `json:"new_session"`
	TraceContext      map[string]string `json:"trace_context,omitempty"`
}

// Callback is the inbound subtask-delta shape the executor POSTs back.
type Callback struct {
	SubtaskID         int64               `json:"subtask_id"`
	SubtaskTitle      string              `json:"subtask_title,omitempty"`
	TaskTitle         string              `json:"task_title,omitempty"`
	Status            model.SubtaskStatus `json:"status"`
	Progress          int                 `json:"progress"`
	Result            *model.SubtaskResult `json:"result,omitempty"`
	ErrorMessage      string              `json:"error_message,omitempty"`
	ExecutorName      string              `json:"executor_name,omitempty"`
	ExecutorNamespace string              `json:"executor_namespace,omitempty"`
}

// Client is the outbound HTTP bridge to the executor fleet.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

// Dispatch POSTs a batch of dispatch units.
func (c *Client) Dispatch(ctx context.Context, units []DispatchUnit) error {
	return c.post(ctx, "/dispatch", units)
}

// Cancel POSTs a best-effort, idempotent cancel.
func (c *Client) Cancel(ctx context.Context, taskID int64) error {
	return c.post(ctx, "/cancel", map[string]int64{"task_id": taskID})
}

// Delete POSTs a best-effort teardown of the executor's resources.
func (c *Client) Delete(ctx context.Context, name, namespace string) error {
	return c.post(ctx, "/delete", map[string]string{"executor_name": name, "executor_namespace": namespace})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return goerr.Wrap(goerr.KindFatal, "marshal executor request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return goerr.Wrap(goerr.KindFatal, "build executor request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return goerr.Wrap(goerr.KindTransientUpstream, fmt.Sprintf("executor %s request failed", path), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return goerr.New(goerr.KindTransientUpstream, fmt.Sprintf("executor %s returned %d", path, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return goerr.New(goerr.KindValidationFailed, fmt.Sprintf("executor %s returned %d", path, resp.StatusCode))
	}
	return nil
}
