// Package chatshell implements the HTTP chat-shell client of
// CHAT_SHELL_MODE=http: it POSTs to an external `/v1/response`
// endpoint and decodes the `text/event-stream` response into the same
// chunk/tool-event shape internal/streaming consumes in-process under
// `bridge` mode.
package chatshell

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/basket/go-claw/internal/streaming"
)

// Mode selects how the engine reaches a non-direct chat shell.
type Mode string

const (
	ModeHTTP   Mode = "http"
	ModeBridge Mode = "bridge"
	ModeLegacy Mode = "legacy" // deprecated alias of http
)

// Client is a streaming.Brain backed by a remote chat-shell's SSE
// endpoint. Used only when the resolved Bot's Shell requires the `http`
// (or `legacy`) chat-shell mode; `bridge` mode never constructs one,
// since internal/streaming talks to the LLM provider directly.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient normalizes mode, logging a deprecation line for `legacy`.
func NewClient(mode Mode, baseURL, token string, logDeprecated func(string)) *Client {
	if mode == ModeLegacy && logDeprecated != nil {
		logDeprecated("chat_shell_mode=legacy is deprecated, treating as http")
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: &http.Client{Timeout: 0}}
}

type requestBody struct {
	SystemPrompt string              `json:"system_prompt"`
	History      []streaming.Message `json:"history"`
	Message      string              `json:"message"`
}

type ssePayload struct {
	Type     string              `json:"type"` // "delta", "tool", "done", "error"
	Delta    string              `json:"delta,omitempty"`
	Tool     *streaming.ToolEvent `json:"tool,omitempty"`
	Final    string              `json:"final,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// Stream implements streaming.Brain over HTTP SSE.
func (c *Client) Stream(ctx context.Context, systemPrompt string, history []streaming.Message, current string, tools []streaming.ToolSpec, onChunk streaming.ChunkHandler) (string, error) {
	body, err := json.Marshal(requestBody{SystemPrompt: systemPrompt, History: history, Message: current})
	if err != nil {
		return "", fmt.Errorf("chatshell: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/response", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("chatshell: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chatshell: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chatshell: status %d", resp.StatusCode)
	}

	var full string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if raw == "" || raw == "[DONE]" {
			continue
		}
		var ev ssePayload
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "delta":
			full += ev.Delta
			if err := onChunk(ev.Delta, nil); err != nil {
				return full, err
			}
		case "tool":
			if err := onChunk("", ev.Tool); err != nil {
				return full, err
			}
		case "done":
			if ev.Final != "" {
				full = ev.Final
			}
			return full, nil
		case "error":
			return full, fmt.Errorf("chatshell: upstream error: %s", ev.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		return full, fmt.Errorf("chatshell: stream read: %w", err)
	}
	return full, nil
}
