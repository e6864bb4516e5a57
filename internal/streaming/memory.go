package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MemoryClient resolves prior long-term-memory recall fragments for a
// user. The vector store and recall ranking live in an external
// service; MemoryClient is only the in-repo consumption point that
// calls it and folds the result into a turn's system prompt.
type MemoryClient interface {
	Recall(ctx context.Context, userID int64, query string, maxResults int) (string, error)
}

// HTTPMemoryClient implements MemoryClient against an external recall
// service at baseURL (MEMORY_BASE_URL), in the same plain net/http
// adapter style as internal/chatshell.Client.
type HTTPMemoryClient struct {
	baseURL    string
	userPrefix string
	http       *http.Client
}

func NewHTTPMemoryClient(baseURL, userPrefix string) *HTTPMemoryClient {
	return &HTTPMemoryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userPrefix: userPrefix,
		http:       &http.Client{Timeout: 3 * time.Second},
	}
}

type memoryRecallResponse struct {
	Results []struct {
		Text string `json:"text"`
	} `json:"results"`
}

// Recall queries the external memory service for the fragments most
// relevant to query, returning them pre-joined into one system-prompt
// fragment. It degrades gracefully: any transport, status, or decode
// failure returns ("", nil) rather than failing the calling stream.
func (c *HTTPMemoryClient) Recall(ctx context.Context, userID int64, query string, maxResults int) (string, error) {
	q := url.Values{}
	q.Set("user_id", c.userPrefix+strconv.FormatInt(userID, 10))
	q.Set("query", query)
	q.Set("limit", strconv.Itoa(maxResults))
	endpoint := fmt.Sprintf("%s/v1/recall?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", nil
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil
	}

	var parsed memoryRecallResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil
	}
	if len(parsed.Results) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("Relevant memory from prior conversations:\n")
	for i, r := range parsed.Results {
		if maxResults > 0 && i >= maxResults {
			break
		}
		sb.WriteString("- ")
		sb.WriteString(r.Text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
