package streaming

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/basket/go-claw/internal/model"
)

// WebSearchKB implements KnowledgeBase by scraping DuckDuckGo's HTML
// search endpoint, the knowledge-base tool's concrete backend in this
// deployment (gated by WEB_SEARCH_ENABLED).
type WebSearchKB struct {
	client *http.Client
}

func NewWebSearchKB() *WebSearchKB {
	return &WebSearchKB{client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebSearchKB) Search(ctx context.Context, query string, maxResults int) ([]model.Source, error) {
	if query == "" {
		return nil, nil
	}
	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "goclaw-core/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	results := parseDDGResults(string(body))
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

var (
	reKBResultLink    = regexp.MustCompile(`(?i)<a[^>]+class="result__a"[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	reKBResultSnippet = regexp.MustCompile(`(?i)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	reKBTag           = regexp.MustCompile(`<[^>]+>`)
)

func parseDDGResults(html string) []model.Source {
	links := reKBResultLink.FindAllStringSubmatch(html, 10)
	snippets := reKBResultSnippet.FindAllStringSubmatch(html, 10)

	var results []model.Source
	for i, link := range links {
		if len(link) < 3 {
			continue
		}
		rawURL := link[1]
		if u, err := url.Parse(rawURL); err == nil {
			if actual := u.Query().Get("uddg"); actual != "" {
				rawURL = actual
			}
		}
		snippet := ""
		if i < len(snippets) && len(snippets[i]) >= 2 {
			snippet = stripKBTags(snippets[i][1])
		}
		results = append(results, model.Source{
			KBID:    rawURL,
			Title:   stripKBTags(link[2]),
			URL:     rawURL,
			Snippet: snippet,
		})
	}
	return results
}

func stripKBTags(s string) string {
	return strings.TrimSpace(reKBTag.ReplaceAllString(s, ""))
}

// kbToolSpec wraps a KnowledgeBase as the tool the agent loop calls,
// and returns the system-prompt fragment advertising it. Every source
// returned by a call is folded into collected, deduplicated by
// (kb_id, title), so Run can attach the full citation list to the
// final result.
func kbToolSpec(kb KnowledgeBase, maxResults int, collected *[]model.Source) (ToolSpec, string) {
	fragment := "You have a knowledge_base_search tool for looking up current information; use it when your training data may be stale or the user asks about recent events."
	return ToolSpec{
		Name:        "knowledge_base_search",
		Description: "Search the knowledge base / web for current information relevant to the conversation.",
		Call: func(ctx context.Context, input string) (string, error) {
			sources, err := kb.Search(ctx, input, maxResults)
			if err != nil {
				return "", err
			}
			var sb strings.Builder
			for _, s := range sources {
				sb.WriteString(s.Title)
				sb.WriteString(" — ")
				sb.WriteString(s.Snippet)
				sb.WriteString(" (")
				sb.WriteString(s.URL)
				sb.WriteString(")\n")
				if !hasSource(*collected, s) {
					*collected = append(*collected, s)
				}
			}
			return sb.String(), nil
		},
	}, fragment
}

func hasSource(sources []model.Source, s model.Source) bool {
	for _, existing := range sources {
		if existing.KBID == s.KBID && existing.Title == s.Title {
			return true
		}
	}
	return false
}
