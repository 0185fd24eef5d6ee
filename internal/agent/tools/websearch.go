package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebSearchTool performs web searches via DuckDuckGo's HTML endpoint or
// the Google Custom Search API when keys are configured.
type WebSearchTool struct {
	builtin
	client *http.Client
	apiKey string
	cx     string
}

type webSearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// NewWebSearchTool creates a search tool. apiKey and cx enable the
// google engine; empty values leave only duckduckgo.
func NewWebSearchTool(apiKey, cx string) *WebSearchTool {
	return &WebSearchTool{
		client: &http.Client{Timeout: 30 * time.Second},
		apiKey: apiKey,
		cx:     cx,
	}
}

func (*WebSearchTool) Name() string { return "web_search" }

func (*WebSearchTool) Description() string {
	return "Search the web for information. Returns titles, URLs, and snippets from search results."
}

func (*WebSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query"
			},
			"engine": {
				"type": "string",
				"description": "Search engine: 'duckduckgo' (default, no API key needed) or 'google' (requires API key)",
				"enum": ["duckduckgo", "google"]
			},
			"limit": {
				"type": "integer",
				"description": "Maximum number of results to return (default: 10)"
			}
		},
		"required": ["query"]
	}`)
}

func (t *WebSearchTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in struct {
		Query  string `json:"query"`
		Engine string `json:"engine"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Invalid input: %v", err), IsError: true}, nil
	}
	if in.Query == "" {
		return &ToolResult{Content: "Error: 'query' is required", IsError: true}, nil
	}
	if in.Limit <= 0 {
		in.Limit = 10
	}

	var results []webSearchResult
	var err error

	switch in.Engine {
	case "google":
		if t.apiKey == "" || t.cx == "" {
			return &ToolResult{Content: "Google search requires API key configuration. Use the duckduckgo engine instead."}, nil
		}
		results, err = t.searchGoogle(ctx, in.Query, in.Limit)
	default:
		results, err = t.searchDuckDuckGo(ctx, in.Query, in.Limit)
	}

	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Search error: %v", err), IsError: true}, nil
	}
	if len(results) == 0 {
		return &ToolResult{Content: "No results found for: " + in.Query}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s\n\n", in.Query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, r.Title)
		fmt.Fprintf(&sb, "   URL: %s\n", r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Snippet)
		}
		sb.WriteString("\n")
	}
	return &ToolResult{Content: sb.String()}, nil
}

// searchDuckDuckGo scrapes DuckDuckGo's HTML interface, which needs no
// API key.
func (t *WebSearchTool) searchDuckDuckGo(ctx context.Context, query string, limit int) ([]webSearchResult, error) {
	searchURL := fmt.Sprintf("https://html.duckduckgo.com/html/?q=%s", url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Parley/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return parseDuckDuckGoHTML(string(body), limit), nil
}

// parseDuckDuckGoHTML extracts results from the result__body blocks of
// the DuckDuckGo HTML page.
func parseDuckDuckGoHTML(html string, limit int) []webSearchResult {
	var results []webSearchResult

	parts := strings.Split(html, `class="result__body"`)
	for i, part := range parts[1:] {
		if i >= limit {
			break
		}

		var result webSearchResult

		if idx := strings.Index(part, `class="result__a"`); idx != -1 {
			hrefStart := strings.Index(part[idx:], `href="`)
			if hrefStart != -1 {
				hrefStart += idx + 6
				hrefEnd := strings.Index(part[hrefStart:], `"`)
				if hrefEnd != -1 {
					rawURL := part[hrefStart : hrefStart+hrefEnd]
					// DuckDuckGo links through a redirect; the real URL
					// is in the uddg query parameter.
					if u, err := url.Parse(rawURL); err == nil {
						if uddg := u.Query().Get("uddg"); uddg != "" {
							result.URL = uddg
						} else {
							result.URL = rawURL
						}
					}
				}
			}

			titleStart := strings.Index(part[idx:], ">")
			if titleStart != -1 {
				titleStart += idx + 1
				titleEnd := strings.Index(part[titleStart:], "</a>")
				if titleEnd != -1 {
					result.Title = strings.TrimSpace(stripHTML(part[titleStart : titleStart+titleEnd]))
				}
			}
		}

		if idx := strings.Index(part, `class="result__snippet"`); idx != -1 {
			snippetStart := strings.Index(part[idx:], ">")
			if snippetStart != -1 {
				snippetStart += idx + 1
				snippetEnd := strings.Index(part[snippetStart:], "</a>")
				if snippetEnd == -1 {
					snippetEnd = strings.Index(part[snippetStart:], "</span>")
				}
				if snippetEnd != -1 {
					result.Snippet = strings.TrimSpace(stripHTML(part[snippetStart : snippetStart+snippetEnd]))
				}
			}
		}

		if result.Title != "" && result.URL != "" {
			results = append(results, result)
		}
	}

	return results
}

// searchGoogle uses the Google Custom Search API.
func (t *WebSearchTool) searchGoogle(ctx context.Context, query string, limit int) ([]webSearchResult, error) {
	if limit > 10 {
		limit = 10 // CSE per-request maximum
	}

	searchURL := fmt.Sprintf(
		"https://www.googleapis.com/customsearch/v1?key=%s&cx=%s&q=%s&num=%d",
		t.apiKey, t.cx, url.QueryEscape(query), limit,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Google API error: %s - %s", resp.Status, string(body))
	}

	var data struct {
		Items []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}

	results := make([]webSearchResult, 0, len(data.Items))
	for _, item := range data.Items {
		results = append(results, webSearchResult{
			Title:   item.Title,
			URL:     item.Link,
			Snippet: item.Snippet,
		})
	}
	return results, nil
}

// stripHTML removes tags and decodes the handful of entities DuckDuckGo
// emits in titles and snippets.
func stripHTML(s string) string {
	var result strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			result.WriteRune(r)
		}
	}

	text := result.String()
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", "\"")
	text = strings.ReplaceAll(text, "&#x27;", "'")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	return text
}
