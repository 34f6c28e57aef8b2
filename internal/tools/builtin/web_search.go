package builtin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"milo/internal/agent/ports"
)

const maxSearchResults = 8

type webSearch struct {
	client   *http.Client
	endpoint string
}

func NewWebSearch(client *http.Client) ports.ToolExecutor {
	return newWebSearch(client, "https://html.duckduckgo.com/html/")
}

func newWebSearch(client *http.Client, endpoint string) *webSearch {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &webSearch{client: client, endpoint: endpoint}
}

func (t *webSearch) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	query, err := stringArg(call, "query")
	if err != nil {
		return fail(call, err), nil
	}
	if strings.TrimSpace(query) == "" {
		return fail(call, fmt.Errorf("query must not be empty")), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return fail(call, fmt.Errorf("cannot build search request: %w", err)), nil
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; milo-agent)")

	resp, err := t.client.Do(req)
	if err != nil {
		return fail(call, fmt.Errorf("search request failed: %w", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fail(call, fmt.Errorf("search returned status %d", resp.StatusCode)), nil
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return ok(call, fmt.Sprintf("No results found for %q.", query)), nil
	}

	var out strings.Builder
	count := 0
	doc.Find(".result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		anchor := sel.Find(".result__a").First()
		title := strings.TrimSpace(anchor.Text())
		if title == "" {
			return true
		}
		href, _ := anchor.Attr("href")
		snippet := strings.TrimSpace(sel.Find(".result__snippet").First().Text())

		count++
		out.WriteString(fmt.Sprintf("%d. %s\n", count, title))
		if link := resolveResultURL(href); link != "" {
			out.WriteString(fmt.Sprintf("   %s\n", link))
		}
		if snippet != "" {
			out.WriteString(fmt.Sprintf("   %s\n", snippet))
		}
		out.WriteString("\n")
		return count < maxSearchResults
	})

	if count == 0 {
		return ok(call, fmt.Sprintf("No results found for %q.", query)), nil
	}
	return &ports.ToolResult{
		CallID:  call.ID,
		Content: fmt.Sprintf("Results for %q:\n\n%s", query, strings.TrimRight(out.String(), "\n")),
		Meta:    map[string]any{"query": query, "results_count": count},
	}, nil
}

// resolveResultURL unwraps DuckDuckGo's redirect links, which carry the real
// target in the uddg query parameter.
func resolveResultURL(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

func (t *webSearch) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "web_search",
		Description: "Search the web and return the top results with titles, links and snippets.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"query": {Type: "string", Description: "What to search for"},
			},
			Required: []string{"query"},
		},
	}
}

func (t *webSearch) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "web_search", Category: "web", ReadOnly: true}
}
