package builtin

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"milo/internal/agent/ports"
	"milo/internal/tools"
)

type takeScreenshot struct {
	ws      *tools.Workspace
	runtime ProjectRuntime
	client  *http.Client
}

func NewTakeScreenshot(ws *tools.Workspace, runtime ProjectRuntime, client *http.Client) ports.ToolExecutor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &takeScreenshot{ws: ws, runtime: runtime, client: client}
}

func (t *takeScreenshot) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	if t.runtime == nil {
		return fail(call, fmt.Errorf("the project is not running; start it first")), nil
	}
	port, running := t.runtime.RunningPort(t.ws.Root())
	if !running {
		return fail(call, fmt.Errorf("the project is not running; start it first")), nil
	}

	pagePath := optionalString(call, "path", "/")
	if !strings.HasPrefix(pagePath, "/") {
		pagePath = "/" + pagePath
	}
	pageURL := fmt.Sprintf("http://localhost:%d%s", port, pagePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return fail(call, fmt.Errorf("cannot build request: %w", err)), nil
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fail(call, fmt.Errorf("cannot reach %s: %w", pageURL, err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fail(call, fmt.Errorf("%s returned status %d", pageURL, resp.StatusCode)), nil
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return fail(call, fmt.Errorf("cannot parse the page: %w", err)), nil
	}
	return ok(call, describePage(pageURL, doc)), nil
}

// describePage turns the parsed DOM into a textual rendering the model can
// reason about in place of pixels.
func describePage(pageURL string, doc *goquery.Document) string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("Page at %s\n", pageURL))

	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		out.WriteString(fmt.Sprintf("Title: %s\n", title))
	}

	doc.Find("h1, h2, h3").Each(func(_ int, sel *goquery.Selection) {
		text := compactText(sel.Text())
		if text != "" {
			out.WriteString(fmt.Sprintf("%s: %s\n", goquery.NodeName(sel), text))
		}
	})

	if n := doc.Find("nav").Length(); n > 0 {
		links := make([]string, 0, 8)
		doc.Find("nav a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if text := compactText(sel.Text()); text != "" {
				links = append(links, text)
			}
			return len(links) < 8
		})
		out.WriteString(fmt.Sprintf("Navigation: %s\n", strings.Join(links, ", ")))
	}

	doc.Find("form").Each(func(i int, sel *goquery.Selection) {
		fields := make([]string, 0, 8)
		sel.Find("input, textarea, select").EachWithBreak(func(_ int, field *goquery.Selection) bool {
			name, _ := field.Attr("name")
			if name == "" {
				name, _ = field.Attr("placeholder")
			}
			if name != "" {
				fields = append(fields, name)
			}
			return len(fields) < 8
		})
		out.WriteString(fmt.Sprintf("Form %d fields: %s\n", i+1, strings.Join(fields, ", ")))
	})

	buttons := make([]string, 0, 8)
	doc.Find("button, input[type=submit]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		label := compactText(sel.Text())
		if label == "" {
			label, _ = sel.Attr("value")
		}
		if label != "" {
			buttons = append(buttons, label)
		}
		return len(buttons) < 8
	})
	if len(buttons) > 0 {
		out.WriteString(fmt.Sprintf("Buttons: %s\n", strings.Join(buttons, ", ")))
	}

	if n := doc.Find("img").Length(); n > 0 {
		out.WriteString(fmt.Sprintf("Images: %d\n", n))
	}
	if n := doc.Find("a").Length(); n > 0 {
		out.WriteString(fmt.Sprintf("Links: %d\n", n))
	}

	if body := compactText(doc.Find("body").Text()); body != "" {
		if len(body) > 400 {
			body = body[:400] + "…"
		}
		out.WriteString(fmt.Sprintf("Visible text: %s\n", body))
	}
	return strings.TrimRight(out.String(), "\n")
}

func compactText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (t *takeScreenshot) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "take_screenshot",
		Description: "Fetch a page from the running project and describe its structure: title, headings, " +
			"forms, buttons and visible text.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path": {Type: "string", Description: "Page path to fetch (default /)"},
			},
		},
	}
}

func (t *takeScreenshot) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "take_screenshot", Category: "web", ReadOnly: true}
}
