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

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// SearchTool implements the "search" stateless tool over the Serper web
// search API. It is stateless aside from its injected config and a shared
// outbound rate limiter.
type SearchTool struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	apiKey     string
	endpoint   string
}

// NewSearchTool builds a SearchTool with a conservative default rate limit;
// SetConfig overrides apiKey/endpoint from the "websearch" apis subsection.
func NewSearchTool() *SearchTool {
	return &SearchTool{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
		endpoint:   "https://google.serper.dev/search",
	}
}

// SetConfig injects the "websearch" apis subsection.
func (t *SearchTool) SetConfig(config map[string]interface{}) {
	if key, ok := config["serper_api_key"].(string); ok {
		t.apiKey = key
	}
	if ep, ok := config["endpoint"].(string); ok && ep != "" {
		t.endpoint = ep
	}
	if rps, ok := config["rate_limit_per_second"].(float64); ok && rps > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
}

// Execute runs a web search for query and returns up to maxResults hits.
func (t *SearchTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if t.apiKey == "" {
		return nil, NewBusinessError("websearch is not configured with a Serper API key", nil)
	}
	query, _ := params["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, NewBusinessError("query is required", nil)
	}
	maxResults := 10
	if mr, ok := params["max_results"].(float64); ok && mr > 0 {
		maxResults = int(mr)
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, _ := json.Marshal(map[string]interface{}{"q": query, "num": maxResults})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serper request failed: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading serper response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("serper returned %d: %s", resp.StatusCode, rawBody)
	}

	var results []map[string]interface{}
	for _, item := range gjson.GetBytes(rawBody, "organic").Array() {
		results = append(results, map[string]interface{}{
			"title":   item.Get("title").String(),
			"link":    item.Get("link").String(),
			"snippet": item.Get("snippet").String(),
		})
		if len(results) >= maxResults {
			break
		}
	}
	if len(results) == 0 {
		return nil, NewBusinessError("no results found for query", map[string]interface{}{"query": query})
	}
	return map[string]interface{}{"query": query, "results": results}, nil
}

// VisitTool implements the "visit" stateless tool: it fetches a URL via a
// reader API and returns extracted readable text.
type VisitTool struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	readerBase string
	apiKey     string
}

// NewVisitTool builds a VisitTool pointed at the Jina Reader API by default.
func NewVisitTool() *VisitTool {
	return &VisitTool{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(3), 3),
		readerBase: "https://r.jina.ai/",
	}
}

// SetConfig injects the "fetch" apis subsection.
func (t *VisitTool) SetConfig(config map[string]interface{}) {
	if key, ok := config["jina_api_key"].(string); ok {
		t.apiKey = key
	}
	if base, ok := config["reader_base"].(string); ok && base != "" {
		t.readerBase = base
	}
}

// Execute fetches params.url and returns its extracted readable text.
func (t *VisitTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	raw, _ := params["url"].(string)
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, NewBusinessError(fmt.Sprintf("invalid url: %s", raw), nil)
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.readerBase+raw, nil)
	if err != nil {
		return nil, err
	}
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reader request failed: %w", err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading reader response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("reader returned %d: %s", resp.StatusCode, content)
	}

	return map[string]interface{}{"url": raw, "content": string(content)}, nil
}
