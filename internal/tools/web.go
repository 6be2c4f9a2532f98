package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxFetchBytes = 512 * 1024

// WebFetchTool fetches a URL over HTTP(S).
type WebFetchTool struct {
	client *http.Client
}

// NewWebFetchTool creates the web_fetch tool. A nil client gets a default with a 30s timeout.
func NewWebFetchTool(client *http.Client) *WebFetchTool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebFetchTool{client: client}
}

func (t *WebFetchTool) Name() string           { return "web_fetch" }
func (t *WebFetchTool) Level() Level           { return LevelNetwork }
func (t *WebFetchTool) Capability() Capability { return CapWeb }

func (t *WebFetchTool) Description() string {
	return "Fetch a web page or API endpoint and return the response body as text."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "The http or https URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, params map[string]any) (Result, error) {
	raw := GetString(params, "url", "")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Result{}, InvalidParams("url must be an absolute http(s) URL: %q", raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "localclaw/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, Transient(fmt.Errorf("fetch %s: %w", u.Host, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return Result{}, Transient(fmt.Errorf("read body: %w", err))
	}
	truncated := len(body) > maxFetchBytes
	if truncated {
		body = body[:maxFetchBytes]
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, Transient(fmt.Errorf("http %d from %s", resp.StatusCode, u.Host))
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("http %d from %s: %s", resp.StatusCode, u.Host, strings.TrimSpace(string(body)))
	}

	return Result{
		Output: string(body),
		Data: map[string]any{
			"status":       resp.StatusCode,
			"content_type": resp.Header.Get("Content-Type"),
			"truncated":    truncated,
		},
	}, nil
}
