package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// LlamaServer drives a local llama.cpp server over HTTP. The server owns the
// weights; the engine still treats it as a model and a context so lifecycle
// ordering and cache clearing follow the same path as an in-process binding.
type LlamaServer struct {
	BaseURL string
	Slot    int
	Client  *http.Client
}

// NewLlamaServer creates a backend for the server at baseURL.
func NewLlamaServer(baseURL string, slot int) *LlamaServer {
	return &LlamaServer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Slot:    slot,
		Client:  &http.Client{},
	}
}

// Props is the subset of /props the backend uses.
type Props struct {
	ModelPath  string         `json:"model_path"`
	TotalSlots int            `json:"total_slots"`
	Settings   ServerDefaults `json:"default_generation_settings"`
}

// ServerDefaults are the server's default generation settings.
type ServerDefaults struct {
	NCtx int `json:"n_ctx"`
}

// Check verifies /health and returns /props.
func (l *LlamaServer) Check(ctx context.Context) (*Props, error) {
	if err := l.get(ctx, "/health", nil); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	var props Props
	if err := l.get(ctx, "/props", &props); err != nil {
		return nil, fmt.Errorf("props: %w", err)
	}
	return &props, nil
}

func (l *LlamaServer) get(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := l.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (l *LlamaServer) Load(path string, meta Metadata, opts LoadOptions) (Model, error) {
	props, err := l.Check(context.Background())
	if err != nil {
		return nil, fmt.Errorf("llama server %s: %w", l.BaseURL, err)
	}
	if props.ModelPath != "" && props.ModelPath != path {
		slog.Warn("llama server serves a different model", "requested", path, "served", props.ModelPath)
	}
	return &llamaModel{srv: l, props: props}, nil
}

type llamaModel struct {
	srv   *LlamaServer
	props *Props
}

func (m *llamaModel) NewContext(size int) (Context, error) {
	if n := m.props.Settings.NCtx; n > 0 && size > n {
		slog.Warn("llama server context smaller than requested", "requested", size, "server", n)
	}
	return &llamaContext{srv: m.srv}, nil
}

func (m *llamaModel) Release() {
	m.srv.Client.CloseIdleConnections()
}

type llamaContext struct {
	srv    *LlamaServer
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

type completionRequest struct {
	Prompt        string   `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Seed          int64    `json:"seed"`
	Stop          []string `json:"stop,omitempty"`
	Stream        bool     `json:"stream"`
	CachePrompt   bool     `json:"cache_prompt"`
	IDSlot        int      `json:"id_slot"`
}

type completionChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
	Tokens  []int  `json:"tokens,omitempty"`
}

// ClearCache erases the slot's KV cache. Failures are logged; a stale cache
// only costs prompt re-evaluation.
func (c *llamaContext) ClearCache() {
	c.Abort()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := fmt.Sprintf("%s/slots/%d?action=erase", c.srv.BaseURL, c.srv.Slot)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	resp, err := c.srv.Client.Do(req)
	if err != nil {
		slog.Debug("slot erase failed", "error", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func (c *llamaContext) Start(prompt string, p Params) error {
	c.Abort()
	body, err := json.Marshal(completionRequest{
		Prompt:        prompt,
		NPredict:      p.MaxTokens,
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		TopK:          p.TopK,
		RepeatPenalty: p.RepeatPenalty,
		Seed:          p.Seed,
		Stop:          p.Stop,
		Stream:        true,
		CachePrompt:   true,
		IDSlot:        c.srv.Slot,
	})
	if err != nil {
		return fmt.Errorf("encode completion: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.srv.BaseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.srv.Client.Do(req)
	if err != nil {
		return fmt.Errorf("completion: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return fmt.Errorf("completion: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	c.body = resp.Body
	c.reader = bufio.NewReader(resp.Body)
	c.done = false
	return nil
}

func (c *llamaContext) Next() (Token, error) {
	if c.reader == nil || c.done {
		return Token{}, io.EOF
	}
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil && line == "" {
			c.Abort()
			if err == io.EOF {
				return Token{}, io.EOF
			}
			return Token{}, fmt.Errorf("read stream: %w", err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var chunk completionChunk
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &chunk); err != nil {
			return Token{}, fmt.Errorf("decode chunk: %w", err)
		}
		if chunk.Stop {
			c.done = true
			c.Abort()
			if chunk.Content == "" {
				return Token{}, io.EOF
			}
		}
		if chunk.Content == "" {
			continue
		}
		id := 0
		if len(chunk.Tokens) > 0 {
			id = chunk.Tokens[0]
		}
		return Token{ID: id, Text: chunk.Content}, nil
	}
}

// Abort closes the running completion stream, which stops generation server side.
func (c *llamaContext) Abort() {
	if c.body != nil {
		c.body.Close()
		c.body = nil
	}
	c.reader = nil
}

func (c *llamaContext) Release() {
	c.Abort()
}
