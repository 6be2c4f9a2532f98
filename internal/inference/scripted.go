package inference

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Scripted is a deterministic in-process backend. It replays canned replies
// token by token and records what the engine asked of it.
type Scripted struct {
	// Respond picks the reply for a prompt. When nil, queued replies are used
	// in order and Default after they run out.
	Respond func(prompt string) string
	Default string
	// TokenDelay is slept before every token.
	TokenDelay time.Duration

	// Fault injection.
	LoadErr    error
	ContextErr error
	// PanicOn and FailOn match against the prompt: the first panics inside
	// Start, the second returns its error from Next.
	PanicOn string
	FailOn  string
	FailErr error

	mu       sync.Mutex
	replies  []string
	params   []Params
	prompts  []string
	events   []string
	clears   int
	loads    int
	contexts int
}

// NewScripted creates a backend that answers with replies in order.
func NewScripted(replies ...string) *Scripted {
	return &Scripted{replies: replies, Default: "Done."}
}

// Queue appends replies.
func (s *Scripted) Queue(replies ...string) {
	s.mu.Lock()
	s.replies = append(s.replies, replies...)
	s.mu.Unlock()
}

// Params returns the parameters of every started generation, in order.
func (s *Scripted) Params() []Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Params(nil), s.params...)
}

// Prompts returns every prompt started, in order.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// Events returns the lifecycle log: load, context, clear, start, release_context, release_model.
func (s *Scripted) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// Clears returns how many times a KV cache was cleared.
func (s *Scripted) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

func (s *Scripted) record(event string) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *Scripted) next(prompt string) string {
	if s.Respond != nil {
		return s.Respond(prompt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return s.Default
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r
}

func (s *Scripted) Load(path string, meta Metadata, opts LoadOptions) (Model, error) {
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	s.mu.Lock()
	s.loads++
	id := s.loads
	s.events = append(s.events, fmt.Sprintf("load:%d", id))
	s.mu.Unlock()
	return &scriptedModel{backend: s, id: id}, nil
}

type scriptedModel struct {
	backend  *Scripted
	id       int
	released bool
}

func (m *scriptedModel) NewContext(size int) (Context, error) {
	if m.backend.ContextErr != nil {
		return nil, m.backend.ContextErr
	}
	m.backend.mu.Lock()
	m.backend.contexts++
	m.backend.mu.Unlock()
	m.backend.record(fmt.Sprintf("context:%d", m.id))
	return &scriptedContext{backend: m.backend, model: m}, nil
}

func (m *scriptedModel) Release() {
	if m.released {
		panic("scripted: model released twice")
	}
	m.released = true
	m.backend.record(fmt.Sprintf("release_model:%d", m.id))
}

type scriptedContext struct {
	backend  *Scripted
	model    *scriptedModel
	tokens   []string
	prompt   string
	released bool
}

func (c *scriptedContext) ClearCache() {
	c.backend.mu.Lock()
	c.backend.clears++
	c.backend.mu.Unlock()
	c.tokens = nil
}

func (c *scriptedContext) Start(prompt string, p Params) error {
	if c.released || c.model.released {
		panic("scripted: start on released context")
	}
	b := c.backend
	b.mu.Lock()
	b.params = append(b.params, p)
	b.prompts = append(b.prompts, prompt)
	b.mu.Unlock()

	if b.PanicOn != "" && strings.Contains(prompt, b.PanicOn) {
		panic(fmt.Sprintf("scripted fault on %q", b.PanicOn))
	}
	c.prompt = prompt
	c.tokens = Tokenize(b.next(prompt))
	return nil
}

func (c *scriptedContext) Next() (Token, error) {
	b := c.backend
	if b.FailOn != "" && strings.Contains(c.prompt, b.FailOn) {
		err := b.FailErr
		if err == nil {
			err = errors.New("scripted decode failure")
		}
		return Token{}, err
	}
	if len(c.tokens) == 0 {
		return Token{}, io.EOF
	}
	if b.TokenDelay > 0 {
		time.Sleep(b.TokenDelay)
	}
	t := c.tokens[0]
	c.tokens = c.tokens[1:]
	return Token{Text: t}, nil
}

func (c *scriptedContext) Release() {
	if c.model.released {
		panic("scripted: context released after its model")
	}
	if c.released {
		panic("scripted: context released twice")
	}
	c.released = true
	c.backend.record(fmt.Sprintf("release_context:%d", c.model.id))
}

// Tokenize splits text into word-sized pieces, keeping whitespace attached so
// the pieces concatenate back to text.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 1; i < len(text); i++ {
		if text[i-1] == ' ' || text[i-1] == '\n' {
			if text[i] != ' ' && text[i] != '\n' {
				out = append(out, text[start:i])
				start = i
			}
		}
	}
	return append(out, text[start:])
}
