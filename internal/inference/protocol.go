package inference

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Params are the sampling parameters of one generation. They reach the
// backend exactly as given.
type Params struct {
	Temperature   float64  `json:"temperature" yaml:"temperature"`
	TopP          float64  `json:"top_p" yaml:"top_p"`
	TopK          int      `json:"top_k" yaml:"top_k"`
	RepeatPenalty float64  `json:"repeat_penalty" yaml:"repeat_penalty"`
	MaxTokens     int      `json:"max_tokens" yaml:"max_tokens"`
	Seed          int64    `json:"seed" yaml:"seed"`
	Stop          []string `json:"stop,omitempty" yaml:"stop,omitempty"`
}

// DefaultParams returns the sampling defaults used when nothing is configured.
func DefaultParams() Params {
	return Params{
		Temperature:   0.7,
		TopP:          0.9,
		TopK:          40,
		RepeatPenalty: 1.1,
		MaxTokens:     1024,
		Seed:          -1,
	}
}

// Validate rejects out-of-range values. Nothing is clamped.
func (p Params) Validate() error {
	var problems []string
	if math.IsNaN(p.Temperature) || p.Temperature < 0 || p.Temperature > 2 {
		problems = append(problems, fmt.Sprintf("temperature %v not in [0,2]", p.Temperature))
	}
	if math.IsNaN(p.TopP) || p.TopP <= 0 || p.TopP > 1 {
		problems = append(problems, fmt.Sprintf("top_p %v not in (0,1]", p.TopP))
	}
	if p.TopK < 0 {
		problems = append(problems, fmt.Sprintf("top_k %d is negative", p.TopK))
	}
	if math.IsNaN(p.RepeatPenalty) || p.RepeatPenalty < 0 {
		problems = append(problems, fmt.Sprintf("repeat_penalty %v is negative", p.RepeatPenalty))
	}
	if p.MaxTokens < 0 {
		problems = append(problems, fmt.Sprintf("max_tokens %d is negative", p.MaxTokens))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(problems, "; "))
	}
	return nil
}

// Equal reports whether two parameter sets are identical.
func (p Params) Equal(o Params) bool {
	if p.Temperature != o.Temperature || p.TopP != o.TopP || p.TopK != o.TopK ||
		p.RepeatPenalty != o.RepeatPenalty || p.MaxTokens != o.MaxTokens || p.Seed != o.Seed ||
		len(p.Stop) != len(o.Stop) {
		return false
	}
	for i := range p.Stop {
		if p.Stop[i] != o.Stop[i] {
			return false
		}
	}
	return true
}

// Request is one generation submitted to the engine.
type Request struct {
	ID     string
	Prompt string
	Params Params
}

// MessageKind distinguishes stream messages.
type MessageKind int

const (
	MessageToken MessageKind = iota
	MessageEnd
	MessageError
	MessageCancelled
)

func (k MessageKind) String() string {
	switch k {
	case MessageToken:
		return "token"
	case MessageEnd:
		return "end_of_generation"
	case MessageError:
		return "error"
	case MessageCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("MessageKind(%d)", int(k))
}

// Terminal reports whether no message follows one of this kind.
func (k MessageKind) Terminal() bool { return k != MessageToken }

// Stats summarise a finished generation.
type Stats struct {
	Tokens     int           `json:"tokens"`
	Duration   time.Duration `json:"duration"`
	StopReason string        `json:"stop_reason"`
}

// TokensPerSecond returns the generation speed.
func (s Stats) TokensPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Tokens) / s.Duration.Seconds()
}

// Message is one item on a Stream.
type Message struct {
	Kind  MessageKind
	Token string
	Stats Stats
	Err   error
}

// Stream delivers the messages of one request: zero or more tokens followed by
// exactly one terminal message. A Stream has a single consumer.
type Stream struct {
	ID string

	ch       chan Message
	final    Message
	finished bool
	terminal bool
}

func newStream(id string, buffer int) *Stream {
	return &Stream{ID: id, ch: make(chan Message, buffer)}
}

// Next blocks for the next message. It returns false once the terminal
// message has been delivered.
func (s *Stream) Next() (Message, bool) {
	if s.terminal {
		return Message{}, false
	}
	m, ok := <-s.ch
	if !ok {
		s.terminal = true
		return s.final, true
	}
	if m.Kind.Terminal() {
		s.terminal = true
	}
	return m, true
}

// Collect drains the stream and returns the generated text. onToken may be nil.
func (s *Stream) Collect(onToken func(string)) (string, Stats, error) {
	var sb strings.Builder
	for {
		m, ok := s.Next()
		if !ok {
			return sb.String(), Stats{}, ErrCancelled
		}
		switch m.Kind {
		case MessageToken:
			sb.WriteString(m.Token)
			if onToken != nil {
				onToken(m.Token)
			}
		case MessageEnd:
			return sb.String(), m.Stats, nil
		case MessageError:
			return sb.String(), Stats{}, m.Err
		case MessageCancelled:
			return sb.String(), Stats{}, ErrCancelled
		}
	}
}

// finish records the terminal message and closes the channel. Only the
// engine worker calls it; calls after the first are ignored.
func (s *Stream) finish(m Message) {
	if s.finished {
		return
	}
	s.finished = true
	s.final = m
	select {
	case s.ch <- m:
	default:
	}
	close(s.ch)
}
