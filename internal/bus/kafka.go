package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// KafkaOptions describes the broker connection.
type KafkaOptions struct {
	Brokers    []string
	Topic      string
	SkipTokens bool

	SecurityProtocol string
	SASLMechanism    string
	Username         string
	Password         string
	CAFile           string
}

// TLSConfig returns nil for the plaintext protocols.
func (o KafkaOptions) TLSConfig() (*tls.Config, error) {
	switch strings.ToUpper(o.SecurityProtocol) {
	case "SSL", "SASL_SSL":
	default:
		return nil, nil
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.CAFile != "" {
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("load CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("bad CA PEM")
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

// Mechanism returns nil when no SASL mechanism is configured.
func (o KafkaOptions) Mechanism() (sasl.Mechanism, error) {
	switch strings.ToUpper(o.SASLMechanism) {
	case "":
		return nil, nil
	case "PLAIN":
		return plain.Mechanism{Username: o.Username, Password: o.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, o.Username, o.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, o.Username, o.Password)
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", o.SASLMechanism)
	}
}

// Dialer builds a dialer with the configured TLS and SASL settings.
func (o KafkaOptions) Dialer(timeout time.Duration) (*kafka.Dialer, error) {
	tlsConf, err := o.TLSConfig()
	if err != nil {
		return nil, err
	}
	mech, err := o.Mechanism()
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{Timeout: timeout, DualStack: true, TLS: tlsConf, SASLMechanism: mech}, nil
}

// MessageWriter is the part of kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON, keyed by conversation id so one
// conversation stays ordered within a partition.
type KafkaSink struct {
	w          MessageWriter
	topic      string
	skipTokens bool
	timeout    time.Duration
}

// NewKafkaSink creates an async writer for the configured brokers and topic.
func NewKafkaSink(opts KafkaOptions) (*KafkaSink, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers")
	}
	tlsConf, err := opts.TLSConfig()
	if err != nil {
		return nil, err
	}
	mech, err := opts.Mechanism()
	if err != nil {
		return nil, err
	}
	topic := opts.Topic
	w := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Warn("kafka event publish failed", "topic", topic, "messages", len(messages), "error", err)
			}
		},
	}
	if tlsConf != nil || mech != nil {
		w.Transport = &kafka.Transport{TLS: tlsConf, SASL: mech}
	}
	return NewKafkaSinkWithWriter(w, topic, opts.SkipTokens), nil
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(raw string) []string {
	var out []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter, topic string, skipTokens bool) *KafkaSink {
	return &KafkaSink{w: w, topic: topic, skipTokens: skipTokens, timeout: 5 * time.Second}
}

func (s *KafkaSink) Emit(ctx context.Context, e Event) {
	if s.skipTokens && e.Type == TokenStreamed {
		return
	}
	value, err := json.Marshal(e)
	if err != nil {
		slog.Warn("encode event failed", "type", e.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(e.ConversationID),
		Value: value,
		Time:  e.Time,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		slog.Warn("kafka event publish failed", "topic", s.topic, "type", e.Type, "error", err)
	}
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}
