// Package relay republishes observed node events to a message bus so other
// tooling can follow a harness run live.
package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/juno-intents/signer-harness/internal/observer"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const envKafkaTLS = "SIGNER_HARNESS_KAFKA_TLS"

var ErrInvalidConfig = errors.New("relay: invalid config")

// Publisher sends keyed records to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type Config struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

func NewPublisher(cfg Config) (Publisher, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaPublisher(cfg)
	case DriverStdio:
		return newStdioPublisher(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverStdio
	}
	return v
}

// SplitCommaList parses a broker flag value.
func SplitCommaList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func kafkaTLSEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

type kafkaPublisher struct {
	writer *kafka.Writer
}

func newKafkaPublisher(cfg Config) (Publisher, error) {
	brokers := SplitCommaList(strings.Join(cfg.Brokers, ","))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka requires at least one broker", ErrInvalidConfig)
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	if kafkaTLSEnabled() {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}
	return &kafkaPublisher{writer: writer}, nil
}

func (p *kafkaPublisher) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

// stdioPublisher writes one JSON envelope per line.
type stdioPublisher struct {
	w io.Writer
	m sync.Mutex
}

func newStdioPublisher(cfg Config) Publisher {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioPublisher{w: w}
}

type stdioEnvelope struct {
	Topic   string          `json:"topic"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func (p *stdioPublisher) Publish(_ context.Context, topic string, key, payload []byte) error {
	env := stdioEnvelope{Topic: topic, Key: string(key), Payload: payload}
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(payload))
		env.Payload = quoted
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: marshal envelope: %w", err)
	}
	p.m.Lock()
	defer p.m.Unlock()
	if _, err := p.w.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

func (p *stdioPublisher) Close() error {
	return nil
}

// Sink publishes each observed event to "{prefix}.{kind}", keyed by run id.
type Sink struct {
	pub    Publisher
	prefix string
	runID  string
}

var _ observer.Sink = (*Sink)(nil)

func NewSink(pub Publisher, prefix, runID string) (*Sink, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: nil publisher", ErrInvalidConfig)
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return nil, fmt.Errorf("%w: missing topic prefix", ErrInvalidConfig)
	}
	return &Sink{pub: pub, prefix: prefix, runID: runID}, nil
}

func (s *Sink) Topic(kind observer.Kind) string {
	return s.prefix + "." + string(kind)
}

func (s *Sink) Accept(ctx context.Context, ev observer.Event) error {
	if err := s.pub.Publish(ctx, s.Topic(ev.Kind), []byte(s.runID), ev.Payload); err != nil {
		return fmt.Errorf("relay: publish %s: %w", ev.Kind, err)
	}
	return nil
}
