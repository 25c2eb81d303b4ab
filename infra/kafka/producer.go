// Package kafka carries computation requests to the cluster and its
// callbacks back to the ledger.
package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"darkpool/domain/compute"
	"darkpool/mpc"
)

// Message types on the request topic.
const (
	TypeRegister = "register_definition"
	TypeCompute  = "compute"
)

// RequestMessage is the value of a request topic message.
type RequestMessage struct {
	Type    string           `json:"type"`
	Kind    compute.Kind     `json:"kind"`
	Request *compute.Request `json:"request,omitempty"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerConfig configures the request writer.
type ProducerConfig struct {
	Brokers []string
	Topic   string

	// MaxTries bounds attempts per message; zero means 5.
	MaxTries uint
	Logger   zerolog.Logger
}

// Producer implements mpc.Cluster by writing requests to Kafka.
// Requests are keyed by offset, so one offset always lands on the same
// partition.
type Producer struct {
	writer     messageWriter
	maxTries   uint
	newBackOff func() backoff.BackOff
	log        zerolog.Logger

	mu         sync.Mutex
	registered map[compute.Kind]bool
}

var _ mpc.Cluster = (*Producer)(nil)

func NewProducer(cfg ProducerConfig) *Producer {
	return newProducer(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}, cfg)
}

func newProducer(w messageWriter, cfg ProducerConfig) *Producer {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	return &Producer{
		writer:     w,
		maxTries:   cfg.MaxTries,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		log:        cfg.Logger.With().Str("component", "kafka-producer").Logger(),
		registered: make(map[compute.Kind]bool),
	}
}

// RegisterDefinition announces kind to the cluster once per process.
func (p *Producer) RegisterDefinition(ctx context.Context, kind compute.Kind) error {
	p.mu.Lock()
	done := p.registered[kind]
	p.mu.Unlock()
	if done {
		return errors.Wrapf(mpc.ErrDefinitionExists, "%s", kind)
	}

	if err := p.send(ctx, []byte("definition/"+kind.String()), RequestMessage{Type: TypeRegister, Kind: kind}); err != nil {
		return err
	}
	p.mu.Lock()
	p.registered[kind] = true
	p.mu.Unlock()
	return nil
}

func (p *Producer) Dispatch(ctx context.Context, req compute.Request) error {
	key := []byte(req.Kind.String() + "/" + formatOffset(req.Offset))
	return p.send(ctx, key, RequestMessage{Type: TypeCompute, Kind: req.Kind, Request: &req})
}

func (p *Producer) send(ctx context.Context, key []byte, m RequestMessage) error {
	value, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	msg := kafka.Message{Key: key, Value: value}

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := p.writer.WriteMessages(ctx, msg)
		if err != nil {
			p.log.Warn().Err(err).Int("attempt", attempt).Bytes("key", key).Msg("write request")
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(p.maxTries),
	)
	return errors.Wrapf(err, "send %s", key)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
