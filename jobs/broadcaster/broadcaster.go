// Package broadcaster relays outbox events to Kafka.
package broadcaster

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"darkpool/infra/metrics"
	exitwal "darkpool/infra/wal/exit"
)

const (
	defaultInterval   = 250 * time.Millisecond
	defaultMaxRetries = 10
)

type Config struct {
	Topic    string
	Interval time.Duration
	// MaxRetries failed sends move an event to FAILED.
	MaxRetries uint32
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

type Broadcaster struct {
	exitWAL  *exitwal.ExitWAL
	producer sarama.SyncProducer
	cfg      Config
	log      zerolog.Logger
}

// NewSyncProducer builds the producer the broadcaster publishes with.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_8_0_0

	p, err := sarama.NewSyncProducer(brokers, cfg)
	return p, errors.Wrap(err, "kafka sync producer")
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

func New(exitWAL *exitwal.ExitWAL, producer sarama.SyncProducer, cfg Config) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Broadcaster{
		exitWAL:  exitWAL,
		producer: producer,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "broadcaster").Logger(),
	}
}

// ------------------------------------------------
// LOOP
// ------------------------------------------------

// Run publishes pending events every interval until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.log.Info().Str("topic", b.cfg.Topic).Msg("started")

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := b.ReplayOnce(); err != nil {
				b.log.Warn().Err(err).Msg("broadcast pass")
			}
		}
	}
}

// ------------------------------------------------
// REPLAY LOGIC (CRITICAL)
// ------------------------------------------------

type pending struct {
	key []byte
	rec exitwal.ExitRecord
}

// ReplayOnce publishes SENT events (attempted before, outcome unknown)
// and then NEW ones, oldest first. A failed send ends the pass so later
// events never overtake it; it is retried on the next pass.
func (b *Broadcaster) ReplayOnce() (sent int, err error) {
	var todo []pending
	for _, state := range []exitwal.ExitState{exitwal.StateSent, exitwal.StateNew} {
		err := b.exitWAL.ScanByState(state, func(key []byte, rec exitwal.ExitRecord) error {
			todo = append(todo, pending{key: key, rec: rec})
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	for _, p := range todo {
		// 1. Mark SENT before publishing.
		if err := b.exitWAL.UpdateState(p.key, exitwal.StateSent, p.rec.Retries); err != nil {
			return sent, err
		}

		// 2. Publish.
		if err := b.publish(p.rec.Envelope); err != nil {
			retries := p.rec.Retries + 1
			state := exitwal.StateSent
			if retries >= b.cfg.MaxRetries {
				state = exitwal.StateFailed
			}
			if uerr := b.exitWAL.UpdateState(p.key, state, retries); uerr != nil {
				return sent, uerr
			}
			b.cfg.Metrics.ObserveBroadcast("error")
			if state == exitwal.StateFailed {
				b.log.Error().Err(err).Str("event", p.rec.Envelope.ID).Msg("event failed permanently")
				continue
			}
			return sent, errors.Wrapf(err, "publish %s", p.rec.Envelope.ID)
		}

		// 3. Mark ACKED.
		if err := b.exitWAL.UpdateState(p.key, exitwal.StateAcked, p.rec.Retries); err != nil {
			return sent, err
		}
		b.cfg.Metrics.ObserveBroadcast("ok")
		sent++
	}
	return sent, nil
}

func (b *Broadcaster) publish(env exitwal.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, _, err = b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: b.cfg.Topic,
		Key:   sarama.StringEncoder(env.ID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(env.Type)},
		},
	})
	return err
}

// ------------------------------------------------
// SHUTDOWN
// ------------------------------------------------

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
