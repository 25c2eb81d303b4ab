package kafka

import (
	"context"
	"strconv"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"darkpool/domain/compute"
	"darkpool/domain/errs"
	"darkpool/mpc"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig configures the callback reader.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Logger  zerolog.Logger
}

// Consumer feeds cluster callbacks into a Finalizer. A message is
// committed once the ledger has either applied it or refused it for good.
type Consumer struct {
	reader     messageReader
	fin        mpc.Finalizer
	newBackOff func() backoff.BackOff
	log        zerolog.Logger
}

func NewConsumer(cfg ConsumerConfig, fin mpc.Finalizer) *Consumer {
	return newConsumer(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	}), fin, cfg.Logger)
}

func newConsumer(r messageReader, fin mpc.Finalizer, log zerolog.Logger) *Consumer {
	return &Consumer{
		reader:     r,
		fin:        fin,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		log:        log.With().Str("component", "kafka-consumer").Logger(),
	}
}

// Run consumes until ctx is done or the reader fails.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch callback")
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Not committed: the message is redelivered after a restart.
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit callback")
		}
	}
}

// handle returns an error only for failures worth redelivering.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var res compute.Result
	if err := json.Unmarshal(msg.Value, &res); err != nil {
		c.log.Error().Err(err).Int64("kafka_offset", msg.Offset).Msg("undecodable callback dropped")
		return nil
	}

	err := c.finalize(ctx, res)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrNotInitialized):
		// The book may still be coming up; keep the callback.
		return errors.Wrapf(err, "finalize offset %d", res.Offset)
	case errs.ClassOf(err) != errs.ClassUnknown:
		// Replayed or spoofed callbacks are refused by the ledger; the
		// refusal is final.
		c.log.Warn().Err(err).Uint64("offset", res.Offset).Msg("callback refused")
		return nil
	default:
		return errors.Wrapf(err, "finalize offset %d", res.Offset)
	}
}

// finalize retries while the ledger has no book yet. Any other outcome is
// returned as is.
func (c *Consumer) finalize(ctx context.Context, res compute.Result) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.fin.FinalizeComputation(ctx, res)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, errs.ErrNotInitialized):
			c.log.Debug().Uint64("offset", res.Offset).Msg("book not initialized, holding callback")
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(c.newBackOff()))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func formatOffset(v uint64) string {
	return strconv.FormatUint(v, 10)
}
