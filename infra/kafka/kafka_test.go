package kafka

import (
	"context"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"darkpool/domain/compute"
	"darkpool/domain/errs"
	"darkpool/mpc"
)

type fakeWriter struct {
	fails int
	msgs  []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.fails > 0 {
		w.fails--
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func testProducer(w messageWriter, tries uint) *Producer {
	p := newProducer(w, ProducerConfig{MaxTries: tries, Logger: zerolog.Nop()})
	p.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return p
}

func TestProducerRetriesAndKeysByOffset(t *testing.T) {
	w := &fakeWriter{fails: 2}
	p := testProducer(w, 3)

	req := compute.Request{Offset: 42, Kind: compute.MatchOrders}
	require.NoError(t, p.Dispatch(context.Background(), req))
	require.Len(t, w.msgs, 1)
	require.Equal(t, "match_orders/42", string(w.msgs[0].Key))

	var m RequestMessage
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &m))
	require.Equal(t, TypeCompute, m.Type)
	require.Equal(t, uint64(42), m.Request.Offset)
}

func TestProducerGivesUp(t *testing.T) {
	w := &fakeWriter{fails: 10}
	p := testProducer(w, 2)
	require.Error(t, p.Dispatch(context.Background(), compute.Request{Offset: 1, Kind: compute.SubmitOrder}))
	require.Empty(t, w.msgs)
}

func TestProducerRegistersOnce(t *testing.T) {
	w := &fakeWriter{}
	p := testProducer(w, 0)
	ctx := context.Background()

	require.NoError(t, p.RegisterDefinition(ctx, compute.SubmitOrder))
	require.ErrorIs(t, p.RegisterDefinition(ctx, compute.SubmitOrder), mpc.ErrDefinitionExists)
	require.Len(t, w.msgs, 1)
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return kafka.Message{}, context.Canceled
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func callback(t *testing.T, offset int64, res compute.Result) kafka.Message {
	t.Helper()
	v, err := json.Marshal(res)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: v}
}

func TestConsumerCommitsAppliedAndRefused(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		callback(t, 0, compute.Result{Offset: 1, Kind: compute.SubmitOrder, Accepted: true}),
		callback(t, 1, compute.Result{Offset: 1, Kind: compute.SubmitOrder, Accepted: true}),
		{Offset: 2, Value: []byte("{")},
	}}
	var seen []uint64
	fin := mpc.FinalizerFunc(func(_ context.Context, res compute.Result) error {
		for _, s := range seen {
			if s == res.Offset {
				return errors.Wrap(errs.ErrAlreadyFinalized, "replay")
			}
		}
		seen = append(seen, res.Offset)
		return nil
	})

	c := newConsumer(r, fin, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))
	require.Equal(t, []int64{0, 1, 2}, r.committed)
	require.Equal(t, []uint64{1}, seen)
}

func TestConsumerStopsOnLedgerFailure(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		callback(t, 0, compute.Result{Offset: 1, Kind: compute.SubmitOrder}),
	}}
	fin := mpc.FinalizerFunc(func(context.Context, compute.Result) error {
		return errors.New("journal full")
	})
	c := newConsumer(r, fin, zerolog.Nop())
	require.Error(t, c.Run(context.Background()))
	require.Empty(t, r.committed)
}

func testConsumer(r messageReader, fin mpc.Finalizer) *Consumer {
	c := newConsumer(r, fin, zerolog.Nop())
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func TestConsumerHoldsCallbackUntilBookExists(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		callback(t, 0, compute.Result{Offset: 1, Kind: compute.InitOrderBook, Accepted: true}),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	fin := mpc.FinalizerFunc(func(context.Context, compute.Result) error {
		calls++
		if calls < 3 {
			return errs.ErrNotInitialized
		}
		cancel()
		return nil
	})

	require.NoError(t, testConsumer(r, fin).Run(ctx))
	require.Equal(t, 3, calls)
	require.Equal(t, []int64{0}, r.committed)
}

func TestConsumerNeverCommitsBeforeBookExists(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		callback(t, 0, compute.Result{Offset: 1, Kind: compute.SubmitOrder, Accepted: true}),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	fin := mpc.FinalizerFunc(func(context.Context, compute.Result) error {
		calls++
		if calls == 5 {
			cancel()
		}
		return errors.Wrap(errs.ErrNotInitialized, "no book")
	})

	require.NoError(t, testConsumer(r, fin).Run(ctx))
	require.Equal(t, 5, calls)
	require.Empty(t, r.committed)
}
