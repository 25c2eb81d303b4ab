package exit

import (
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/require"
)

type deposit struct {
	Amount uint64 `json:"amount"`
}

func open(t *testing.T) *ExitWAL {
	t.Helper()
	w, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func envelope(t *testing.T, seq uint64, index uint32) Envelope {
	t.Helper()
	env, err := NewEnvelope(seq, index, "vault", time.Unix(5, 0), deposit{Amount: seq})
	require.NoError(t, err)
	return env
}

func TestEnvelopeIDIsStable(t *testing.T) {
	a := envelope(t, 7, 1)
	b := envelope(t, 7, 1)
	require.Equal(t, a.ID, b.ID)
	require.NotEqual(t, a.ID, envelope(t, 7, 2).ID)
	require.JSONEq(t, `{"amount":7}`, string(a.Payload))
}

func TestLifecycle(t *testing.T) {
	w := open(t)
	require.NoError(t, w.PutNew(envelope(t, 2, 0), envelope(t, 1, 0), envelope(t, 1, 1)))

	var seen []uint64
	require.NoError(t, w.ScanByState(StateNew, func(_ []byte, rec ExitRecord) error {
		seen = append(seen, rec.Envelope.Seq)
		return nil
	}))
	require.Equal(t, []uint64{1, 1, 2}, seen)

	key := envelope(t, 1, 0).Key()
	require.NoError(t, w.UpdateState(key, StateSent, 1))
	require.NoError(t, w.UpdateState(key, StateAcked, 1))

	rec, err := w.Get(key)
	require.NoError(t, err)
	require.Equal(t, StateAcked, rec.State)
	require.Equal(t, uint32(1), rec.Retries)
	require.Equal(t, "vault", rec.Envelope.Type)

	counts, err := w.Count()
	require.NoError(t, err)
	require.Equal(t, 2, counts[StateNew])
	require.Equal(t, 1, counts[StateAcked])
}

func TestPutNewIsIdempotent(t *testing.T) {
	w := open(t)
	env := envelope(t, 3, 0)
	require.NoError(t, w.PutNew(env))
	require.NoError(t, w.UpdateState(env.Key(), StateAcked, 0))

	require.NoError(t, w.PutNew(env))
	rec, err := w.Get(env.Key())
	require.NoError(t, err)
	require.Equal(t, StateAcked, rec.State)
}

func TestTruncateAckedUpTo(t *testing.T) {
	w := open(t)
	envs := []Envelope{envelope(t, 1, 0), envelope(t, 2, 0), envelope(t, 3, 0)}
	require.NoError(t, w.PutNew(envs...))
	for _, env := range envs {
		require.NoError(t, w.UpdateState(env.Key(), StateAcked, 0))
	}

	n, err := w.TruncateAckedUpTo(2)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = w.Get(envs[0].Key())
	require.ErrorIs(t, err, pebble.ErrNotFound)
	rec, err := w.Get(envs[2].Key())
	require.NoError(t, err)
	require.Equal(t, StateAcked, rec.State)
}
