// Package exit is the event outbox. Events are written in the same step
// that journals their command and leave only after Kafka acknowledged them.
package exit

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// -------------------- State --------------------

type ExitState uint8

const (
	StateNew ExitState = iota
	StateSent
	StateAcked
	StateFailed
)

func (s ExitState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Envelope --------------------

var eventNamespace = uuid.MustParse("6f1c1f4e-3b0e-4c8a-9a55-0d6c1b7e2a10")

// Envelope is the published form of one event.
type Envelope struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq"`
	Index   uint32          `json:"index"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload as the index-th event of journal record seq.
// The id is derived from (seq, index) so a replay produces the same id.
func NewEnvelope(seq uint64, index uint32, typ string, at time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "encode %s event", typ)
	}
	return Envelope{
		V:       1,
		ID:      uuid.NewSHA1(eventNamespace, keyFor(seq, index)).String(),
		Type:    typ,
		Seq:     seq,
		Index:   index,
		Time:    at.UTC(),
		Payload: raw,
	}, nil
}

// Key is the outbox position of an envelope.
func (e Envelope) Key() []byte {
	return keyFor(e.Seq, e.Index)
}

// -------------------- Record --------------------

type ExitRecord struct {
	State       ExitState
	Retries     uint32
	LastAttempt int64
	Envelope    Envelope
}

// binary encoding: [state:1][retries:4][lastAttempt:8][envelope json]
func encodeRecord(r ExitRecord) ([]byte, error) {
	body, err := json.Marshal(r.Envelope)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 13, 13+len(body))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	return append(buf, body...), nil
}

func decodeRecord(b []byte) (ExitRecord, error) {
	if len(b) < 13 {
		return ExitRecord{}, errors.New("invalid exit record length")
	}
	r := ExitRecord{
		State:       ExitState(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
	}
	if err := json.Unmarshal(b[13:], &r.Envelope); err != nil {
		return ExitRecord{}, errors.Wrap(err, "decode envelope")
	}
	return r, nil
}

// -------------------- WAL --------------------

type ExitWAL struct {
	db *pebble.DB
}

func Open(dir string) (*ExitWAL, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false, // we WANT durability
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open outbox %s", dir)
	}
	return &ExitWAL{db: db}, nil
}

func (w *ExitWAL) Close() error {
	return w.db.Close()
}

// -------------------- API --------------------

// PutNew stores envelopes as NEW in one batch. Envelopes already present
// are left alone, so replaying the journal never resends an event.
func (w *ExitWAL) PutNew(envs ...Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	b := w.db.NewBatch()
	defer b.Close()

	for _, env := range envs {
		_, closer, err := w.db.Get(env.Key())
		if err == nil {
			_ = closer.Close()
			continue
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			return err
		}
		val, err := encodeRecord(ExitRecord{State: StateNew, Envelope: env})
		if err != nil {
			return err
		}
		if err := b.Set(env.Key(), val, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// UpdateState updates state after send / ack / failure.
func (w *ExitWAL) UpdateState(key []byte, state ExitState, retries uint32) error {
	rec, err := w.Get(key)
	if err != nil {
		return err
	}
	rec.State = state
	rec.Retries = retries
	rec.LastAttempt = time.Now().UnixNano()
	val, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return w.db.Set(key, val, pebble.Sync)
}

// TruncateAckedUpTo deletes ACKED records of journal sequences <= seq.
// Records above seq stay so a journal replay does not resend them.
func (w *ExitWAL) TruncateAckedUpTo(seq uint64) (int, error) {
	var keys [][]byte
	err := w.ScanByState(StateAcked, func(key []byte, rec ExitRecord) error {
		if rec.Envelope.Seq <= seq {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	b := w.db.NewBatch()
	defer b.Close()
	for _, k := range keys {
		if err := b.Delete(k, nil); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Get returns the current record for key.
func (w *ExitWAL) Get(key []byte) (ExitRecord, error) {
	val, closer, err := w.db.Get(key)
	if err != nil {
		return ExitRecord{}, err
	}
	defer closer.Close()

	return decodeRecord(val)
}

// -------------------- Scan --------------------

// ScanByState iterates all records in the given state, oldest first.
// This is used by the Broadcaster.
func (w *ExitWAL) ScanByState(
	state ExitState,
	fn func(key []byte, rec ExitRecord) error,
) error {
	iter, err := w.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("event/"),
		UpperBound: []byte("event/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}

		if rec.State != state {
			continue
		}

		key := append([]byte(nil), iter.Key()...)
		if err := fn(key, rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Count returns the number of records per state.
func (w *ExitWAL) Count() (map[ExitState]int, error) {
	out := make(map[ExitState]int)
	for _, s := range []ExitState{StateNew, StateSent, StateAcked, StateFailed} {
		n := 0
		if err := w.ScanByState(s, func([]byte, ExitRecord) error { n++; return nil }); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, nil
}

// -------------------- Helpers --------------------

func keyFor(seq uint64, index uint32) []byte {
	return []byte(fmt.Sprintf("event/%020d/%06d", seq, index))
}
