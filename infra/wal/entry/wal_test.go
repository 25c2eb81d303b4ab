package entry

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func appendN(t *testing.T, w *WAL, from, to uint64) {
	t.Helper()
	for s := from; s <= to; s++ {
		require.NoError(t, w.Append(NewRecord(RecordType(s%3), s, time.Unix(int64(s), 0), []byte{byte(s)})))
	}
}

func collect(t *testing.T, dir string, after uint64) []*Record {
	t.Helper()
	var out []*Record
	_, err := Replay(dir, after, func(r *Record) error {
		out = append(out, r)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestReplayInOrder(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, SegmentSize: 64})
	require.NoError(t, err)
	appendN(t, w, 1, 20)
	require.NoError(t, w.Close())

	files, err := segments(dir)
	require.NoError(t, err)
	require.Greater(t, len(files), 1)

	recs := collect(t, dir, 0)
	require.Len(t, recs, 20)
	for i, r := range recs {
		require.Equal(t, uint64(i+1), r.Seq)
		require.Equal(t, time.Unix(int64(i+1), 0), r.At())
		require.Equal(t, []byte{byte(i + 1)}, r.Data)
	}

	require.Len(t, collect(t, dir, 15), 5)
}

func TestReopenContinuesLastSegment(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, SegmentSize: 64})
	require.NoError(t, err)
	appendN(t, w, 1, 10)
	last := w.current.index
	require.NoError(t, w.Close())

	w, err = Open(Config{Dir: dir, SegmentSize: 64})
	require.NoError(t, err)
	require.Equal(t, last, w.current.index)
	appendN(t, w, 11, 12)
	require.NoError(t, w.Close())

	recs := collect(t, dir, 0)
	require.Len(t, recs, 12)
	require.Equal(t, uint64(12), recs[11].Seq)
}

func TestTruncateBefore(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, SegmentSize: 64})
	require.NoError(t, err)
	appendN(t, w, 1, 20)

	removed, err := w.TruncateBefore(10)
	require.NoError(t, err)
	require.Positive(t, removed)

	recs := collect(t, dir, 10)
	require.Len(t, recs, 10)
	require.Equal(t, uint64(11), recs[0].Seq)
	require.NoError(t, w.Close())
}

func TestTornTailIsIgnored(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	appendN(t, w, 1, 3)
	require.NoError(t, w.Close())

	path := segmentPath(dir, 0)
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-2))

	recs := collect(t, dir, 0)
	require.Len(t, recs, 2)
}

func TestCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	appendN(t, w, 1, 3)
	require.NoError(t, w.Close())

	path := segmentPath(dir, 0)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[headerSize] ^= 0xFF
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, err = Replay(dir, 0, func(*Record) error { return nil })
	require.ErrorIs(t, err, ErrCorrupt)
}
