package entry

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// lastSeqInSegment returns the sequence of the last intact record of a
// closed segment. Sequences grow within a segment, so that is its maximum.
func lastSeqInSegment(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var last uint64
	for {
		rec, err := readRecord(f)
		switch {
		case err == nil:
			last = rec.Seq
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return last, nil
		default:
			return last, err
		}
	}
}
