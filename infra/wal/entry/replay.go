package entry

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

var ErrCorrupt = errors.New("journal record corrupt")

type ReplayHandler func(*Record) error

// Replay feeds every record with Seq > after to fn, in journal order.
// A torn frame at the very end of the last segment is a write that never
// completed and ends the replay; anywhere else it is corruption.
func Replay(dir string, after uint64, fn ReplayHandler) (lastSeq uint64, err error) {
	files, err := segments(dir)
	if err != nil {
		return 0, err
	}

	lastSeq = after
	for i, path := range files {
		last := i == len(files)-1
		lastSeq, err = replaySegment(path, after, lastSeq, last, fn)
		if err != nil {
			return lastSeq, errors.Wrapf(err, "segment %s", path)
		}
	}
	return lastSeq, nil
}

func replaySegment(path string, after, lastSeq uint64, last bool, fn ReplayHandler) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return lastSeq, err
	}
	defer f.Close()

	for {
		rec, err := readRecord(f)
		if err != nil {
			if err == io.EOF {
				return lastSeq, nil
			}
			if last && errors.Is(err, io.ErrUnexpectedEOF) {
				return lastSeq, nil
			}
			return lastSeq, err
		}

		if rec.Seq <= after {
			continue
		}
		if rec.Seq <= lastSeq {
			return lastSeq, errors.Wrapf(ErrCorrupt, "non-monotonic seq %d after %d", rec.Seq, lastSeq)
		}
		lastSeq = rec.Seq

		if err := fn(rec); err != nil {
			return lastSeq, err
		}
	}
}

func readRecord(r io.Reader) (*Record, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	t := RecordType(header[0])
	seq := binary.BigEndian.Uint64(header[1:9])
	ts := binary.BigEndian.Uint64(header[9:17])
	l := binary.BigEndian.Uint32(header[17:21])

	data := make([]byte, l+4)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	payload := data[:l]
	crc := binary.BigEndian.Uint32(data[l:])

	if !CRC32Valid(append(header, payload...), crc) {
		return nil, errors.Wrapf(ErrCorrupt, "crc mismatch at seq %d", seq)
	}

	return &Record{
		Type: t,
		Seq:  seq,
		Time: int64(ts),
		Data: payload,
	}, nil
}
