package entry

import (
	"encoding/binary"
	"os"
	"time"
)

const headerSize = 1 + 8 + 8 + 4

type Config struct {
	Dir             string
	SegmentSize     int64
	SegmentDuration time.Duration
	// Sync fsyncs every append.
	Sync bool
}

// WAL is the append-only command journal.
// IMPORTANT: not safe for concurrent Append; the service serialises writers.
type WAL struct {
	dir        string
	segSize    int64
	segDur     time.Duration
	sync       bool
	current    *segment
	lastRotate time.Time
}

// Open continues the highest existing segment, or starts segment 0.
func Open(cfg Config) (*WAL, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	files, err := segments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	index := 0
	if len(files) > 0 {
		index = segmentIndex(files[len(files)-1])
	}

	seg, err := openSegment(cfg.Dir, index)
	if err != nil {
		return nil, err
	}

	return &WAL{
		dir:        cfg.Dir,
		segSize:    cfg.SegmentSize,
		segDur:     cfg.SegmentDuration,
		sync:       cfg.Sync,
		current:    seg,
		lastRotate: time.Now(),
	}, nil
}

func (w *WAL) Append(r *Record) error {
	payloadLen := uint32(len(r.Data))

	// Frame:
	// [type:1][seq:8][time:8][len:4][payload][crc:4]
	buf := make([]byte, headerSize+payloadLen+4)

	buf[0] = byte(r.Type)
	binary.BigEndian.PutUint64(buf[1:9], r.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.Time))
	binary.BigEndian.PutUint32(buf[17:21], payloadLen)
	copy(buf[headerSize:], r.Data)

	crc := CRC32(buf[:headerSize+payloadLen])
	binary.BigEndian.PutUint32(buf[headerSize+payloadLen:], crc)

	if err := w.current.append(buf); err != nil {
		return err
	}
	if w.sync {
		if err := w.current.sync(); err != nil {
			return err
		}
	}

	if w.shouldRotate() {
		return w.rotate()
	}
	return nil
}

func (w *WAL) shouldRotate() bool {
	if w.segSize > 0 && w.current.offset >= w.segSize {
		return true
	}
	return w.segDur > 0 && time.Since(w.lastRotate) >= w.segDur
}

func (w *WAL) rotate() error {
	if err := w.current.sync(); err != nil {
		return err
	}
	_ = w.current.close()

	seg, err := openSegment(w.dir, w.current.index+1)
	if err != nil {
		return err
	}

	w.current = seg
	w.lastRotate = time.Now()
	return nil
}

// TruncateBefore removes closed segments whose records are all <= seq.
// It is called after a snapshot at seq was written.
func (w *WAL) TruncateBefore(seq uint64) (removed int, err error) {
	files, err := segments(w.dir)
	if err != nil {
		return 0, err
	}

	for _, path := range files {
		if segmentIndex(path) == w.current.index {
			continue
		}
		maxSeq, err := lastSeqInSegment(path)
		if err != nil {
			continue
		}
		if maxSeq <= seq {
			if err := os.Remove(path); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (w *WAL) Close() error {
	if err := w.current.sync(); err != nil {
		_ = w.current.close()
		return err
	}
	return w.current.close()
}
