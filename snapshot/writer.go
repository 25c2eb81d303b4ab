package snapshot

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"

	"darkpool/domain/engine"
)

type Writer struct {
	Dir string
}

// Write stores state as the snapshot at journal sequence seq.
func (w *Writer) Write(seq uint64, state engine.State, now time.Time) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return err
	}

	body, err := json.Marshal(Snapshot{Version: version, Seq: seq, Created: now.UTC(), State: state})
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}

	f, err := os.CreateTemp(w.Dir, fileName+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(body); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(w.Dir, fileName))
}
