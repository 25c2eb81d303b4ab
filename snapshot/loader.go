package snapshot

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
)

// Load reads the snapshot in dir. A missing snapshot is not an error;
// ok reports whether one was found.
func Load(dir string) (s Snapshot, ok bool, err error) {
	body, err := os.ReadFile(filepath.Join(dir, fileName))
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	if err := json.Unmarshal(body, &s); err != nil {
		return Snapshot{}, false, errors.Wrap(err, "decode snapshot")
	}
	if s.Version != version {
		return Snapshot{}, false, errors.Newf("snapshot version %d, want %d", s.Version, version)
	}
	return s, true, nil
}
