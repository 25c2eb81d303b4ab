package service

import (
	"context"
	"time"

	"darkpool/snapshot"
)

// Snapshot writes the current state and drops journal segments it
// covers. The service lock keeps state and sequence consistent.
func (s *LedgerService) Snapshot(w *snapshot.Writer) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seqGen.Current()
	if err := w.Write(seq, s.engine.Export(), s.now()); err != nil {
		return 0, err
	}
	removed, err := s.entryWAL.TruncateBefore(seq)
	if err != nil {
		return seq, err
	}
	pruned, err := s.exitWAL.TruncateAckedUpTo(seq)
	if err != nil {
		return seq, err
	}
	s.log.Info().
		Uint64("seq", seq).
		Int("segments_removed", removed).
		Int("events_pruned", pruned).
		Msg("snapshot written")
	return seq, nil
}

// RunSnapshots snapshots every interval until ctx is done.
func (s *LedgerService) RunSnapshots(ctx context.Context, dir string, interval time.Duration) error {
	w := &snapshot.Writer{Dir: dir}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.Snapshot(w); err != nil {
				s.log.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}
