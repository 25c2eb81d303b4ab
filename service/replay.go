package service

import (
	"github.com/cockroachdb/errors"

	entrywal "darkpool/infra/wal/entry"
)

/*
Replay rebuilds engine state from the journal.

IMPORTANT:
- This MUST run before accepting traffic and before Resume
- Records are applied with their journaled time; commands that failed
  when first journaled fail again and are skipped
- Nothing is dispatched; Resume re-sends in-flight requests afterwards
- Outbox writes are idempotent, events already present are kept as is
*/
func (s *LedgerService) Replay(dir string, after uint64) (lastSeq uint64, count int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastSeq, err = entrywal.Replay(dir, after, func(rec *entrywal.Record) error {
		cmd, err := DecodeCommand(rec.Type, rec.Data)
		if err != nil {
			return errors.Wrapf(err, "record %d", rec.Seq)
		}
		a, err := s.apply(cmd, rec.At())
		if err != nil {
			return nil
		}
		count++
		return s.publish(rec.Seq, rec.At(), a.outcome.Events)
	})
	if err != nil {
		return lastSeq, count, err
	}

	// Resume sequencing after replay.
	s.seqGen.Reset(lastSeq)
	s.log.Info().Uint64("last_seq", lastSeq).Int("applied", count).Msg("journal replay completed")
	return lastSeq, count, nil
}
