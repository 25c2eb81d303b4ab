// Package snapshot persists the ledger state at a journal sequence.
//
// A snapshot is written to a temporary file and renamed into place, so a
// crash leaves either the previous snapshot or the new one. Recovery loads
// the snapshot and replays the journal records after its sequence.
package snapshot
