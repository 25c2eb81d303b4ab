package entry

import "time"

// RecordType is opaque to the journal; the service assigns command types.
type RecordType uint8

// Record is one journaled command.
type Record struct {
	Type RecordType
	Seq  uint64
	Time int64
	Data []byte
}

func NewRecord(t RecordType, seq uint64, at time.Time, data []byte) *Record {
	return &Record{
		Type: t,
		Seq:  seq,
		Time: at.UnixNano(),
		Data: data,
	}
}

// At is the record time.
func (r *Record) At() time.Time {
	return time.Unix(0, r.Time)
}
