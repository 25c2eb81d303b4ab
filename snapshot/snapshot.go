package snapshot

import (
	"time"

	"darkpool/domain/engine"
)

const (
	fileName = "snapshot.json"
	version  = 1
)

type Snapshot struct {
	Version int          `json:"version"`
	Seq     uint64       `json:"seq"`
	Created time.Time    `json:"created"`
	State   engine.State `json:"state"`
}
