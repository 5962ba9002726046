package database

import (
	"sync/atomic"
	"time"
)

// Snowflake generates unique 64-bit ids: 41 bits of milliseconds since
// a custom epoch, 10 bits of worker id, 12 bits of per-millisecond
// sequence. Ids are strictly increasing per worker, which the ledger
// and outbox rely on for cursor ordering.
type Snowflake struct {
	epoch    int64
	workerID int64
	state    int64 // upper bits: last timestamp, lower 12 bits: sequence
}

const (
	snowflakeWorkerBits   = 10
	snowflakeSeqBits      = 12
	snowflakeWorkerShift  = snowflakeSeqBits
	snowflakeTimeShift    = snowflakeSeqBits + snowflakeWorkerBits
	snowflakeSeqMask      = (1 << snowflakeSeqBits) - 1
	snowflakeMaxWorkerID  = (1 << snowflakeWorkerBits) - 1
)

// NewSnowflake creates a generator. epoch is in milliseconds; workerID
// must be unique per server instance (0-1023, clamped to 0 otherwise).
func NewSnowflake(epoch, workerID int64) *Snowflake {
	if workerID < 0 || workerID > snowflakeMaxWorkerID {
		workerID = 0
	}
	return &Snowflake{epoch: epoch, workerID: workerID}
}

// NextID generates the next id without taking a lock.
func (s *Snowflake) NextID() int64 {
	for {
		oldState := atomic.LoadInt64(&s.state)
		lastTime := oldState >> snowflakeSeqBits
		seq := oldState & snowflakeSeqMask

		now := time.Now().UnixMilli()
		var newTime, newSeq int64

		switch {
		case now > lastTime:
			newTime, newSeq = now, 0
		default:
			// Same millisecond, or the clock went backwards: keep the
			// last known time and advance the sequence.
			newTime = lastTime
			newSeq = (seq + 1) & snowflakeSeqMask
			if newSeq == 0 {
				// Sequence exhausted within one millisecond
				for time.Now().UnixMilli() <= lastTime {
				}
				newTime, newSeq = time.Now().UnixMilli(), 0
			}
		}

		newState := (newTime << snowflakeSeqBits) | newSeq
		if atomic.CompareAndSwapInt64(&s.state, oldState, newState) {
			return ((newTime - s.epoch) << snowflakeTimeShift) |
				(s.workerID << snowflakeWorkerShift) |
				newSeq
		}
	}
}
