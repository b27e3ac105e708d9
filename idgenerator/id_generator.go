// Package idgenerator hands out process-unique identifiers.
package idgenerator

import (
	"sync/atomic"
	"time"
)

// IdGenerator generates monotonically increasing uint32 IDs in a concurrency-safe
// manner. The first Id() returns startValue+1.
type IdGenerator struct {
	id atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first Id() is startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next ID. It is safe for concurrent use.
func (g *IdGenerator) Id() uint32 {
	return g.id.Add(1)
}

// sequenceMask keeps the sequence part within 31 bits so composed ids stay
// positive.
const sequenceMask = 0x7FFFFFFF

// SessionIdGenerator composes int64 session ids from a sequence number in the
// high 32 bits and the unix time in seconds in the low 32 bits. Ids are unique
// for the lifetime of one process; they are not meant to be persisted.
type SessionIdGenerator struct {
	seq *IdGenerator
	now func() time.Time
}

// NewSessionIdGenerator returns a SessionIdGenerator using the wall clock.
func NewSessionIdGenerator() *SessionIdGenerator {
	return NewSessionIdGeneratorWithClock(time.Now)
}

// NewSessionIdGeneratorWithClock returns a SessionIdGenerator reading the
// timestamp part from now.
//
// Parameters:
//   - now: Clock used for the low 32 bits of every id
//
// Returns:
//   - A new SessionIdGenerator whose first sequence number is 1
func NewSessionIdGeneratorWithClock(now func() time.Time) *SessionIdGenerator {
	return &SessionIdGenerator{
		seq: NewIdGenerator(0),
		now: now,
	}
}

// Next returns the next session id. It is safe for concurrent use.
func (g *SessionIdGenerator) Next() int64 {
	seq := int64(g.seq.Id() & sequenceMask)
	ts := int64(uint32(g.now().Unix()))
	return seq<<32 | ts
}

// SplitSessionId returns the sequence and timestamp parts of an id produced by
// SessionIdGenerator.
func SplitSessionId(id int64) (seq uint32, unixSeconds uint32) {
	return uint32(id >> 32), uint32(id)
}
