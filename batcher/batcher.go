package batcher

import (
	"errors"
	"time"

	"github.com/baldanca/occupancy-transform/source"
)

type BatcherConfig struct {
	// MaxEstimatedInputBytes controls flush-by-size using the estimated size
	// of the consumed documents, not of the encoded output.
	MaxEstimatedInputBytes int64
	// MaxItems controls flush-by-count of output items. If 0, it's ignored.
	MaxItems      int
	FlushInterval time.Duration

	// ReuseBuffers swaps between two buffers on Flush. A returned Batch stays
	// valid until the following Flush.
	ReuseBuffers bool
}

var DefaultBatcherConfig = BatcherConfig{
	MaxEstimatedInputBytes: 5 * 1024 * 1024,
	FlushInterval:          5 * time.Minute,
}

func (c BatcherConfig) validate() error {
	if c.MaxEstimatedInputBytes <= 0 {
		return errors.New("MaxEstimatedInputBytes must be > 0")
	}
	if c.FlushInterval <= 0 {
		return errors.New("FlushInterval must be > 0")
	}
	if c.MaxItems < 0 {
		return errors.New("MaxItems must be >= 0")
	}
	return nil
}

// Batcher accumulates the items produced by many documents together with the
// messages that carried those documents.
type Batcher[T any] struct {
	cfg BatcherConfig

	items []T
	bytes int64
	acks  source.AckGroup

	spareItems []T
	spareAcks  source.AckGroup

	deadline time.Time
	active   bool
}

func NewBatcher[T any](cfg BatcherConfig) (*Batcher[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Batcher[T]{cfg: cfg}
	if cfg.ReuseBuffers {
		n := cfg.MaxItems
		if n <= 0 {
			n = 1024
		}
		b.items = make([]T, 0, n)
		b.spareItems = make([]T, 0, n)
	}
	return b, nil
}

// Add records every item derived from msg. msg is tracked for
// acknowledgement even when items is empty, so a document with an empty
// collection is still acknowledged by the next flush.
func (b *Batcher[T]) Add(now time.Time, items []T, msg source.Message, sizeBytes int64) (flushNow bool) {
	if !b.active {
		b.active = true
		b.deadline = now.Add(b.cfg.FlushInterval)
	}
	if sizeBytes < 0 {
		sizeBytes = 0
	}

	b.items = append(b.items, items...)
	b.bytes += sizeBytes
	if msg != nil {
		b.acks.Add(msg)
	}

	if b.cfg.MaxItems > 0 && len(b.items) >= b.cfg.MaxItems {
		return true
	}
	return b.bytes >= b.cfg.MaxEstimatedInputBytes
}

func (b *Batcher[T]) ShouldFlushTime(now time.Time) bool {
	if !b.active {
		return false
	}
	return !now.Before(b.deadline)
}

func (b *Batcher[T]) Deadline() (t time.Time, ok bool) {
	if !b.active {
		return time.Time{}, false
	}
	return b.deadline, true
}

// Batch is the unit handed to the encoder and sink. Items may be empty while
// Acks is not when every document in the window held no entities.
type Batch[T any] struct {
	Items []T
	Bytes int64
	Acks  source.AckGroup
}

// Empty reports whether there is nothing to write and nothing to acknowledge.
func (b Batch[T]) Empty() bool {
	return len(b.Items) == 0 && b.Acks.Len() == 0
}

func (b *Batcher[T]) Flush() Batch[T] {
	out := Batch[T]{
		Items: b.items,
		Bytes: b.bytes,
		Acks:  b.acks,
	}

	if b.cfg.ReuseBuffers {
		clear(b.spareItems[:cap(b.spareItems)])
		b.items, b.spareItems = b.spareItems[:0], out.Items[:0]
		b.acks, b.spareAcks = b.spareAcks, b.acks
		b.acks.Clear()
	} else {
		b.items = nil
		b.acks = source.AckGroup{}
	}
	b.bytes = 0
	b.active = false
	b.deadline = time.Time{}

	return out
}
