package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/escrowdex/exchange/pkg/storage"
)

// Log persists events under evt:{seq} so a cursor read is a pebble range
// scan. Appends go into the caller's batch: the event commits atomically
// with the state transition it describes.
type Log struct {
	mu    sync.Mutex
	next  uint64
	store *storage.Store
}

// NewLog recovers the next sequence number from the last persisted event.
func NewLog(st *storage.Store) (*Log, error) {
	l := &Log{store: st}

	key, ok, err := st.LastKey(storage.EventPrefix())
	if err != nil {
		return nil, fmt.Errorf("recover event log: %w", err)
	}
	if ok {
		prefix := storage.EventPrefix()
		if len(key) != len(prefix)+8 {
			return nil, fmt.Errorf("recover event log: bad key length %d", len(key))
		}
		l.next = binary.BigEndian.Uint64(key[len(prefix):]) + 1
	}

	return l, nil
}

// Append assigns the next sequence to e and stages it into the batch.
// The returned event carries the assigned Seq.
func (l *Log) Append(b *storage.Batch, e Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Seq = l.next
	data, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("encode event: %w", err)
	}
	if err := b.Set(storage.EventKey(e.Seq), data); err != nil {
		return Event{}, err
	}
	l.next++
	return e, nil
}

// NextSeq returns the sequence the next append will receive.
func (l *Log) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// ReadFrom returns up to limit events starting at the given cursor.
// Reading past the end returns an empty slice, not an error.
func (l *Log) ReadFrom(cursor uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	events := make([]Event, 0, limit)
	err := l.store.ScanRange(
		storage.EventKey(cursor),
		storage.KeyUpperBound(storage.EventPrefix()),
		func(_, val []byte) (bool, error) {
			var e Event
			if err := json.Unmarshal(val, &e); err != nil {
				return false, fmt.Errorf("decode event: %w", err)
			}
			events = append(events, e)
			return len(events) < limit, nil
		},
	)
	if err != nil {
		return nil, err
	}
	return events, nil
}
