package order

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/escrowdex/exchange/pkg/storage"
)

// Store holds every order ever created, keyed by id. Terminal orders are
// retained for audit. The in-memory map is authoritative; pebble carries
// it across restarts.
type Store struct {
	mu      sync.RWMutex
	orders  map[string]*Order
	byOwner map[common.Address][]string
	seq     uint64
	store   *storage.Store
}

// NewStore loads all persisted orders and the sequence counter.
func NewStore(st *storage.Store) (*Store, error) {
	s := &Store{
		orders:  make(map[string]*Order),
		byOwner: make(map[common.Address][]string),
		store:   st,
	}

	err := st.Scan(storage.OrderPrefix(), func(_, val []byte) error {
		var rec orderRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("decode order record: %w", err)
		}
		o, err := rec.toOrder()
		if err != nil {
			return err
		}
		s.orders[o.ID] = o
		s.byOwner[o.Owner] = append(s.byOwner[o.Owner], o.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, ok, err := st.Get(storage.OrderSeqKey())
	if err != nil {
		return nil, err
	}
	if ok && len(data) == 8 {
		s.seq = binary.BigEndian.Uint64(data)
	}

	return s, nil
}

// NextSeq issues the next order sequence number. The counter is staged
// alongside the order so it survives restarts.
func (s *Store) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Create inserts a new order in whatever state it carries.
func (s *Store) Create(o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	s.orders[o.ID] = o
	s.byOwner[o.Owner] = append(s.byOwner[o.Owner], o.ID)
	return nil
}

// Transition moves an order to a terminal state, enforcing the lifecycle.
func (s *Store) Transition(id string, next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	if !o.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, o.State, next, id)
	}
	o.State = next
	return nil
}

// Get returns a snapshot copy of the order.
func (s *Store) Get(id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	return o.Clone(), nil
}

// OpenOrders returns copies of the account's Open orders, oldest first.
func (s *Store) OpenOrders(owner common.Address) []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Order
	for _, id := range s.byOwner[owner] {
		if o := s.orders[id]; o.State == Open {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Count returns the total number of orders, terminal ones included.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

// Reload replaces the in-memory order with its last committed state,
// dropping it entirely if it was never persisted. Used to discard
// mutations whose batch failed to commit.
func (s *Store) Reload(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok, err := s.store.Get(storage.OrderKey(id))
	if err != nil {
		return err
	}
	if !ok {
		if o, exists := s.orders[id]; exists {
			delete(s.orders, id)
			s.byOwner[o.Owner] = dropID(s.byOwner[o.Owner], id)
		}
		return nil
	}

	var rec orderRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("decode order record: %w", err)
	}
	o, err := rec.toOrder()
	if err != nil {
		return err
	}
	s.orders[id] = o
	return nil
}

func dropID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Stage writes the order's current state and the sequence counter into
// the batch.
func (s *Store) Stage(b *storage.Batch, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("stage %w: %s", ErrUnknownOrder, id)
	}
	data, err := json.Marshal(o.toRecord())
	if err != nil {
		return fmt.Errorf("encode order %s: %w", id, err)
	}
	if err := b.Set(storage.OrderKey(id), data); err != nil {
		return err
	}

	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], s.seq)
	return b.Set(storage.OrderSeqKey(), seqBytes[:])
}
