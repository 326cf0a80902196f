// Package messagestore holds the ordered conversation as seen by the host.
package messagestore

import (
	"errors"
	"math"
	"sync"

	"github.com/ashureev/supportchat/internal/domain"
)

// ErrIDOrder is returned by Replace when supplied ids are not strictly
// increasing or are above MaxSuppliedID.
var ErrIDOrder = errors.New("message ids must be strictly increasing")

// MaxSuppliedID is the largest id a caller may hand in. The ids above it are
// left to the sequence so the counter can never overflow.
const MaxSuppliedID = math.MaxInt64 / 2

// Patch lists field updates applied by id. Zero values leave a field untouched.
type Patch struct {
	Status          domain.Status
	ServerMessageID string
}

// Store is an append-only message sequence with in-place status patches.
// Insertion order is display order and ids grow with insertion order.
type Store struct {
	mu       sync.RWMutex
	messages []domain.Message
	index    map[int64]int
	nextID   int64
}

// New creates an empty store whose first id is 1.
func New() *Store {
	return &Store{
		messages: make([]domain.Message, 0, 32),
		index:    make(map[int64]int),
		nextID:   1,
	}
}

// Append stores msg with the next sequence id and returns the stored copy.
// A caller-supplied id is only kept when it is ahead of the sequence and
// not above MaxSuppliedID.
func (s *Store) Append(msg domain.Message) domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(msg)
}

func (s *Store) appendLocked(msg domain.Message) domain.Message {
	if msg.ID < s.nextID || msg.ID > MaxSuppliedID {
		msg.ID = s.nextID
	}
	s.nextID = msg.ID + 1
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	return msg
}

// Patch applies p to the message with the given id. It returns false, and
// changes nothing, when the id is unknown or the status change is not an
// allowed transition.
func (s *Store) Patch(id int64, p Patch) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return domain.Message{}, false
	}
	msg := s.messages[i]
	if p.Status != domain.StatusNone && p.Status != msg.Status {
		if !msg.Status.CanTransition(p.Status) {
			return msg, false
		}
		msg.Status = p.Status
	}
	if p.ServerMessageID != "" {
		msg.ServerMessageID = p.ServerMessageID
	}
	s.messages[i] = msg
	return msg, true
}

// Get returns the message with the given id.
func (s *Store) Get(id int64) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return domain.Message{}, false
	}
	return s.messages[i], true
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Snapshot returns a copy of the full ordered sequence.
func (s *Store) Snapshot() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Replace swaps the whole sequence. Zero ids are assigned from the sequence
// counter; the resulting ids must be strictly increasing. The counter never
// moves backwards, so ids are not reused after a replace.
func (s *Store) Replace(msgs []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.nextID
	out := make([]domain.Message, 0, len(msgs))
	var prev int64
	for _, m := range msgs {
		if m.ID == 0 {
			m.ID = max(next, prev+1)
		}
		if m.ID <= prev || m.ID > MaxSuppliedID {
			return ErrIDOrder
		}
		prev = m.ID
		if m.ID >= next {
			next = m.ID + 1
		}
		out = append(out, m)
	}

	s.messages = out
	s.index = make(map[int64]int, len(out))
	for i, m := range out {
		s.index[m.ID] = i
	}
	s.nextID = next
	return nil
}
