package app

import (
	"context"
	"sync"
)

// publishSequencer orders event publishes per ticket on this node. A slot for version N
// waits until every slot with a lower version of the same ticket has been released.
type publishSequencer struct {
	mu      sync.Mutex
	pending map[string][]*publishSlot
}

type publishSlot struct {
	seq      *publishSequencer
	ticketID string
	version  int64
	done     chan struct{}
	once     sync.Once
}

func newPublishSequencer() *publishSequencer {
	return &publishSequencer{pending: make(map[string][]*publishSlot)}
}

func (q *publishSequencer) reserve(ticketID string, version int64) *publishSlot {
	slot := &publishSlot{
		seq:      q,
		ticketID: ticketID,
		version:  version,
		done:     make(chan struct{}),
	}
	q.mu.Lock()
	q.pending[ticketID] = append(q.pending[ticketID], slot)
	q.mu.Unlock()
	return slot
}

// inFlight reports how many slots are held for ticketID.
func (q *publishSequencer) inFlight(ticketID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[ticketID])
}

func (q *publishSequencer) lowerThan(s *publishSlot) *publishSlot {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, other := range q.pending[s.ticketID] {
		if other.version < s.version {
			return other
		}
	}
	return nil
}

// wait blocks until no lower version of the same ticket is in flight.
func (s *publishSlot) wait(ctx context.Context) error {
	for {
		blocker := s.seq.lowerThan(s)
		if blocker == nil {
			return nil
		}
		select {
		case <-blocker.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *publishSlot) release() {
	s.once.Do(func() {
		q := s.seq
		q.mu.Lock()
		slots := q.pending[s.ticketID]
		for i, other := range slots {
			if other == s {
				slots = append(slots[:i], slots[i+1:]...)
				break
			}
		}
		if len(slots) == 0 {
			delete(q.pending, s.ticketID)
		} else {
			q.pending[s.ticketID] = slots
		}
		q.mu.Unlock()
		close(s.done)
	})
}
