package order

import "container/list"

// lruSet is a bounded set with least-recently-used eviction, used for signal
// and fill idempotency. Owned by the manager's run goroutine; not safe for
// concurrent use.
type lruSet struct {
	cap   int
	order *list.List // front = most recent
	items map[string]*list.Element
}

func newLRUSet(capacity int) *lruSet {
	if capacity <= 0 {
		capacity = 10000
	}
	return &lruSet{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

func (s *lruSet) Contains(id string) bool {
	el, ok := s.items[id]
	if ok {
		s.order.MoveToFront(el)
	}
	return ok
}

func (s *lruSet) Add(id string) {
	if el, ok := s.items[id]; ok {
		s.order.MoveToFront(el)
		return
	}
	s.items[id] = s.order.PushFront(id)
	for s.order.Len() > s.cap {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(string))
	}
}
