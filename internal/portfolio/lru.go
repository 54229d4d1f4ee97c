package portfolio

import "container/list"

// lruSet is a bounded set of recently seen IDs, used for fill deduplication.
// Not safe for concurrent use; the single-writer loop is the only caller.
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

// Contains reports membership and refreshes recency.
func (s *lruSet) Contains(id string) bool {
	el, ok := s.items[id]
	if ok {
		s.order.MoveToFront(el)
	}
	return ok
}

// Add inserts id, evicting the oldest entry when full.
func (s *lruSet) Add(id string) {
	if el, ok := s.items[id]; ok {
		s.order.MoveToFront(el)
		return
	}
	if s.order.Len() >= s.cap {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.items, oldest.Value.(string))
		}
	}
	s.items[id] = s.order.PushFront(id)
}

func (s *lruSet) Len() int {
	return s.order.Len()
}
