package identity

import "sync"

const subscriptionBuffer = 4

// Subscription delivers identity events on C until Close is called.
type Subscription struct {
	C <-chan Event

	hub  *Hub
	id   uint64
	once sync.Once
}

// Close detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.id)
	})
}

// Hub fans identity state out to subscribers. Only the latest state matters,
// so a slow subscriber loses intermediate events rather than blocking the
// publisher.
type Hub struct {
	mu      sync.Mutex
	subs    map[uint64]chan Event
	next    uint64
	current *User
}

func NewHub(current *User) *Hub {
	return &Hub{
		subs:    make(map[uint64]chan Event),
		current: current,
	}
}

// Subscribe registers a subscriber and queues the current state for it.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriptionBuffer)
	ch <- Event{User: h.current}

	h.next++
	h.subs[h.next] = ch
	return &Subscription{C: ch, hub: h, id: h.next}
}

// Publish records u as the current state and delivers it to every subscriber.
func (h *Hub) Publish(u *User) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.current = u
	ev := Event{User: u}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// buffer full: drop the oldest queued state
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// Current returns the last published state.
func (h *Hub) Current() *User {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}
