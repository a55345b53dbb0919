// Package history keeps the bounded conversational memory each persona
// carries per room.
package history

import (
	"sync"

	"github.com/AlphafromZion/matrix-agent-room/transport"
)

type key struct {
	persona string
	room    string
}

// Store holds one window per (persona, room) pair. Windows are never
// shared: two personas in the same room each keep their own view, so one
// persona's eviction cannot affect another's context.
type Store struct {
	cap int

	mu      sync.Mutex
	windows map[key][]transport.RoomEvent
}

func NewStore(cap int) *Store {
	if cap < 1 {
		cap = 1
	}
	return &Store{
		cap:     cap,
		windows: make(map[key][]transport.RoomEvent),
	}
}

// Append records evt at the tail of the pair's window, evicting the oldest
// entry once the window is full. Strict FIFO by arrival order.
func (s *Store) Append(persona, room string, evt transport.RoomEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{persona, room}
	w := append(s.windows[k], evt)
	if len(w) > s.cap {
		w = w[len(w)-s.cap:]
	}
	// Reallocate when the backing array has drifted far past cap, so
	// evicted events don't pin memory forever.
	if cap(w) > 2*s.cap {
		w = append(make([]transport.RoomEvent, 0, s.cap), w...)
	}
	s.windows[k] = w
}

// Snapshot returns an immutable ordered copy of the pair's window. The
// caller can read it freely while appends continue.
func (s *Store) Snapshot(persona, room string) []transport.RoomEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[key{persona, room}]
	out := make([]transport.RoomEvent, len(w))
	copy(out, w)
	return out
}

// Len reports the current window size for the pair.
func (s *Store) Len(persona, room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows[key{persona, room}])
}
