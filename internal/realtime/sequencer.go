package realtime

import "sync"

// RoomSequencer serialises persist-then-broadcast sections per room so that
// broadcast order matches commit order.
type RoomSequencer struct {
	mu    sync.Mutex
	rooms map[Room]*sequencedRoom
}

type sequencedRoom struct {
	mu   sync.Mutex
	refs int
}

// NewRoomSequencer constructs an empty sequencer.
func NewRoomSequencer() *RoomSequencer {
	return &RoomSequencer{rooms: make(map[Room]*sequencedRoom)}
}

// Acquire blocks until the caller holds room and returns the release func.
func (s *RoomSequencer) Acquire(room Room) func() {
	s.mu.Lock()
	entry, ok := s.rooms[room]
	if !ok {
		entry = &sequencedRoom{}
		s.rooms[room] = entry
	}
	entry.refs++
	s.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			s.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(s.rooms, room)
			}
			s.mu.Unlock()
		})
	}
}
