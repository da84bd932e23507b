package realtime

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoomSequencerSerialisesPerRoom(t *testing.T) {
	sequencer := NewRoomSequencer()
	room := ConversationRoom(1)

	var inside atomic.Int32
	var overlap atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := sequencer.Acquire(room)
			defer release()
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			inside.Add(-1)
		}()
	}
	wg.Wait()

	require.False(t, overlap.Load())
	require.Empty(t, sequencer.rooms)
}

func TestRoomSequencerDoesNotBlockOtherRooms(t *testing.T) {
	sequencer := NewRoomSequencer()
	release := sequencer.Acquire(ConversationRoom(1))
	defer release()

	other := sequencer.Acquire(GroupRoom(1))
	other()
	other()
}
