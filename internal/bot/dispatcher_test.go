package bot

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"telegram-contest-bot/internal/model"
)

func TestDeduper_DropsDuplicates(t *testing.T) {
	d := NewDeduper(16)

	assert.False(t, d.Seen(100))
	assert.True(t, d.Seen(100))
	assert.True(t, d.Seen(100))

	assert.False(t, d.Seen(101))
	assert.True(t, d.Seen(101))
}

func TestDeduper_OutOfOrderWithinWindow(t *testing.T) {
	d := NewDeduper(16)

	assert.False(t, d.Seen(100))
	assert.False(t, d.Seen(102))
	// Late arrival inside the window is still new
	assert.False(t, d.Seen(101))
	assert.True(t, d.Seen(101))
}

func TestDeduper_AncientUpdateDropped(t *testing.T) {
	d := NewDeduper(8)

	for id := 100; id < 120; id++ {
		assert.False(t, d.Seen(id))
	}

	// Far behind the highest seen id: treated as already processed even
	// though it fell out of the trailing set
	assert.True(t, d.Seen(50))
}

func TestDeduper_BoundedMemory(t *testing.T) {
	d := NewDeduper(4)

	for id := 1; id <= 100; id++ {
		d.Seen(id)
	}

	assert.LessOrEqual(t, len(d.recent), 4)
}

// recordingHandler logs join and leave calls per channel, in the order the
// workers deliver them.
type recordingHandler struct {
	mu     sync.Mutex
	events map[int64][]string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(map[int64][]string)}
}

func (h *recordingHandler) HandleJoin(_ context.Context, channelID, userID int64) (*model.Membership, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[channelID] = append(h.events[channelID], fmt.Sprintf("join:%d", userID))
	return &model.Membership{ChannelID: channelID, UserID: userID, Active: true}, false, nil
}

func (h *recordingHandler) HandleLeave(_ context.Context, channelID, userID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[channelID] = append(h.events[channelID], fmt.Sprintf("leave:%d", userID))
	return nil
}

func (h *recordingHandler) eventsFor(channelID int64) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events[channelID]...)
}

// TestDispatcher_PerChannelOrderPreserved dispatches interleaved join/leave
// pairs across several channels and checks each channel saw its events in
// dispatch order. A join followed by a leave must never apply as
// leave-then-join, or the member would end up recorded as present after
// departing.
func TestDispatcher_PerChannelOrderPreserved(t *testing.T) {
	handler := newRecordingHandler()
	d := NewDispatcher(context.Background(), handler, 4)

	channels := []int64{-100, -101, -102, -103, -104}
	const rounds = 30

	want := make(map[int64][]string)
	for round := 0; round < rounds; round++ {
		for _, ch := range channels {
			userID := int64(round + 1)
			require.NoError(t, d.Dispatch(MembershipChanged{
				UpdateID:  round*100 + int(-ch),
				ChannelID: ch,
				UserID:    userID,
				Joined:    true,
			}))
			require.NoError(t, d.Dispatch(MembershipChanged{
				UpdateID:  round*100 + int(-ch) + 50,
				ChannelID: ch,
				UserID:    userID,
				Joined:    false,
			}))
			want[ch] = append(want[ch],
				fmt.Sprintf("join:%d", userID),
				fmt.Sprintf("leave:%d", userID))
		}
	}

	require.NoError(t, d.Wait())

	for _, ch := range channels {
		assert.Equal(t, want[ch], handler.eventsFor(ch), "channel %d", ch)
	}
}

// TestDeduperProperty checks that for any update id sequence, each id is
// accepted at most once.
func TestDeduperProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		keep := rapid.IntRange(4, 64).Draw(t, "keep")
		numUpdates := rapid.IntRange(1, 200).Draw(t, "numUpdates")

		d := NewDeduper(keep)
		accepted := make(map[int]int)

		for i := 0; i < numUpdates; i++ {
			// Ids drawn from a small range to force duplicates
			id := rapid.IntRange(1, 50).Draw(t, "id")
			if !d.Seen(id) {
				accepted[id]++
			}
		}

		for id, n := range accepted {
			if n > 1 {
				t.Fatalf("update id %d accepted %d times", id, n)
			}
		}
	})
}
