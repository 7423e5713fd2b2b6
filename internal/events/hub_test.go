package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"marketledger.mini/mkl/internal/types"
)

func TestPublishReachesEverySubscriber(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t), nil)
	a := h.Subscribe(4)
	b := h.Subscribe(4)

	h.Publish(types.Event{ID: "1", Kind: types.EventListed, ItemID: 1})

	require.Equal(t, types.ItemID(1), (<-a).ItemID)
	require.Equal(t, types.ItemID(1), (<-b).ItemID)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(nil, nil)
	ch := h.Subscribe(1)

	h.Publish(types.Event{ID: "1"})
	h.Publish(types.Event{ID: "2"})

	assert.Equal(t, "1", (<-ch).ID)
	assert.Equal(t, uint64(1), h.Dropped())
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	var counts []int
	var mu sync.Mutex
	h := NewHub(nil, func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	})
	ch := h.Subscribe(1)
	h.Unsubscribe(ch)
	h.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers())
	assert.Equal(t, []int{1, 0}, counts)

	// Publishing with no subscribers is a no-op.
	h.Publish(types.Event{ID: "x"})
}
