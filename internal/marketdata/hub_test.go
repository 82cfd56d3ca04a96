package marketdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_Broadcast(t *testing.T) {
	h := NewHub[int]()
	first := h.Subscribe(2)
	second := h.Subscribe(2)
	assert.Equal(t, 2, h.Len())

	h.Broadcast(7)

	assert.Equal(t, 7, <-first.C())
	assert.Equal(t, 7, <-second.C())
}

func TestHub_SlowSubscriberDropsValues(t *testing.T) {
	h := NewHub[int]()
	sub := h.Subscribe(1)

	h.Broadcast(1)
	h.Broadcast(2) // no buffer room, dropped

	assert.Equal(t, 1, <-sub.C())
	select {
	case v := <-sub.C():
		t.Fatalf("unexpected value %d", v)
	default:
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub[int]()
	sub := h.Subscribe(1)

	h.Unsubscribe(sub)
	assert.Zero(t, h.Len())

	// Channel is closed after unsubscribe.
	_, ok := <-sub.C()
	require.False(t, ok)

	// Double unsubscribe is harmless.
	h.Unsubscribe(sub)
}
