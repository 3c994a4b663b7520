package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SubscribeDeliversCurrentStateFirst(t *testing.T) {
	u := &User{UID: "u1"}
	h := NewHub(u)

	sub := h.Subscribe()
	defer sub.Close()

	ev := <-sub.C
	assert.Equal(t, u, ev.User)
}

func TestHub_PublishFansOut(t *testing.T) {
	h := NewHub(nil)
	a, b := h.Subscribe(), h.Subscribe()
	defer a.Close()
	defer b.Close()
	<-a.C
	<-b.C

	u := &User{UID: "u2"}
	h.Publish(u)

	assert.Equal(t, u, (<-a.C).User)
	assert.Equal(t, u, (<-b.C).User)
	assert.Equal(t, u, h.Current())
}

func TestHub_SlowSubscriberKeepsLatestState(t *testing.T) {
	h := NewHub(nil)
	sub := h.Subscribe()
	defer sub.Close()

	for i := range 10 {
		h.Publish(&User{UID: string(rune('a' + i))})
	}
	h.Publish(nil)

	var last Event
	for range subscriptionBuffer {
		last = <-sub.C
	}
	assert.Nil(t, last.User, "the last delivered event must be the latest publish")
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	h := NewHub(nil)
	sub := h.Subscribe()
	sub.Close()
	sub.Close()

	<-sub.C
	_, ok := <-sub.C
	require.False(t, ok, "channel should be closed")

	// publishing after close must not panic
	h.Publish(&User{UID: "u3"})
}
