package eventbus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type created struct {
	ID string
}

func TestPublish_DispatchesToMatchingHandler(t *testing.T) {
	bus := NewEventPublisher(nil)

	var got []string
	bus.Subscribe(func(e created) {
		got = append(got, e.ID)
	})
	bus.Subscribe(func(s string) {
		t.Fatal("handler with mismatched signature must not fire")
	})

	bus.Publish(created{ID: "inv-1"})
	require.Equal(t, []string{"inv-1"}, got)
}

func TestPublishE_ReturnsHandlerError(t *testing.T) {
	bus := NewEventPublisher(nil)

	boom := errors.New("smtp down")
	bus.Subscribe(func(e created) error { return boom })

	err := bus.PublishE(created{ID: "inv-2"})
	require.ErrorIs(t, err, boom)
}

func TestPublishE_NoSubscribers(t *testing.T) {
	bus := NewEventPublisher(nil)
	require.ErrorIs(t, bus.PublishE(created{}), ErrNoSubscribers)
}

func TestPublishE_RecoversHandlerPanic(t *testing.T) {
	bus := NewEventPublisher(nil)
	bus.Subscribe(func(e created) { panic("boom") })

	require.Error(t, bus.PublishE(created{}))
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventPublisher(nil)

	handler := func(e created) {}
	bus.Subscribe(handler)
	require.Equal(t, 1, bus.SubscribersCount())

	bus.Unsubscribe(handler)
	require.Equal(t, 0, bus.SubscribersCount())
}
