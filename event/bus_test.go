package event_test

import (
	"testing"

	"github.com/Alia5/VCOM/event"
	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	bus := event.NewBus()

	var order []int
	bus.Subscribe(func(event.Event) { order = append(order, 1) })
	bus.Subscribe(func(event.Event) { order = append(order, 2) })
	bus.Subscribe(func(event.Event) { order = append(order, 3) })

	bus.Publish(event.Event{Kind: event.ClassInit})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := event.NewBus()

	calls := 0
	sub := bus.Subscribe(func(event.Event) { calls++ })

	bus.Publish(event.Event{Kind: event.ClassInit})
	bus.Unsubscribe(sub)
	bus.Publish(event.Event{Kind: event.ClassInit})

	assert.Equal(t, 1, calls)
}

func TestUnsubscribeUnknownHandleIsNoop(t *testing.T) {
	bus := event.NewBus()

	calls := 0
	bus.Subscribe(func(event.Event) { calls++ })

	bus.Unsubscribe(42)
	bus.Publish(event.Event{Kind: event.ClassDeinit})

	assert.Equal(t, 1, calls)
}

func TestSubscribeDuringPublishDoesNotReceiveCurrentEvent(t *testing.T) {
	bus := event.NewBus()

	lateCalls := 0
	bus.Subscribe(func(event.Event) {
		bus.Subscribe(func(event.Event) { lateCalls++ })
	})

	bus.Publish(event.Event{Kind: event.ClassInit})
	assert.Equal(t, 0, lateCalls)

	bus.Publish(event.Event{Kind: event.ClassInit})
	assert.Equal(t, 1, lateCalls)
}

func TestUnsubscribeDuringPublishStillDeliversCurrentEvent(t *testing.T) {
	bus := event.NewBus()

	var secondCalls int
	var second event.Subscription
	bus.Subscribe(func(event.Event) { bus.Unsubscribe(second) })
	second = bus.Subscribe(func(event.Event) { secondCalls++ })

	bus.Publish(event.Event{Kind: event.ClassInit})
	assert.Equal(t, 1, secondCalls)

	bus.Publish(event.Event{Kind: event.ClassInit})
	assert.Equal(t, 1, secondCalls)
}
