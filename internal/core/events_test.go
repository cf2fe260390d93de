package core

import (
	"io"
	"log/slog"
	"testing"
)

func testBus() *EventBus {
	return NewEventBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEventBusTypedSubscription(t *testing.T) {
	bus := testBus()
	var got []Event
	bus.On(EventLightState, func(e Event) { got = append(got, e) })

	bus.Emit(Event{Type: EventLightState, ID: "1"})
	bus.Emit(Event{Type: EventSensorState, ID: "3"})

	if len(got) != 1 || got[0].ID != "1" {
		t.Errorf("typed handler saw %+v, want only the light event", got)
	}
}

func TestEventBusOnAll(t *testing.T) {
	bus := testBus()
	count := 0
	bus.OnAll(func(Event) { count++ })

	bus.Emit(Event{Type: EventLightState})
	bus.Emit(Event{Type: EventGroupState})
	if count != 2 {
		t.Errorf("catch-all handler ran %d times, want 2", count)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := testBus()
	count := 0
	unsub := bus.On(EventLightState, func(Event) { count++ })

	bus.Emit(Event{Type: EventLightState})
	unsub()
	bus.Emit(Event{Type: EventLightState})
	if count != 1 {
		t.Errorf("handler ran %d times, want 1 after unsubscribe", count)
	}
}

func TestEventBusRecoversPanickingHandler(t *testing.T) {
	bus := testBus()
	bus.On(EventLightState, func(Event) { panic("boom") })
	after := 0
	bus.On(EventLightState, func(Event) { after++ })

	bus.Emit(Event{Type: EventLightState})
	if after != 1 {
		t.Error("a panicking handler must not stop delivery to the others")
	}
}
