package eventbus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

type recordingHandler struct {
	keys   []string
	events []*eventbus.Event
	err    error
}

func (h *recordingHandler) RoutingKeys() []string { return h.keys }

func (h *recordingHandler) Handle(_ context.Context, e *eventbus.Event) error {
	h.events = append(h.events, e)
	return h.err
}

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"notifications.booking_received", "notifications.booking_received", true},
		{"notifications.*", "notifications.booking_received", true},
		{"notifications.*", "notifications", false},
		{"notifications.#", "notifications", true},
		{"notifications.#", "notifications.a.b", true},
		{"#", "analytics.booking_created", true},
		{"*.booking_created", "analytics.booking_created", true},
		{"analytics.*", "notifications.booking_received", false},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.b.c", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, eventbus.TopicMatch(tt.pattern, tt.key))
		})
	}
}

func TestNewEvent_CarriesCorrelationID(t *testing.T) {
	ctx := observability.WithCorrelationID(context.Background(), "corr-1")

	e, err := eventbus.NewEvent(ctx, "analytics.booking_created", "b-1", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.Equal(t, "b-1", e.AggregateID)
	assert.JSONEq(t, `{"k":"v"}`, string(e.Payload))
}

func TestRegistry_DispatchToMatchingHandlers(t *testing.T) {
	r := eventbus.NewRegistry(nil)
	notifications := &recordingHandler{keys: []string{"notifications.*"}}
	everything := &recordingHandler{keys: []string{"#"}}
	analytics := &recordingHandler{keys: []string{"analytics.#"}}
	r.Register(notifications)
	r.Register(everything)
	r.Register(analytics)

	e, err := eventbus.NewEvent(context.Background(), "notifications.booking_confirmed", "b-1", nil)
	require.NoError(t, err)
	require.NoError(t, r.Dispatch(context.Background(), e))

	assert.Len(t, notifications.events, 1)
	assert.Len(t, everything.events, 1)
	assert.Empty(t, analytics.events)
	assert.ElementsMatch(t, []string{"notifications.*", "#", "analytics.#"}, r.Patterns())
}

func TestRegistry_JoinsHandlerErrors(t *testing.T) {
	r := eventbus.NewRegistry(nil)
	errA := errors.New("a failed")
	ok := &recordingHandler{keys: []string{"#"}}
	r.Register(&recordingHandler{keys: []string{"#"}, err: errA})
	r.Register(ok)

	e, err := eventbus.NewEvent(context.Background(), "analytics.booking_created", "", nil)
	require.NoError(t, err)

	err = r.Dispatch(context.Background(), e)
	assert.ErrorIs(t, err, errA)
	assert.Len(t, ok.events, 1)
}

func TestInProcessBus_PublishEvent(t *testing.T) {
	bus := eventbus.NewInProcessBus(nil)
	h := &recordingHandler{keys: []string{"notifications.#"}, err: errors.New("ignored")}
	bus.Register(h)

	e, err := eventbus.NewEvent(context.Background(), "notifications.booking_received", "b-9", map[string]string{"template": "booking_received"})
	require.NoError(t, err)

	require.NoError(t, eventbus.PublishEvent(context.Background(), bus, e))
	require.Len(t, h.events, 1)
	assert.Equal(t, e.ID, h.events[0].ID)
	assert.Equal(t, "b-9", h.events[0].AggregateID)

	// Undecodable payloads are dropped without failing the publisher.
	require.NoError(t, bus.Publish(context.Background(), "notifications.x", []byte("{")))
	assert.Len(t, h.events, 1)
}

func TestNoopPublisher(t *testing.T) {
	p := eventbus.NewNoopPublisher(nil)
	assert.NoError(t, p.Publish(context.Background(), "x", []byte("{}")))
	assert.NoError(t, p.Close())
}
