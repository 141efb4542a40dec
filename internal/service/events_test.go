package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/cache/local"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/store/memory"
)

func TestRecorderFansOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := memory.New()
	bus := local.NewEventBus()
	alerts := &fakeAlerter{}
	rec := NewRecorder(store.Audit(), bus, alerts, discard())

	sub, err := bus.Subscribe(ctx, domain.EventsChannel)
	require.NoError(t, err)

	rec.Record(ctx, domain.Event{
		Type: domain.EventStopLossSet, UserID: "u1", PositionID: "p1", OrderID: "sl-p1",
		Detail: map[string]any{"price": "0.40"},
	})
	rec.Record(ctx, domain.Event{Type: domain.EventStopLossExecuted, UserID: "u1", PositionID: "p1"})

	entries, err := store.Audit().List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	first := entries[1]
	assert.Equal(t, domain.EventStopLossSet, first.Event)
	assert.Equal(t, "u1", first.Detail["user_id"])
	assert.Equal(t, "p1", first.Detail["position_id"])
	assert.Equal(t, "sl-p1", first.Detail["order_id"])
	assert.Equal(t, "0.40", first.Detail["price"])

	select {
	case payload := <-sub:
		var ev domain.Event
		require.NoError(t, json.Unmarshal(payload, &ev))
		assert.Equal(t, domain.EventStopLossSet, ev.Type)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	assert.Equal(t, []string{domain.EventStopLossExecuted}, alerts.sent(), "only terminal outcomes alert")
}

func TestNilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	assert.NotPanics(t, func() {
		rec.Record(context.Background(), domain.Event{Type: domain.EventStopLossSet})
	})

	bare := NewRecorder(nil, nil, nil, discard())
	assert.NotPanics(t, func() {
		bare.Record(context.Background(), domain.Event{Type: domain.EventTakeProfitFilled})
	})
}
