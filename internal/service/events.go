package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Alerter delivers user-facing alerts. *notify.Notifier implements it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Recorder fans a rule or order event out to the audit log, the event bus
// and the alerter. Delivery failures are logged and never fail the caller.
type Recorder struct {
	audit   domain.AuditStore
	bus     domain.EventBus
	alerter Alerter
	logger  *slog.Logger
	now     func() time.Time
}

// NewRecorder creates a Recorder. Any dependency may be nil.
func NewRecorder(audit domain.AuditStore, bus domain.EventBus, alerter Alerter, logger *slog.Logger) *Recorder {
	return &Recorder{
		audit:   audit,
		bus:     bus,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "events")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record publishes ev. Event detail must never carry credential material.
func (r *Recorder) Record(ctx context.Context, ev domain.Event) {
	if r == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = r.now()
	}

	if r.audit != nil {
		detail := map[string]any{"user_id": ev.UserID}
		if ev.PositionID != "" {
			detail["position_id"] = ev.PositionID
		}
		if ev.OrderID != "" {
			detail["order_id"] = ev.OrderID
		}
		for k, v := range ev.Detail {
			detail[k] = v
		}
		if err := r.audit.Log(ctx, ev.Type, detail); err != nil {
			r.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", ev.Type),
				slog.String("error", err.Error()),
			)
		}
	}

	if r.bus != nil {
		payload, err := json.Marshal(ev)
		if err == nil {
			err = r.bus.Publish(ctx, domain.EventsChannel, payload)
		}
		if err != nil {
			r.logger.WarnContext(ctx, "publish event failed",
				slog.String("event", ev.Type),
				slog.String("error", err.Error()),
			)
		}
	}

	if r.alerter != nil {
		if title, ok := alertTitles[ev.Type]; ok {
			if err := r.alerter.Notify(ctx, ev.Type, title, alertMessage(ev)); err != nil {
				r.logger.WarnContext(ctx, "alert failed",
					slog.String("event", ev.Type),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

var alertTitles = map[string]string{
	domain.EventStopLossExecuted:    "Stop loss executed",
	domain.EventStopLossFailed:      "Stop loss failed",
	domain.EventStopLossUnconfirmed: "Stop loss sell unconfirmed",
	domain.EventTakeProfitFilled:    "Take profit filled",
}

func alertMessage(ev domain.Event) string {
	msg := fmt.Sprintf("user %s", ev.UserID)
	if m, ok := ev.Detail["market"]; ok {
		msg += fmt.Sprintf("\nmarket: %v", m)
	}
	if ev.PositionID != "" {
		msg += "\nposition: " + ev.PositionID
	}
	for _, k := range []string{"price", "size", "proceeds", "error"} {
		if v, ok := ev.Detail[k]; ok {
			msg += fmt.Sprintf("\n%s: %v", k, v)
		}
	}
	return msg
}
