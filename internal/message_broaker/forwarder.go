package message_broaker

import (
	"context"
	"encoding/json"
	"log/slog"

	"jobpilot/internal/events"
)

// Forwarder drains a bus subscription into the broker. Publish
// failures are logged and dropped; the durable ledger, not the broker,
// is the system of record.
type Forwarder struct {
	broker MessageBroker
}

func NewForwarder(broker MessageBroker) *Forwarder {
	return &Forwarder{broker: broker}
}

func (f *Forwarder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			body, err := json.Marshal(evt)
			if err != nil {
				slog.Error("event marshal failed", "type", evt.Type, "error", err)
				continue
			}
			if err := f.broker.Publish(ctx, body); err != nil {
				slog.Warn("event publish failed", "type", evt.Type, "job_id", evt.JobID, "error", err)
			}
		}
	}
}
