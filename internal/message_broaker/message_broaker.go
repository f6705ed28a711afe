// Package message_broaker pushes job lifecycle events to external
// consumers. The in-process bus stays the source of truth; the broker
// is a best-effort egress for dashboards and notification services.
package message_broaker

import "context"

type MessageBroker interface {
	Publish(ctx context.Context, body []byte) error
	Consume(ctx context.Context) (<-chan []byte, error)
	Close() error
}
