// Package broker publishes outbound tutor messages to topic subscribers:
// websocket sessions in this process and, optionally, NATS.
package broker

import (
	"context"
	"errors"

	"livetutor/arbiter/internal/tutor"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, msg tutor.Outbound) error
}

// Multi publishes to every publisher in order and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, topic string, msg tutor.Outbound) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, topic, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
