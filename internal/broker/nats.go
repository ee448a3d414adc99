package broker

import (
	"context"
	"fmt"

	"livetutor/arbiter/internal/pkg/json"
	"livetutor/arbiter/internal/tutor"
)

// natsConn is the part of *nats.Conn the publisher needs.
type natsConn interface {
	Publish(subj string, data []byte) error
}

// NATS publishes outbound messages to "<prefix>.<topic>".
type NATS struct {
	nc     natsConn
	prefix string
}

func NewNATS(nc natsConn, prefix string) *NATS {
	return &NATS{nc: nc, prefix: prefix}
}

func (n *NATS) Subject(topic string) string {
	if n.prefix == "" {
		return topic
	}
	return n.prefix + "." + topic
}

func (n *NATS) Publish(_ context.Context, topic string, msg tutor.Outbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode outbound: %w", err)
	}
	if err := n.nc.Publish(n.Subject(topic), b); err != nil {
		return fmt.Errorf("publish to NATS subject %s: %w", n.Subject(topic), err)
	}
	return nil
}
