// Package natsbridge takes tutoring requests from a NATS queue group and
// publishes the replies like any other session would.
package natsbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"livetutor/arbiter/internal/broker"
	"livetutor/arbiter/internal/logger"
	"livetutor/arbiter/internal/pkg/json"
	"livetutor/arbiter/internal/tutor"
)

// UserHeader carries the authenticated user. NATS clients are trusted
// services, so the header is taken as authentication.
const UserHeader = "X-User-Id"

const queueGroup = "tutor-arbiter"

// Connect dials url with reconnects enabled and connection events logged.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

type Bridge struct {
	nc      *nats.Conn
	handler tutor.Handler
	pub     broker.Publisher
	subject string

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
}

// New listens on "<prefix>.requests". Replies go to pub and, when the
// message has a reply subject, back to the requester as well.
func New(nc *nats.Conn, h tutor.Handler, pub broker.Publisher, prefix string) *Bridge {
	subject := "requests"
	if prefix != "" {
		subject = prefix + ".requests"
	}
	return &Bridge{nc: nc, handler: h, pub: pub, subject: subject}
}

func (b *Bridge) Subject() string { return b.subject }

func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	sub, err := b.nc.QueueSubscribe(b.subject, queueGroup, b.onMsg)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.sub = sub
	logger.Info("NATS bridge listening on %s (queue %s)", b.subject, queueGroup)
	return nil
}

// Stop drains the subscription and waits for accepted requests to finish.
func (b *Bridge) Stop() {
	if b.sub != nil {
		if err := b.sub.Drain(); err != nil {
			logger.Warn("drain %s: %v", b.subject, err)
		}
	}
	b.wg.Wait()
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Bridge) onMsg(m *nats.Msg) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		reply := b.process(b.ctx, m.Data, m.Header)
		if reply == nil || m.Reply == "" {
			return
		}
		if err := m.Respond(reply); err != nil {
			logger.Warn("respond on %s: %v", m.Reply, err)
		}
	}()
}

// process handles one request and returns the encoded reply, or nil when
// ctx ended before the reply was ready.
func (b *Bridge) process(ctx context.Context, data []byte, hdr nats.Header) []byte {
	var in tutor.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		out, _ := json.Marshal(tutor.Outbound{Type: tutor.TypeError, Content: "malformed message"})
		return out
	}
	if hdr != nil {
		ctx = tutor.WithUserID(ctx, hdr.Get(UserHeader))
	}

	out := b.handler.Handle(ctx, in)
	if ctx.Err() != nil {
		logger.Debug("bridge stopping, dropping %s reply", out.Type)
		return nil
	}
	topic := tutor.Topic(in.ProblemID)
	if err := b.pub.Publish(ctx, topic, out); err != nil {
		logger.Warn("publish reply to %s: %v", topic, err)
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		logger.Error("encode reply: %v", err)
		return nil
	}
	return encoded
}
