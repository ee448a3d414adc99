// Package ws serves tutoring sessions over websocket. Each session reads
// inbound requests and subscriptions, and receives replies for the problem
// topics it follows.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"livetutor/arbiter/internal/broker"
	"livetutor/arbiter/internal/logger"
	"livetutor/arbiter/internal/pkg/id"
	"livetutor/arbiter/internal/pkg/json"
	"livetutor/arbiter/internal/tutor"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// code is capped at 100 KiB; leave room for the other fields and escaping
	maxFrameBytes = 512 << 10

	topicPrefix = "problem."
)

type Config struct {
	SendBuffer int
	// CheckOrigin overrides the same-origin check of the upgrader.
	CheckOrigin func(r *http.Request) bool
}

type Server struct {
	handler tutor.Handler
	hub     *broker.Hub
	pub     broker.Publisher
	cfg     Config

	upgrader websocket.Upgrader
	inflight sync.WaitGroup
}

// New returns a websocket endpoint. pub receives every reply; it should
// include hub so sessions in this process see them.
func New(h tutor.Handler, hub *broker.Hub, pub broker.Publisher, cfg Config) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if pub == nil {
		pub = hub
	}
	return &Server{
		handler: h,
		hub:     hub,
		pub:     pub,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// frame is either a subscription command or an inbound request.
type frame struct {
	Action string `json:"action,omitempty"`
	Topic  string `json:"topic,omitempty"`
	tutor.Inbound
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &session{
		srv:  s,
		conn: conn,
		sub:  s.hub.NewSubscriber(id.SessionID(), s.cfg.SendBuffer),
		ctx:  ctx,
	}
	user, _ := tutor.UserIDFrom(ctx)
	logger.Debug("websocket session %s opened user=%q", sess.sub.ID(), user)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writeLoop()
	}()

	sess.readLoop()

	cancel()
	sess.sub.Close()
	<-writerDone
	_ = conn.Close()
	logger.Debug("websocket session %s closed", sess.sub.ID())
}

// Wait blocks until every request accepted by any session has been answered.
func (s *Server) Wait() { s.inflight.Wait() }

type session struct {
	srv  *Server
	conn *websocket.Conn
	sub  *broker.Subscriber
	ctx  context.Context
}

func (ss *session) readLoop() {
	ss.conn.SetReadLimit(maxFrameBytes)
	_ = ss.conn.SetReadDeadline(time.Now().Add(pongWait))
	ss.conn.SetPongHandler(func(string) error {
		return ss.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := ss.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, context.Canceled) {
				logger.Debug("websocket session %s read: %v", ss.sub.ID(), err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		_ = ss.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			ss.direct(tutor.Outbound{Type: tutor.TypeError, Content: "malformed message"})
			continue
		}
		switch strings.ToLower(strings.TrimSpace(f.Action)) {
		case "":
			ss.submit(f.Inbound)
		case "subscribe":
			if !strings.HasPrefix(f.Topic, topicPrefix) {
				ss.direct(tutor.Outbound{Type: tutor.TypeError, Content: "unknown topic " + f.Topic})
				continue
			}
			ss.sub.Subscribe(f.Topic)
		case "unsubscribe":
			ss.sub.Unsubscribe(f.Topic)
		default:
			ss.direct(tutor.Outbound{Type: tutor.TypeError, Content: "unknown action " + f.Action})
		}
	}
}

// submit handles in on its own goroutine and publishes the reply to the
// problem topic, unless the session closed in the meantime.
func (ss *session) submit(in tutor.Inbound) {
	topic := tutor.Topic(in.ProblemID)
	ss.sub.Subscribe(topic)

	ss.srv.inflight.Add(1)
	go func() {
		defer ss.srv.inflight.Done()
		out := ss.srv.handler.Handle(ss.ctx, in)
		if ss.ctx.Err() != nil {
			logger.Debug("websocket session %s gone, dropping %s reply", ss.sub.ID(), out.Type)
			return
		}
		if err := ss.srv.pub.Publish(ss.ctx, topic, out); err != nil {
			logger.Warn("publish reply to %s: %v", topic, err)
		}
	}()
}

// direct sends a reply to this session only.
func (ss *session) direct(out tutor.Outbound) {
	b, err := json.Marshal(out)
	if err != nil {
		return
	}
	ss.sub.Deliver(b)
}

func (ss *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case b := <-ss.sub.C():
			_ = ss.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ss.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				logger.Debug("websocket session %s write: %v", ss.sub.ID(), err)
				_ = ss.conn.Close()
				return
			}
		case <-ticker.C:
			if err := ss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = ss.conn.Close()
				return
			}
		case <-ss.sub.Done():
			_ = ss.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
