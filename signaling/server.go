// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/bureau-foundation/collabify/lib/netutil"
)

// DefaultIdleTimeout closes connections that go quiet.
const DefaultIdleTimeout = 30 * time.Second

// sendQueueSize bounds frames waiting for a slow subscriber. A
// subscriber that falls this far behind is disconnected.
const sendQueueSize = 64

const writeTimeout = 10 * time.Second

// Config configures a Server.
type Config struct {
	// IdleTimeout defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration

	// CheckOrigin is passed to the websocket upgrader. Nil accepts
	// every origin; browsers are not the only clients.
	CheckOrigin func(*http.Request) bool

	Logger *slog.Logger
}

// Server is the relay. It implements http.Handler; mount it at the
// websocket path.
type Server struct {
	idleTimeout time.Duration
	upgrader    websocket.Upgrader
	logger      *slog.Logger

	mu     sync.Mutex
	topics map[string]map[*client]struct{}
	conns  map[*client]struct{}
}

var _ http.Handler = (*Server)(nil)

// NewServer returns a relay with no connections.
func NewServer(cfg Config) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		idleTimeout: cfg.IdleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: cfg.Logger,
		topics: make(map[string]map[*client]struct{}),
		conns:  make(map[*client]struct{}),
	}
}

// Stats is a point-in-time view of the relay.
type Stats struct {
	Connections int
	Topics      int
}

// Stats returns the current connection and topic counts.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Connections: len(s.conns), Topics: len(s.topics)}
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
	done   chan struct{}
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// ServeHTTP upgrades the request and serves the connection until it
// closes.
func (s *Server) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", request.RemoteAddr, "error", err)
		return
	}
	c := &client{
		id:     ulid.Make().String(),
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		topics: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	logger := s.logger.With("connection", c.id)
	logger.Debug("relay connection opened", "remote", request.RemoteAddr)

	go s.writeLoop(c, logger)
	err = s.readLoop(c, logger)
	c.close()
	s.remove(c)
	conn.Close()

	if err != nil && !netutil.IsExpectedCloseError(err) {
		logger.Debug("relay connection closed", "error", err)
	} else {
		logger.Debug("relay connection closed")
	}
}

func (s *Server) readLoop(c *client, logger *slog.Logger) error {
	c.conn.SetReadLimit(MaxMessageSize)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)) }
	if err := extend(); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := extend(); err != nil {
			return err
		}
		var message Message
		if err := json.Unmarshal(data, &message); err != nil {
			logger.Debug("dropping malformed relay message", "error", err)
			continue
		}
		switch message.Type {
		case TypeSubscribe:
			s.subscribe(c, message.Topics)
		case TypeUnsubscribe:
			s.unsubscribe(c, message.Topics)
		case TypePublish:
			if message.Topic == "" {
				continue
			}
			s.publish(c, message)
		case TypePing:
			s.enqueue(c, Message{Type: TypePong})
		default:
			logger.Debug("dropping relay message of unknown type", "type", message.Type)
		}
	}
}

func (s *Server) writeLoop(c *client, logger *slog.Logger) {
	ping := time.NewTicker(s.idleTimeout / 2)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("relay write failed", "error", err)
				c.close()
				c.conn.Close()
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				c.conn.Close()
				return
			}
		}
	}
}

func (s *Server) subscribe(c *client, topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		subscribers := s.topics[topic]
		if subscribers == nil {
			subscribers = make(map[*client]struct{})
			s.topics[topic] = subscribers
		}
		subscribers[c] = struct{}{}
		c.topics[topic] = struct{}{}
	}
}

func (s *Server) unsubscribe(c *client, topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		s.dropLocked(c, topic)
	}
}

func (s *Server) dropLocked(c *client, topic string) {
	delete(c.topics, topic)
	if subscribers := s.topics[topic]; subscribers != nil {
		delete(subscribers, c)
		if len(subscribers) == 0 {
			delete(s.topics, topic)
		}
	}
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic := range c.topics {
		s.dropLocked(c, topic)
	}
	delete(s.conns, c)
}

func (s *Server) publish(from *client, message Message) {
	data, err := json.Marshal(Message{
		Type:  TypePublish,
		Topic: message.Topic,
		Data:  message.Data,
		From:  from.id,
	})
	if err != nil {
		return
	}
	s.mu.Lock()
	targets := make([]*client, 0, len(s.topics[message.Topic]))
	for subscriber := range s.topics[message.Topic] {
		if subscriber != from {
			targets = append(targets, subscriber)
		}
	}
	s.mu.Unlock()
	for _, target := range targets {
		s.deliver(target, data)
	}
}

func (s *Server) enqueue(c *client, message Message) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	s.deliver(c, data)
}

func (s *Server) deliver(c *client, data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		s.logger.Warn("relay subscriber too slow, disconnecting", "connection", c.id)
		c.close()
		c.conn.Close()
	}
}
