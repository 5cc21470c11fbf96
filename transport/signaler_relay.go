// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/collabify/lib/clock"
	"github.com/bureau-foundation/collabify/lib/netutil"
	"github.com/bureau-foundation/collabify/signaling"
)

// Relay reconnect and keepalive defaults.
const (
	DefaultMinBackoff   = time.Second
	DefaultMaxBackoff   = 30 * time.Second
	DefaultPingInterval = 20 * time.Second
)

// RelayConfig configures a RelaySignaler.
type RelayConfig struct {
	// URLs are ws:// or wss:// relay endpoints, tried in turn.
	URLs []string

	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	PingInterval time.Duration

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	Clock  clock.Clock
	Logger *slog.Logger
}

// Compile-time interface check.
var _ Signaler = (*RelaySignaler)(nil)

// RelaySignaler is a Signaler backed by a collabify-signal relay. It
// stays connected to one relay at a time, rotating through URLs with
// exponential backoff while none is reachable, and restores its
// subscriptions after every reconnect.
type RelaySignaler struct {
	config RelayConfig
	clock  clock.Clock
	logger *slog.Logger

	messages chan Signal
	status   *statusFeed

	mu      sync.Mutex
	conn    *websocket.Conn
	topics  map[string]struct{}
	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewRelaySignaler starts connecting in the background.
func NewRelaySignaler(cfg RelayConfig) (*RelaySignaler, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("relay signaler: no relay URLs")
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.MinBackoff)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RelaySignaler{
		config:   cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		messages: make(chan Signal, 256),
		status:   newStatusFeed(),
		topics:   make(map[string]struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.status.set(false)
	go s.run(ctx)
	return s, nil
}

func (s *RelaySignaler) Join(ctx context.Context, topic string) error {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		// Subscribed on connect.
		return nil
	}
	return s.write(conn, signaling.Message{Type: signaling.TypeSubscribe, Topics: []string{topic}})
}

func (s *RelaySignaler) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrSignalingUnreachable
	}
	if err := s.write(conn, signaling.Message{Type: signaling.TypePublish, Topic: topic, Data: payload}); err != nil {
		return fmt.Errorf("%w: %v", ErrSignalingUnreachable, err)
	}
	return nil
}

func (s *RelaySignaler) Messages() <-chan Signal { return s.messages }

func (s *RelaySignaler) Status() <-chan bool { return s.status.ch }

func (s *RelaySignaler) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	<-s.done
	return nil
}

func (s *RelaySignaler) write(conn *websocket.Conn, message signaling.Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *RelaySignaler) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.messages)

	backoff := s.config.MinBackoff
	for attempt := 0; ; attempt++ {
		url := s.config.URLs[attempt%len(s.config.URLs)]
		err := s.session(ctx, url, func() { backoff = s.config.MinBackoff })
		if ctx.Err() != nil {
			return
		}
		s.status.set(false)
		if err != nil && !netutil.IsExpectedCloseError(err) {
			s.logger.Warn("signaling relay unavailable", "url", url, "retry_in", backoff, "error", err)
		} else {
			s.logger.Info("signaling relay disconnected", "url", url, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(backoff):
		}
		backoff = min(backoff*2, s.config.MaxBackoff)
	}
}

// session runs one connection until it fails. connected is called
// once the relay has accepted the subscriptions.
func (s *RelaySignaler) session(ctx context.Context, url string, connected func()) error {
	conn, _, err := s.config.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(signaling.MaxMessageSize)

	s.mu.Lock()
	topics := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	s.mu.Unlock()
	if len(topics) > 0 {
		if err := s.write(conn, signaling.Message{Type: signaling.TypeSubscribe, Topics: topics}); err != nil {
			conn.Close()
			return err
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	connected()
	s.status.set(true)
	s.logger.Info("signaling relay connected", "url", url)

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.keepalive(conn, pingDone)

	for {
		conn.SetReadDeadline(time.Now().Add(3 * s.config.PingInterval))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var message signaling.Message
		if err := json.Unmarshal(data, &message); err != nil {
			s.logger.Debug("dropping malformed relay frame", "error", err)
			continue
		}
		if message.Type != signaling.TypePublish {
			continue
		}
		select {
		case s.messages <- Signal{Topic: message.Topic, Payload: message.Data}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *RelaySignaler) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := s.clock.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.write(conn, signaling.Message{Type: signaling.TypePing}); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.logger.Debug("relay ping failed", "error", err)
				}
				conn.Close()
				return
			}
		}
	}
}
