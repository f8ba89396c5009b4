// Package ws implements the broadcast port over a websocket connection to
// the announce relay, one connection per topic.
package ws

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/egemennuss/zerenn/internal/core"
)

// Broadcast dials the relay lazily per topic and keeps the connection for
// both publishing and subscribing.
type Broadcast struct {
	relayURL string

	mu    sync.Mutex
	conns map[string]*topicConn
}

var _ core.Broadcast = (*Broadcast)(nil)

// NewBroadcast takes the relay endpoint, e.g. "ws://host:8080/api/ws/announce".
func NewBroadcast(relayURL string) *Broadcast {
	return &Broadcast{relayURL: relayURL, conns: make(map[string]*topicConn)}
}

type topicConn struct {
	conn *websocket.Conn

	mu       sync.Mutex
	handlers map[int]func([]byte)
	nextID   int
}

func (b *Broadcast) get(ctx context.Context, topic string) (*topicConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tc, ok := b.conns[topic]; ok {
		return tc, nil
	}
	u := fmt.Sprintf("%s?topic=%s", b.relayURL, url.QueryEscape(topic))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	tc := &topicConn{conn: conn, handlers: make(map[int]func([]byte))}
	b.conns[topic] = tc
	go b.readLoop(topic, tc)
	log.Info().Str("module", "ws").Str("topic", topic).Msg("relay connected")
	return tc, nil
}

func (b *Broadcast) readLoop(topic string, tc *topicConn) {
	for {
		_, data, err := tc.conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("module", "ws").Str("topic", topic).Msg("relay read error")
			b.drop(topic, tc)
			return
		}
		tc.mu.Lock()
		handlers := make([]func([]byte), 0, len(tc.handlers))
		for _, h := range tc.handlers {
			handlers = append(handlers, h)
		}
		tc.mu.Unlock()
		for _, h := range handlers {
			h(data)
		}
	}
}

func (b *Broadcast) drop(topic string, tc *topicConn) {
	b.mu.Lock()
	if b.conns[topic] == tc {
		delete(b.conns, topic)
	}
	b.mu.Unlock()
	_ = tc.conn.Close()
}

func (b *Broadcast) Publish(ctx context.Context, topic string, payload []byte) error {
	tc, err := b.get(ctx, topic)
	if err != nil {
		return err
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if err := tc.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

func (b *Broadcast) Subscribe(ctx context.Context, topic string, h func(payload []byte)) (func(), error) {
	tc, err := b.get(ctx, topic)
	if err != nil {
		return nil, err
	}
	tc.mu.Lock()
	id := tc.nextID
	tc.nextID++
	tc.handlers[id] = h
	tc.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			tc.mu.Lock()
			delete(tc.handlers, id)
			tc.mu.Unlock()
		})
	}
	return cancel, nil
}

// Close tears down every relay connection.
func (b *Broadcast) Close() {
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[string]*topicConn)
	b.mu.Unlock()
	for _, tc := range conns {
		_ = tc.conn.Close()
	}
}
