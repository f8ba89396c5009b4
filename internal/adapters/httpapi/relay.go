package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay fans every frame a client sends on a topic out to all other clients
// subscribed to that topic. It carries announcements and signaling for
// sessions that cannot share an in-process hub.
type Relay struct {
	mu     sync.Mutex
	topics map[string]map[*relayConn]struct{}
}

func NewRelay() *Relay {
	return &Relay{topics: make(map[string]map[*relayConn]struct{})}
}

type relayConn struct {
	conn  *websocket.Conn
	topic string
	send  chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *relayConn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *relayConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Handle upgrades the request and pumps frames until either side goes away.
// The topic comes from the "topic" query parameter.
func (r *Relay) Handle(ctx context.Context, c *gin.Context) {
	topic := c.Query("topic")
	if topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing topic"})
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	conn := &relayConn{
		conn:  ws,
		topic: topic,
		send:  make(chan []byte, 32),
	}
	r.add(conn)
	log.Info().Str("module", "relay").Str("topic", topic).Msg("client attached")

	ctx, cancel := context.WithCancel(ctx)
	go r.writePump(ctx, conn)
	go r.readPump(ctx, cancel, conn)
}

func (r *Relay) add(c *relayConn) {
	r.mu.Lock()
	if r.topics[c.topic] == nil {
		r.topics[c.topic] = make(map[*relayConn]struct{})
	}
	r.topics[c.topic][c] = struct{}{}
	r.mu.Unlock()
}

func (r *Relay) remove(c *relayConn) {
	r.mu.Lock()
	delete(r.topics[c.topic], c)
	if len(r.topics[c.topic]) == 0 {
		delete(r.topics, c.topic)
	}
	r.mu.Unlock()
	c.Close()
}

// fanout delivers one frame to every other subscriber of the topic. Slow
// clients are dropped rather than allowed to stall the rest.
func (r *Relay) fanout(from *relayConn, data []byte) {
	r.mu.Lock()
	targets := make([]*relayConn, 0, len(r.topics[from.topic]))
	for c := range r.topics[from.topic] {
		if c != from {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()
	for _, c := range targets {
		if err := c.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("topic", from.topic).Msg("dropping slow client")
			r.remove(c)
		}
	}
}

func (r *Relay) writePump(ctx context.Context, c *relayConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		}
	}
}

func (r *Relay) readPump(ctx context.Context, cancel context.CancelFunc, c *relayConn) {
	defer func() {
		cancel()
		r.remove(c)
		log.Info().Str("module", "relay").Str("topic", c.topic).Msg("client detached")
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			r.fanout(c, data)
		}
	}
}
