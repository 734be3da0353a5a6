package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/raidwatch/backend/internal/app"
	"github.com/raidwatch/backend/internal/event"
)

const (
	clientQueue  = 64
	writeTimeout = 10 * time.Second
)

var ErrTooManyClients = errors.New("ws: too many clients")

// StatusSource supplies the periodic session snapshot.
type StatusSource interface {
	Statuses() []app.SessionStatus
}

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster fans events and snapshots out to websocket subscribers. A
// subscriber that cannot keep up is disconnected rather than slowing the
// event source.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	source   StatusSource
	maxConns int
	now      func() time.Time

	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once
}

// NewBroadcaster starts the snapshot loop. maxConns <= 0 means unlimited.
func NewBroadcaster(source StatusSource, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:        make(map[*client]bool),
		source:         source,
		maxConns:       maxConns,
		now:            time.Now,
		snapshotTicker: time.NewTicker(snapshotInterval),
		stop:           make(chan struct{}),
	}
	go b.snapshotLoop()
	return b
}

// AddClient registers conn and queues an initial snapshot for it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{conn: conn, b: b, send: make(chan []byte, clientQueue)}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyClients
	}
	b.clients[c] = true
	b.mu.Unlock()

	if data, err := json.Marshal(b.snapshot()); err == nil {
		b.trySend(c, data)
	}
	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
}

// Publish sends ev to every subscriber. Its signature matches
// app.Options.OnEvent.
func (b *Broadcaster) Publish(server string, ev event.Event) {
	b.broadcast(WSMessage{
		Type: MsgEvent,
		Payload: EventPayload{
			Server: server,
			Kind:   ev.Kind().String(),
			At:     b.now().UTC(),
			Event:  ev,
		},
	})
}

func (b *Broadcaster) snapshot() WSMessage {
	var sessions []app.SessionStatus
	if b.source != nil {
		sessions = b.source.Statuses()
	}
	return WSMessage{Type: MsgSnapshot, Payload: SnapshotPayload{Sessions: sessions}}
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			if b.ClientCount() > 0 {
				b.broadcast(b.snapshot())
			}
		}
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("broadcast marshal error: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !b.trySend(c, data) {
			log.WithField("remote", c.conn.RemoteAddr().String()).Warn("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

// trySend queues data for c without blocking. The read lock keeps c.send
// open while sending; a client already removed counts as delivered.
func (b *Broadcaster) trySend(c *client, data []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop ends the snapshot loop and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.snapshotTicker.Stop()
	})
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}
