package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
)

type result struct {
	resp *AppResponse
	err  error
}

// WSClient speaks the companion protocol over a websocket. Responses are
// resolved on the read goroutine; broadcasts are handed to a separate
// dispatch goroutine so a slow OnBroadcast handler never stalls responses.
type WSClient struct {
	cfg      Config
	handlers Handlers
	url      string
	log      *log.Entry

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes
	conn    *websocket.Conn
	seq     uint32
	pending map[uint32]chan result
	started bool
	closing bool

	broadcasts chan *AppBroadcast
	done       chan struct{}
	closeOnce  sync.Once
}

// DialWS is a Dialer for websocket endpoints.
func DialWS(cfg Config, h Handlers) (Client, error) {
	return NewWSClient(cfg, h)
}

// NewWSClient validates cfg and returns an unconnected client.
func NewWSClient(cfg Config, h Handlers) (*WSClient, error) {
	if cfg.Host == "" {
		return nil, errors.New("transport: empty host")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("transport: invalid port %d", cfg.Port)
	}
	cfg = cfg.withDefaults()
	return &WSClient{
		cfg:        cfg,
		handlers:   h,
		url:        "ws://" + cfg.Address(),
		log:        log.WithField("server", cfg.Address()),
		pending:    make(map[uint32]chan result),
		broadcasts: make(chan *AppBroadcast, cfg.BroadcastQueue),
		done:       make(chan struct{}),
	}, nil
}

func (c *WSClient) Connect() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("transport: client already started")
	}
	c.started = true
	c.mu.Unlock()

	go c.run()
	return nil
}

func (c *WSClient) run() {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		if c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}
		c.teardown(err)
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		c.teardown(nil)
		return
	}
	c.conn = conn
	c.mu.Unlock()

	if c.cfg.PingInterval > 0 {
		go c.pingLoop(conn)
	}
	// The read loop must be running before OnConnected so a handler may
	// issue requests. Broadcasts queue until OnConnected returns.
	go c.readLoop(conn)

	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected()
	}
	c.dispatchLoop()
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	if c.cfg.PingInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			requested := c.closing
			c.mu.Unlock()
			if requested {
				c.teardown(nil)
				return
			}
			if c.handlers.OnError != nil {
				c.handlers.OnError(err)
			}
			c.teardown(err)
			return
		}

		var msg AppMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debugf("dropping undecodable frame: %v\n%s", err, spew.Sdump(data))
			continue
		}

		switch {
		case msg.Response != nil:
			c.resolve(msg.Response)
		case msg.Broadcast != nil:
			select {
			case c.broadcasts <- msg.Broadcast:
			default:
				c.log.Warn("broadcast queue full, dropping broadcast")
			}
		}
	}
}

func (c *WSClient) resolve(resp *AppResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.Seq]
	if ok {
		delete(c.pending, resp.Seq)
	}
	c.mu.Unlock()
	if !ok {
		c.log.WithField("seq", resp.Seq).Debug("response for unknown request")
		return
	}
	ch <- result{resp: resp}
}

func (c *WSClient) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.broadcasts:
			if c.handlers.OnBroadcast != nil {
				c.handlers.OnBroadcast(b)
			}
		}
	}
}

// pingLoop sends periodic pings on conn until the client tears down.
func (c *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// teardown fails pending requests, closes the socket and fires
// OnDisconnected. Only the first call has any effect.
func (c *WSClient) teardown(err error) {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		pending := c.pending
		c.pending = make(map[uint32]chan result)
		c.mu.Unlock()

		for _, ch := range pending {
			ch <- result{err: ErrClosed}
		}
		if conn != nil {
			conn.Close()
		}
		if c.handlers.OnDisconnected != nil {
			c.handlers.OnDisconnected(err)
		}
	})
}

func (c *WSClient) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	started := c.started
	c.mu.Unlock()

	if conn == nil {
		if !started {
			c.teardown(nil)
		}
		// A dial in flight observes closing once it returns.
		return nil
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	if err != nil {
		// The read loop may never see a close frame; force it out.
		conn.Close()
	}
	// Unblock the read loop if the peer never answers the close frame.
	time.AfterFunc(writeTimeout, func() { conn.Close() })
	return nil
}

func (c *WSClient) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, data)
}

func (c *WSClient) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// request sends req and waits for the response with the same sequence
// number. An explicit error response is returned as *ResponseError.
func (c *WSClient) request(ctx context.Context, req *AppRequest) (*AppResponse, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.seq++
	seq := c.seq
	ch := make(chan result, 1)
	c.pending[seq] = ch
	c.mu.Unlock()

	req.Seq = seq
	req.PlayerID = c.cfg.PlayerID
	req.PlayerToken = c.cfg.PlayerToken
	data, err := json.Marshal(req)
	if err != nil {
		c.forget(seq)
		return nil, err
	}
	if err := c.write(conn, data); err != nil {
		c.forget(seq)
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp.Error != nil {
			return nil, &ResponseError{Reason: r.resp.Error.Error}
		}
		return r.resp, nil
	case <-ctx.Done():
		c.forget(seq)
		return nil, ctx.Err()
	}
}

func (c *WSClient) forget(seq uint32) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *WSClient) GetInfo(ctx context.Context) (*ServerInfo, error) {
	resp, err := c.request(ctx, &AppRequest{GetInfo: &AppEmpty{}})
	if err != nil {
		return nil, err
	}
	if resp.Info == nil {
		return nil, ErrUnexpectedResponse
	}
	return resp.Info, nil
}

func (c *WSClient) GetMapMarkers(ctx context.Context) ([]Marker, error) {
	resp, err := c.request(ctx, &AppRequest{GetMapMarkers: &AppEmpty{}})
	if err != nil {
		return nil, err
	}
	if resp.MapMarkers == nil {
		return nil, ErrUnexpectedResponse
	}
	return resp.MapMarkers.Markers, nil
}

func (c *WSClient) GetEntityInfo(ctx context.Context, entityID uint32) (*EntityInfo, error) {
	resp, err := c.request(ctx, &AppRequest{EntityID: entityID, GetEntityInfo: &AppEmpty{}})
	if err != nil {
		return nil, err
	}
	if resp.EntityInfo == nil {
		return nil, ErrUnexpectedResponse
	}
	return resp.EntityInfo, nil
}

func (c *WSClient) SetEntityValue(ctx context.Context, entityID uint32, value bool) error {
	resp, err := c.request(ctx, &AppRequest{
		EntityID:       entityID,
		SetEntityValue: &AppSetEntityValue{Value: value},
	})
	if err != nil {
		return err
	}
	if resp.Success == nil {
		return ErrUnexpectedResponse
	}
	return nil
}

func (c *WSClient) SendTeamMessage(ctx context.Context, message string) error {
	resp, err := c.request(ctx, &AppRequest{SendTeamMessage: &AppSendMessage{Message: message}})
	if err != nil {
		return err
	}
	if resp.Success == nil {
		return ErrUnexpectedResponse
	}
	return nil
}
