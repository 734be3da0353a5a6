// Package mock is an in-process game server speaking the transport.Client
// interface. It backs --mock mode and tests that need a controllable peer.
package mock

import (
	"context"
	"sync"

	"github.com/raidwatch/backend/internal/transport"
)

// SetCall is one SetEntityValue request seen by the server.
type SetCall struct {
	EntityID uint32
	Value    bool
}

// Server holds world state shared by every client dialed from it. The zero
// value is not usable; use NewServer.
type Server struct {
	mu sync.Mutex

	// AutoAccept completes handshakes asynchronously on Connect. When false
	// tests drive handshakes with Client.Accept and Client.Drop.
	AutoAccept bool

	info     transport.ServerInfo
	markers  []transport.Marker
	entities map[uint32]*transport.EntityInfo

	dialErr    error
	connectErr error
	markersErr error
	commandErr error

	sent    []string
	sets    []SetCall
	clients []*Client
}

func NewServer(info transport.ServerInfo) *Server {
	return &Server{
		info:     info,
		entities: make(map[uint32]*transport.EntityInfo),
	}
}

// Dialer returns a transport.Dialer producing clients of this server.
func (s *Server) Dialer() transport.Dialer {
	return func(cfg transport.Config, h transport.Handlers) (transport.Client, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.dialErr != nil {
			return nil, s.dialErr
		}
		c := &Client{srv: s, cfg: cfg, h: h}
		s.clients = append(s.clients, c)
		return c, nil
	}
}

// FailDial makes subsequent dials fail with err; nil restores them.
func (s *Server) FailDial(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

// FailConnect makes Client.Connect return err.
func (s *Server) FailConnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

// FailMarkers makes marker snapshots fail with err.
func (s *Server) FailMarkers(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markersErr = err
}

// FailCommands makes SetEntityValue and SendTeamMessage fail with err.
func (s *Server) FailCommands(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandErr = err
}

func (s *Server) SetMarkers(m ...transport.Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers = append([]transport.Marker(nil), m...)
}

func (s *Server) SetMapSize(size uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.MapSize = size
}

// AddEntity makes entity id answer info queries with the given type.
func (s *Server) AddEntity(id uint32, t transport.EntityType, p transport.EntityPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[id] = &transport.EntityInfo{Type: t, Payload: &p}
}

// Sent returns the team messages received so far.
func (s *Server) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *Server) Sets() []SetCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SetCall(nil), s.sets...)
}

// Clients returns every client dialed so far, oldest first.
func (s *Server) Clients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Client(nil), s.clients...)
}

// Last returns the most recently dialed client, or nil.
func (s *Server) Last() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) == 0 {
		return nil
	}
	return s.clients[len(s.clients)-1]
}

// Broadcast pushes b to every live client.
func (s *Server) Broadcast(b *transport.AppBroadcast) {
	for _, c := range s.Clients() {
		c.Push(b)
	}
}

// Client is one connection to a Server.
type Client struct {
	srv *Server
	cfg transport.Config
	h   transport.Handlers

	mu          sync.Mutex
	started     bool
	live        bool
	closed      bool
	disconnects int
}

// Config is the transport config the client was dialed with.
func (c *Client) Config() transport.Config { return c.cfg }

func (c *Client) Connect() error {
	c.srv.mu.Lock()
	err := c.srv.connectErr
	auto := c.srv.AutoAccept
	c.srv.mu.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	if auto {
		go c.Accept()
	}
	return nil
}

// Accept completes the handshake.
func (c *Client) Accept() {
	c.mu.Lock()
	if c.closed || c.live {
		c.mu.Unlock()
		return
	}
	c.live = true
	c.mu.Unlock()
	if c.h.OnConnected != nil {
		c.h.OnConnected()
	}
}

// Drop closes the connection from the server side, or fails a pending
// handshake, reporting err.
func (c *Client) Drop(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.live = false
	c.mu.Unlock()
	if err != nil && c.h.OnError != nil {
		c.h.OnError(err)
	}
	if c.h.OnDisconnected != nil {
		c.h.OnDisconnected(err)
	}
}

// Push delivers b if the client is live.
func (c *Client) Push(b *transport.AppBroadcast) {
	c.mu.Lock()
	live := c.live
	c.mu.Unlock()
	if live && c.h.OnBroadcast != nil {
		c.h.OnBroadcast(b)
	}
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.live = false
	c.mu.Unlock()
	if c.h.OnDisconnected != nil {
		c.h.OnDisconnected(nil)
	}
	return nil
}

// Disconnects counts Disconnect calls.
func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *Client) IsLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

func (c *Client) Send([]byte) error {
	if !c.IsLive() {
		return transport.ErrNotConnected
	}
	return nil
}

func (c *Client) GetInfo(ctx context.Context) (*transport.ServerInfo, error) {
	if !c.IsLive() {
		return nil, transport.ErrNotConnected
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	info := c.srv.info
	return &info, nil
}

func (c *Client) GetMapMarkers(ctx context.Context) ([]transport.Marker, error) {
	if !c.IsLive() {
		return nil, transport.ErrNotConnected
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.srv.markersErr != nil {
		return nil, c.srv.markersErr
	}
	return append([]transport.Marker(nil), c.srv.markers...), nil
}

func (c *Client) GetEntityInfo(ctx context.Context, entityID uint32) (*transport.EntityInfo, error) {
	if !c.IsLive() {
		return nil, transport.ErrNotConnected
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	info, ok := c.srv.entities[entityID]
	if !ok {
		return nil, &transport.ResponseError{Reason: "not_found"}
	}
	cp := *info
	return &cp, nil
}

func (c *Client) SetEntityValue(ctx context.Context, entityID uint32, value bool) error {
	if !c.IsLive() {
		return transport.ErrNotConnected
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.srv.commandErr != nil {
		return c.srv.commandErr
	}
	c.srv.sets = append(c.srv.sets, SetCall{EntityID: entityID, Value: value})
	if info, ok := c.srv.entities[entityID]; ok && info.Payload != nil {
		v := value
		info.Payload.Value = &v
	}
	return nil
}

func (c *Client) SendTeamMessage(ctx context.Context, message string) error {
	if !c.IsLive() {
		return transport.ErrNotConnected
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.srv.commandErr != nil {
		return c.srv.commandErr
	}
	c.srv.sent = append(c.srv.sent, message)
	return nil
}
