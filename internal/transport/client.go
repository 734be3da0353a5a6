// Package transport is the companion-protocol connection used by sessions.
// It exposes connect/disconnect/send primitives, lifecycle callbacks and
// typed request methods that each await exactly one correlated response.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

var (
	// ErrNotConnected is returned by requests issued before the handshake
	// completes or after the connection has gone away.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed fails requests still pending when the connection closes.
	ErrClosed = errors.New("transport: connection closed")
	// ErrUnexpectedResponse is returned when a response lacks the variant
	// the request asked for.
	ErrUnexpectedResponse = errors.New("transport: unexpected response")
)

// ResponseError is an explicit error response from the remote server.
type ResponseError struct {
	Reason string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("server rejected request: %s", e.Reason)
}

// Handlers are the callbacks a Client invokes. Any field may be nil.
// OnDisconnected fires exactly once per Client, after a failed handshake,
// an unexpected close, or Disconnect; err is nil for a requested close.
type Handlers struct {
	OnConnected    func()
	OnDisconnected func(err error)
	OnError        func(err error)
	OnBroadcast    func(b *AppBroadcast)
}

// Client is one connection attempt to a game server. A Client is used for a
// single connect/disconnect cycle; reconnecting means dialing a new one.
type Client interface {
	// Connect starts the handshake and returns immediately. The result is
	// reported through Handlers.
	Connect() error
	// Disconnect closes the connection. It is safe to call more than once.
	Disconnect() error
	// Send writes a raw frame.
	Send(data []byte) error

	GetInfo(ctx context.Context) (*ServerInfo, error)
	GetMapMarkers(ctx context.Context) ([]Marker, error)
	GetEntityInfo(ctx context.Context, entityID uint32) (*EntityInfo, error)
	SetEntityValue(ctx context.Context, entityID uint32, value bool) error
	SendTeamMessage(ctx context.Context, message string) error
}

// Dialer constructs a Client with handlers attached. Construction does not
// perform network I/O.
type Dialer func(cfg Config, h Handlers) (Client, error)

// Config describes one game server endpoint and the credentials used on it.
type Config struct {
	Host        string
	Port        int
	PlayerID    string
	PlayerToken string

	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration
	// RequestTimeout applies to requests whose context has no deadline.
	RequestTimeout time.Duration
	// PingInterval is the keepalive period; zero disables pings.
	PingInterval time.Duration
	// BroadcastQueue bounds broadcasts waiting for dispatch.
	BroadcastQueue int
}

// Address returns the host:port key of the endpoint.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.BroadcastQueue <= 0 {
		c.BroadcastQueue = 256
	}
	return c
}
