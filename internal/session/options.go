package session

import (
	"time"

	"github.com/raidwatch/backend/internal/eventlog"
	"github.com/raidwatch/backend/internal/transport"
)

// Scheduler runs f once after d. The returned func cancels the run and
// reports whether it was still pending.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Option customises a Session.
type Option func(*Session)

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(s *Session) {
		if d != nil {
			s.dial = d
		}
	}
}

// WithRecorder sets the durable log sink for lifecycle and entity events.
func WithRecorder(r eventlog.Recorder) Option {
	return func(s *Session) {
		if r != nil {
			s.rec = r
		}
	}
}

// WithScheduler replaces time.AfterFunc for reconnect timers.
func WithScheduler(fn Scheduler) Option {
	return func(s *Session) {
		if fn != nil {
			s.schedule = fn
		}
	}
}

// WithTransport sets transport timeouts and queue sizes. Endpoint and
// credential fields are always taken from the session Config.
func WithTransport(tc transport.Config) Option {
	return func(s *Session) {
		s.tcfg = tc
	}
}
