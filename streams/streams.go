// Package streams defines how out-of-band notification frames reach a
// session's open connection.
//
// A Manager owns only delivery state (which sink is attached for which
// session id). It never reads or writes session metadata; that lives in a
// sessions.Store, so any store backend can be paired with any stream backend.
//
// Two implementations exist:
//   - localstream delivers directly to sinks held by this process.
//   - redisstream publishes every frame through Redis pub/sub so an event
//     raised on one instance reaches a session attached to another.
package streams

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ggoodman/mcp-livesync/internal/jsonrpc"
)

// ErrClosed is returned by a Manager or Sink after Close.
var ErrClosed = errors.New("streams: closed")

// Sink is the write side of one session's open connection.
type Sink interface {
	// Send writes a single serialized frame. Implementations must preserve
	// the order of calls.
	Send(ctx context.Context, frame []byte) error
	// Close releases the connection. It must be safe to call more than once.
	Close() error
}

// Manager delivers frames to sessions by id.
type Manager interface {
	// Create attaches sink to sessionID. Attaching over an existing sink
	// closes the previous one.
	Create(ctx context.Context, sessionID string, sink Sink) error
	// Send delivers payload to each listed session in order. A nil slice
	// broadcasts to every known session. Unknown ids are skipped.
	Send(ctx context.Context, sessionIDs []string, payload []byte) error
	// Delete detaches and closes the sink for sessionID, if any.
	Delete(ctx context.Context, sessionID string) error
	// Has reports whether sessionID currently has an attached sink.
	Has(ctx context.Context, sessionID string) (bool, error)
	// Close closes every sink and releases backend resources.
	Close() error
}

// SinkFunc adapts a function to the Sink interface. Close is a no-op.
type SinkFunc func(ctx context.Context, frame []byte) error

func (f SinkFunc) Send(ctx context.Context, frame []byte) error { return f(ctx, frame) }
func (f SinkFunc) Close() error                                 { return nil }

// ChanSink buffers frames on a channel for an in-process consumer.
type ChanSink struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

// NewChanSink returns a ChanSink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{frames: make(chan []byte, buffer), done: make(chan struct{})}
}

// Frames returns the channel frames are delivered on.
func (s *ChanSink) Frames() <-chan []byte { return s.frames }

// Done is closed once the sink has been closed.
func (s *ChanSink) Done() <-chan struct{} { return s.done }

// Send blocks until the frame is buffered, the sink is closed or ctx ends.
func (s *ChanSink) Send(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.frames <- frame:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the sink closed. The frames channel is left open so that
// concurrent senders never panic; consumers should select on Done.
func (s *ChanSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// EncodeNotification builds a JSON-RPC notification frame.
func EncodeNotification(method string, params any) ([]byte, error) {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

// Notify encodes a notification and sends it through m.
func Notify(ctx context.Context, m Manager, sessionIDs []string, method string, params any) error {
	frame, err := EncodeNotification(method, params)
	if err != nil {
		return err
	}
	return m.Send(ctx, sessionIDs, frame)
}
