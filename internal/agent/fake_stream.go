// ABOUTME: In-memory Stream that records frames instead of writing to a socket
// ABOUTME: Used by tests of the registry, the dispatcher and the gateway

package agent

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/protocol"
)

// FakeStream implements Stream in memory. Set FailWrites to make every data
// frame write fail with that error.
type FakeStream struct {
	mu         sync.Mutex
	frames     [][]byte
	pings      int
	closed     bool
	FailWrites error
}

// NewFakeStream creates an empty FakeStream.
func NewFakeStream() *FakeStream {
	return &FakeStream{}
}

func (f *FakeStream) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return websocket.ErrCloseSent
	}
	if f.FailWrites != nil {
		return f.FailWrites
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *FakeStream) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return websocket.ErrCloseSent
	}
	if messageType == websocket.PingMessage {
		f.pings++
	}
	return nil
}

func (f *FakeStream) SetWriteDeadline(time.Time) error { return nil }

func (f *FakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("already closed")
	}
	f.closed = true
	return nil
}

// SetFailWrites changes FailWrites under the lock.
func (f *FakeStream) SetFailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailWrites = err
}

// Frames returns copies of every data frame written so far.
func (f *FakeStream) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

// Messages decodes every frame written so far.
func (f *FakeStream) Messages() ([]protocol.Message, error) {
	var out []protocol.Message
	for _, frame := range f.Frames() {
		m, err := protocol.Decode(frame)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// RunScripts returns the run_script frames written so far, in order.
func (f *FakeStream) RunScripts() []*protocol.RunScript {
	msgs, _ := f.Messages()
	var out []*protocol.RunScript
	for _, m := range msgs {
		if rs, ok := m.(*protocol.RunScript); ok {
			out = append(out, rs)
		}
	}
	return out
}

// Pings returns how many ping control frames were written.
func (f *FakeStream) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// IsClosed reports whether Close was called.
func (f *FakeStream) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
