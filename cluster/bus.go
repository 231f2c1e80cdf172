// Package cluster carries session-addressed messages between nodes.
// Every published frame is a triple of session id, function name and
// payload; whichever node holds the live connection for the session
// applies it.
package cluster

import (
	"sync"

	"github.com/classpulse/chatspace/globals"
)

// Function names understood by all nodes.
const (
	FuncPutServerMsg = "put_server_msg"
	FuncPutClientMsg = "put_client_msg"
	FuncSessionDead  = "session_dead"
)

// Envelope is one published frame. Payload is a protocol-encoded
// frame for the put_* functions and an opaque token otherwise.
type Envelope struct {
	SessionID string `json:"session_id"`
	Function  string `json:"function"`
	Payload   []byte `json:"payload"`
}

type Handler func(env Envelope)

// Bus fans envelopes out to every subscribed node, including the
// publishing one.
type Bus interface {
	Publish(env Envelope) error
	Subscribe(h Handler)
	Close() error
}

// LoopbackBus is the single-node bus: envelopes are delivered to the
// local subscribers only. An envelope nobody can apply is dropped.
type LoopbackBus struct {
	mu       sync.Mutex
	handlers []Handler
	closed   bool
}

func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{}
}

func (b *LoopbackBus) Publish(env Envelope) error {
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil
	}
	if len(handlers) == 0 {
		globals.AppLogger.Debug("dropping envelope, no subscribers", "session", env.SessionID, "function", env.Function)
		return nil
	}
	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (b *LoopbackBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
