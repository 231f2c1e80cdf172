package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoopbackBusDelivery(t *testing.T) {
	b := NewLoopbackBus()
	got := make([]Envelope, 0)
	b.Subscribe(func(env Envelope) {
		got = append(got, env)
	})
	env := Envelope{SessionID: "s1", Function: FuncPutClientMsg, Payload: []byte("2::")}
	assert.NoError(t, b.Publish(env))
	assert.Len(t, got, 1)
	assert.Equal(t, env, got[0])
}

func TestLoopbackBusNoSubscribers(t *testing.T) {
	b := NewLoopbackBus()
	assert.NoError(t, b.Publish(Envelope{SessionID: "s1", Function: FuncSessionDead}))
}

func TestLoopbackBusClosed(t *testing.T) {
	b := NewLoopbackBus()
	delivered := false
	b.Subscribe(func(Envelope) { delivered = true })
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Publish(Envelope{SessionID: "s1"}))
	assert.False(t, delivered)
}
