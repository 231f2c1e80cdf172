package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/classpulse/chatspace/cluster"
	"github.com/classpulse/chatspace/config"
	"github.com/classpulse/chatspace/persistence"
	"github.com/classpulse/chatspace/protocol"
	"github.com/classpulse/chatspace/types"
)

type recordingBus struct {
	mu        sync.Mutex
	published []cluster.Envelope
	handlers  []cluster.Handler
}

func (b *recordingBus) Publish(env cluster.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, env)
	return nil
}

func (b *recordingBus) Subscribe(h cluster.Handler) {
	b.handlers = append(b.handlers, h)
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) envelopes() []cluster.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]cluster.Envelope, len(b.published))
	copy(out, b.published)
	return out
}

type recordingConsumer struct {
	mu        sync.Mutex
	consumed  []*protocol.Event
	connected []string
	destroyed []string
	err       error
	calls     int
}

func (c *recordingConsumer) Consume(sess *Session, ev *protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		err := c.err
		c.err = nil
		return err
	}
	c.consumed = append(c.consumed, ev)
	return nil
}

func (c *recordingConsumer) Connected(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = append(c.connected, sess.ID)
}

func (c *recordingConsumer) Destroyed(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = append(c.destroyed, sess.ID)
}

type recordingProxy struct {
	mu     sync.Mutex
	client [][]byte
	server []*protocol.Packet
}

func (p *recordingProxy) PutClientMsg(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = append(p.client, frame)
}

func (p *recordingProxy) PutServerMsg(pkt *protocol.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.server = append(p.server, pkt)
}

func newTestService(t *testing.T) (*Service, *recordingBus, *recordingConsumer) {
	t.Helper()
	cfg := &config.Config{}
	cfg.SessionConfig.HeartbeatInterval = 5
	cfg.SessionConfig.HeartbeatTimeout = 60
	cfg.SessionConfig.PollTimeout = 5
	cfg.PersistenceConfig.Type = "buntdb"
	cfg.PersistenceConfig.DSN = ":memory:"
	store, err := persistence.NewPersister(cfg)
	assert.NoError(t, err)
	bus := &recordingBus{}
	svc := NewService(cfg, store, bus)
	consumer := &recordingConsumer{}
	svc.SetConsumer(consumer)
	t.Cleanup(func() {
		svc.Close()
		store.Close()
	})
	return svc, bus, consumer
}

func TestQueueOrderAndSentinel(t *testing.T) {
	q := NewQueue()
	q.Put("a")
	q.Put("b")
	v, ok := q.Get(0)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	q.Put(nil)
	v, ok = q.Get(0)
	assert.True(t, ok, "items queued before the sentinel still drain")
	assert.Equal(t, "b", v)

	_, ok = q.Get(0)
	assert.False(t, ok)
	assert.True(t, q.Closed())

	q.Put("late")
	_, ok = q.Get(0)
	assert.False(t, ok, "puts after close are dropped")
}

func TestQueueGetTimeout(t *testing.T) {
	q := NewQueue()
	start := time.Now()
	_, ok := q.Get(20 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestCreateAndGetSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	sess, err := svc.CreateSession("alice")
	assert.NoError(t, err)
	assert.Equal(t, types.SessionNew, sess.State())

	got, err := svc.GetSession(sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "alice", got.Owner)

	_, err = svc.GetSession("no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConnectedNoticeExactlyOnce(t *testing.T) {
	svc, _, consumer := newTestService(t)
	sess, err := svc.CreateSession("alice")
	assert.NoError(t, err)

	// hits before the handshake completes do not announce
	_, err = svc.GetSession(sess.ID)
	assert.NoError(t, err)
	assert.Empty(t, consumer.connected)

	assert.NoError(t, svc.ConfirmConnection(sess))
	assert.Equal(t, types.SessionConnected, sess.State())
	assert.Equal(t, []string{sess.ID}, consumer.connected)

	for i := 0; i < 3; i++ {
		_, err = svc.GetSession(sess.ID)
		assert.NoError(t, err)
	}
	assert.Equal(t, []string{sess.ID}, consumer.connected, "notice is one-shot")
}

func TestStaleSessionCleanup(t *testing.T) {
	svc, bus, consumer := newTestService(t)
	current := time.Now()
	svc.now = func() time.Time { return current }

	sess, err := svc.CreateSession("alice")
	assert.NoError(t, err)

	current = current.Add(2 * time.Minute)
	_, err = svc.GetSession(sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, types.SessionDisconnected, sess.State())
	assert.True(t, sess.ClientQueue.Closed())
	assert.True(t, sess.ServerQueue.Closed())
	assert.Equal(t, []string{sess.ID}, consumer.destroyed)

	deads := 0
	for _, env := range bus.envelopes() {
		if env.Function == cluster.FuncSessionDead {
			deads++
		}
	}
	assert.Equal(t, 1, deads, "death is published exactly once")

	// idempotent: a second lookup is a plain not-found
	_, err = svc.GetSession(sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{sess.ID}, consumer.destroyed)

	recs, err := svc.GetSessionsByOwner("alice")
	assert.NoError(t, err)
	assert.Empty(t, recs, "owner index entry removed with the session")
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	svc, _, _ := newTestService(t)
	current := time.Now()
	svc.now = func() time.Time { return current }

	sess, err := svc.CreateSession("alice")
	assert.NoError(t, err)

	current = current.Add(50 * time.Second)
	assert.NoError(t, svc.Heartbeat(sess))
	current = current.Add(50 * time.Second)

	_, err = svc.GetSession(sess.ID)
	assert.NoError(t, err, "heartbeat within the timeout keeps the session")
}

func TestGetSessionsByOwnerFiltersStale(t *testing.T) {
	svc, _, _ := newTestService(t)
	current := time.Now()
	svc.now = func() time.Time { return current }

	old, err := svc.CreateSession("alice")
	assert.NoError(t, err)
	current = current.Add(2 * time.Minute)
	fresh, err := svc.CreateSession("alice")
	assert.NoError(t, err)

	sessions, err := svc.GetSessionsByOwner("alice")
	assert.NoError(t, err)
	assert.Len(t, sessions, 1)
	assert.Equal(t, fresh.ID, sessions[0].ID)
	assert.NotEqual(t, old.ID, sessions[0].ID)
}

func TestPutClientMessageLocalAndRemote(t *testing.T) {
	svc, bus, _ := newTestService(t)
	sess, err := svc.CreateSession("alice")
	assert.NoError(t, err)

	proxy := &recordingProxy{}
	svc.RegisterProxy(sess.ID, proxy)

	frame := protocol.MakeHeartbeat()
	assert.NoError(t, svc.PutClientMessage(sess.ID, frame))
	assert.Equal(t, [][]byte{frame}, proxy.client, "local proxy is fed directly")
	queued := sess.ClientQueue.DrainAll()
	assert.Len(t, queued, 1)
	assert.Empty(t, bus.envelopes(), "no cluster traffic for local delivery")

	// unknown session goes over the bus
	assert.NoError(t, svc.PutClientMessage("remote-session", frame))
	envs := bus.envelopes()
	assert.Len(t, envs, 1)
	assert.Equal(t, cluster.FuncPutClientMsg, envs[0].Function)
	assert.Equal(t, "remote-session", envs[0].SessionID)
}

func TestClusterDeliveryToProxy(t *testing.T) {
	svc, bus, _ := newTestService(t)
	proxy := &recordingProxy{}
	svc.RegisterProxy("s-remote", proxy)

	frame := protocol.MakeNoop()
	for _, h := range bus.handlers {
		h(cluster.Envelope{SessionID: "s-remote", Function: cluster.FuncPutClientMsg, Payload: frame})
	}
	assert.Equal(t, [][]byte{frame}, proxy.client)

	// session_dead pushes the sentinel through the proxy
	for _, h := range bus.handlers {
		h(cluster.Envelope{SessionID: "s-remote", Function: cluster.FuncSessionDead})
	}
	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	assert.Len(t, proxy.client, 2)
	assert.Nil(t, proxy.client[1])
}

func TestConsumeLoopDispatchesEvents(t *testing.T) {
	svc, _, consumer := newTestService(t)
	sess, err := svc.CreateSession("alice")
	assert.NoError(t, err)

	frame, err := protocol.MakeEvent(types.EventSetPresence, map[string]any{"type": "available"})
	assert.NoError(t, err)
	pkt, err := protocol.Decode(frame)
	assert.NoError(t, err)
	assert.NoError(t, svc.PutServerPacket(sess.ID, pkt))

	assert.Eventually(t, func() bool {
		consumer.mu.Lock()
		defer consumer.mu.Unlock()
		return len(consumer.consumed) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.EventSetPresence, consumer.consumed[0].Name)
}

func TestConsumeRetriesOnConflict(t *testing.T) {
	svc, _, consumer := newTestService(t)
	consumer.err = persistence.ErrConflict
	sess, err := svc.CreateSession("alice")
	assert.NoError(t, err)

	frame, err := protocol.MakeEvent(types.EventExitRoom, "room-1")
	assert.NoError(t, err)
	pkt, err := protocol.Decode(frame)
	assert.NoError(t, err)
	assert.NoError(t, svc.PutServerPacket(sess.ID, pkt))

	assert.Eventually(t, func() bool {
		consumer.mu.Lock()
		defer consumer.mu.Unlock()
		return len(consumer.consumed) == 1
	}, time.Second, 5*time.Millisecond)
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	assert.Equal(t, 2, consumer.calls, "one retry after the transient conflict")
}

func TestSweepStale(t *testing.T) {
	svc, bus, _ := newTestService(t)
	current := time.Now()
	svc.now = func() time.Time { return current }

	sess, err := svc.CreateSession("alice")
	assert.NoError(t, err)
	current = current.Add(3 * time.Minute)
	svc.SweepStale()

	_, err = svc.GetSession(sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	deads := 0
	for _, env := range bus.envelopes() {
		if env.Function == cluster.FuncSessionDead {
			deads++
		}
	}
	assert.Equal(t, 1, deads)
}

func TestDeleteSessionsTerminatesAllOfOwner(t *testing.T) {
	svc, _, consumer := newTestService(t)

	s1, err := svc.CreateSession("alice")
	assert.NoError(t, err)
	s2, err := svc.CreateSession("alice")
	assert.NoError(t, err)
	other, err := svc.CreateSession("bob")
	assert.NoError(t, err)

	assert.NoError(t, svc.DeleteSessions("alice"))

	for _, sess := range []*Session{s1, s2} {
		_, err := svc.GetSession(sess.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, types.SessionDisconnected, sess.State())
	}
	assert.Len(t, consumer.destroyed, 2)

	got, err := svc.GetSession(other.ID)
	assert.NoError(t, err)
	assert.Equal(t, "bob", got.Owner)
}

func TestKilledRecordsArePruned(t *testing.T) {
	svc, _, _ := newTestService(t)
	current := time.Now()
	svc.now = func() time.Time { return current }

	sess, err := svc.CreateSession("alice")
	assert.NoError(t, err)
	svc.KillSession(sess)

	// within the timeout the record guards against duplicate kills
	svc.SweepStale()
	svc.mu.Lock()
	assert.Len(t, svc.killed, 1)
	svc.mu.Unlock()

	current = current.Add(2 * time.Minute)
	svc.SweepStale()
	svc.mu.Lock()
	assert.Empty(t, svc.killed, "death records are forgotten after the timeout")
	svc.mu.Unlock()
}
