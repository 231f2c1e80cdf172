package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classpulse/chatspace/cluster"
	"github.com/classpulse/chatspace/config"
	"github.com/classpulse/chatspace/globals"
	"github.com/classpulse/chatspace/persistence"
	"github.com/classpulse/chatspace/protocol"
	"github.com/classpulse/chatspace/types"
)

var ErrNotFound = errors.New("session not found")

// Proxy is the in-process hook a transport registers while it holds
// the live connection for a session. A nil frame/packet is the end
// sentinel.
type Proxy interface {
	PutClientMsg(frame []byte)
	PutServerMsg(pkt *protocol.Packet)
}

// Consumer receives decoded inbound events and session lifecycle
// notices. The chat layer implements this.
type Consumer interface {
	Consume(sess *Session, ev *protocol.Event) error
	Connected(sess *Session)
	Destroyed(sess *Session)
}

// Service is the session directory. Sessions created here are "local"
// and get a consume loop plus a watchdog; sessions merely looked up
// from storage are reconstructed read-mostly views.
type Service struct {
	cfg   *config.Config
	store persistence.Persister
	bus   cluster.Bus

	mu       sync.Mutex
	local    map[string]*Session
	proxies  map[string]Proxy
	consumer Consumer
	killed   map[string]int64 // session id -> unix time of death

	done chan struct{}
	now  func() time.Time
}

func NewService(cfg *config.Config, store persistence.Persister, bus cluster.Bus) *Service {
	s := &Service{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		local:   make(map[string]*Session),
		proxies: make(map[string]Proxy),
		killed:  make(map[string]int64),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	bus.Subscribe(s.handleEnvelope)
	return s
}

func (s *Service) SetConsumer(c Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumer = c
}

func (s *Service) getConsumer() Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumer
}

func (s *Service) timeout() time.Duration {
	return time.Duration(s.cfg.SessionConfig.HeartbeatTimeout) * time.Second
}

func (s *Service) HeartbeatInterval() time.Duration {
	return time.Duration(s.cfg.SessionConfig.HeartbeatInterval) * time.Second
}

func (s *Service) HeartbeatTimeout() time.Duration {
	return s.timeout()
}

func (s *Service) PollTimeout() time.Duration {
	return time.Duration(s.cfg.SessionConfig.PollTimeout) * time.Second
}

// CreateSession registers a fresh NEW session owned by owner.
func (s *Service) CreateSession(owner string) (*Session, error) {
	sess := newSession(uuid.NewString(), owner, s.now())
	if err := s.save(sess); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.local[sess.ID] = sess
	s.mu.Unlock()
	go s.consumeLoop(sess)
	go s.watchdog(sess)
	globals.AppLogger.Debug("created session", "session", sess.ID, "owner", owner)
	return sess, nil
}

// GetSession looks a session up, expiring it if stale. A live lookup
// counts as a hit; the first hit of a confirmed, owned session
// publishes the one-shot connected notice.
func (s *Service) GetSession(id string) (*Session, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	sess.incrHits()
	s.maybeBroadcastConnect(sess)
	if err := s.save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSessionsByOwner returns the owner's sessions that survive the
// staleness check.
func (s *Service) GetSessionsByOwner(owner string) ([]*Session, error) {
	recs, err := s.store.GetSessionsByOwner(owner)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(recs))
	for _, rec := range recs {
		sess := s.localOr(rec)
		if s.expired(sess) {
			s.cleanup(sess, true)
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Service) lookup(id string) (*Session, error) {
	s.mu.Lock()
	sess := s.local[id]
	s.mu.Unlock()
	if sess == nil {
		rec, err := s.store.GetSession(id)
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		sess = newSessionFromRecord(rec)
	}
	if s.expired(sess) {
		s.cleanup(sess, true)
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *Service) localOr(rec *types.SessionRecord) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.local[rec.ID]; sess != nil {
		return sess
	}
	return newSessionFromRecord(rec)
}

// expired: terminal states are always expired; otherwise a session is
// stale only when both the last heartbeat and the creation time are
// older than the timeout, so freshly created sessions get a grace
// period.
func (s *Service) expired(sess *Session) bool {
	switch sess.State() {
	case types.SessionDisconnecting, types.SessionDisconnected:
		return true
	}
	now := s.now().Unix()
	timeout := int64(s.timeout() / time.Second)
	return now-sess.LastHeartbeat() > timeout && now-sess.CreatedTime > timeout
}

func (s *Service) save(sess *Session) error {
	rec := sess.Record()
	if err := s.store.SaveSession(rec); err != nil {
		return err
	}
	sess.adopt(rec)
	return nil
}

// ConfirmConnection marks the transport handshake as completed and
// moves the session to CONNECTED.
func (s *Service) ConfirmConnection(sess *Session) error {
	sess.setConfirmed(true)
	if sess.State() == types.SessionNew {
		sess.setState(types.SessionConnected)
	}
	s.maybeBroadcastConnect(sess)
	return s.save(sess)
}

// UnconfirmConnection is the decode-failure escape: the next client
// request will re-establish handshake state.
func (s *Service) UnconfirmConnection(sess *Session) error {
	sess.setConfirmed(false)
	return s.save(sess)
}

func (s *Service) Heartbeat(sess *Session) error {
	sess.Heartbeat(s.now())
	return s.save(sess)
}

func (s *Service) maybeBroadcastConnect(sess *Session) {
	if sess.Owner == "" || !sess.ConnectionConfirmed() {
		return
	}
	if !sess.markBroadcastConnect() {
		return
	}
	if c := s.getConsumer(); c != nil {
		c.Connected(sess)
	}
}

func (s *Service) RegisterProxy(id string, p Proxy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxies[id] = p
}

func (s *Service) UnregisterProxy(id string, p Proxy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proxies[id] == p {
		delete(s.proxies, id)
	}
}

func (s *Service) proxyFor(id string) Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxies[id]
}

// PutServerPacket applies an inbound packet to the session, locally
// when possible and over the cluster bus otherwise.
func (s *Service) PutServerPacket(id string, pkt *protocol.Packet) error {
	s.mu.Lock()
	sess := s.local[id]
	s.mu.Unlock()
	if sess != nil {
		sess.ServerQueue.Put(pkt)
		return nil
	}
	return s.bus.Publish(cluster.Envelope{
		SessionID: id,
		Function:  cluster.FuncPutServerMsg,
		Payload:   protocol.Encode(pkt),
	})
}

// PutClientMessage queues an outbound frame for the session. Local
// delivery feeds both the session queue and, when a transport is
// attached, its proxy; without any local presence the frame goes over
// the bus.
func (s *Service) PutClientMessage(id string, frame []byte) error {
	s.mu.Lock()
	sess := s.local[id]
	p := s.proxies[id]
	s.mu.Unlock()
	if sess != nil {
		sess.ClientQueue.Put(frame)
	}
	if p != nil {
		p.PutClientMsg(frame)
	}
	if sess == nil && p == nil {
		return s.bus.Publish(cluster.Envelope{
			SessionID: id,
			Function:  cluster.FuncPutClientMsg,
			Payload:   frame,
		})
	}
	return nil
}

// KillSession forcefully terminates a session: storage record gone,
// sentinels on both queues, cluster notified.
func (s *Service) KillSession(sess *Session) {
	s.cleanup(sess, true)
}

// DeleteSessions terminates every session of owner.
func (s *Service) DeleteSessions(owner string) error {
	recs, err := s.store.GetSessionsByOwner(owner)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		s.cleanup(s.localOr(rec), true)
	}
	return nil
}

func (s *Service) cleanup(sess *Session, publish bool) {
	s.mu.Lock()
	if _, done := s.killed[sess.ID]; done {
		s.mu.Unlock()
		return
	}
	s.killed[sess.ID] = s.now().Unix()
	delete(s.local, sess.ID)
	p := s.proxies[sess.ID]
	delete(s.proxies, sess.ID)
	consumer := s.consumer
	s.mu.Unlock()

	sess.setState(types.SessionDisconnecting)
	if err := s.store.DeleteSession(sess.Record()); err != nil {
		globals.AppLogger.Error("could not delete session", "session", sess.ID, "error", err)
	}
	sess.kill()
	if p != nil {
		p.PutClientMsg(nil)
		p.PutServerMsg(nil)
	}
	if consumer != nil {
		consumer.Destroyed(sess)
	}
	if publish {
		err := s.bus.Publish(cluster.Envelope{
			SessionID: sess.ID,
			Function:  cluster.FuncSessionDead,
			Payload:   []byte(sess.ID),
		})
		if err != nil {
			globals.AppLogger.Error("could not publish session death", "session", sess.ID, "error", err)
		}
	}
	globals.AppLogger.Debug("session dead", "session", sess.ID, "owner", sess.Owner)
}

// pruneKilled forgets death records older than the session timeout;
// by then no duplicate kill for that id can still be in flight.
func (s *Service) pruneKilled() {
	cutoff := s.now().Unix() - int64(s.timeout()/time.Second)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.killed {
		if at < cutoff {
			delete(s.killed, id)
		}
	}
}

// SweepStale expires every stale session in storage. Wired to a cron
// schedule by the server.
func (s *Service) SweepStale() {
	s.pruneKilled()
	err := s.store.EachSession(func(rec *types.SessionRecord) bool {
		sess := s.localOr(rec)
		if s.expired(sess) {
			s.cleanup(sess, true)
		}
		return true
	})
	if err != nil {
		globals.AppLogger.Error("could not sweep sessions", "error", err)
	}
}

func (s *Service) handleEnvelope(env cluster.Envelope) {
	switch env.Function {
	case cluster.FuncPutClientMsg:
		s.mu.Lock()
		sess := s.local[env.SessionID]
		p := s.proxies[env.SessionID]
		s.mu.Unlock()
		if sess != nil {
			sess.ClientQueue.Put(env.Payload)
		}
		if p != nil {
			p.PutClientMsg(env.Payload)
		}
		if sess == nil && p == nil {
			globals.AppLogger.Debug("no delivery target for cluster frame", "session", env.SessionID)
		}

	case cluster.FuncPutServerMsg:
		s.mu.Lock()
		sess := s.local[env.SessionID]
		s.mu.Unlock()
		if sess == nil {
			globals.AppLogger.Debug("no local session for cluster frame", "session", env.SessionID)
			return
		}
		pkt, err := protocol.Decode(env.Payload)
		if err != nil {
			globals.AppLogger.Error("undecodable cluster frame", "session", env.SessionID, "error", err)
			return
		}
		sess.ServerQueue.Put(pkt)

	case cluster.FuncSessionDead:
		s.mu.Lock()
		sess := s.local[env.SessionID]
		s.mu.Unlock()
		if sess != nil {
			// record removal was done by the publishing node
			s.cleanup(sess, false)
		} else if p := s.proxyFor(env.SessionID); p != nil {
			p.PutClientMsg(nil)
			p.PutServerMsg(nil)
			s.UnregisterProxy(env.SessionID, p)
		}
	}
}

// consumeLoop feeds decoded events to the consumer, one at a time per
// session, retrying once on a transient storage conflict.
func (s *Service) consumeLoop(sess *Session) {
	for {
		v, ok := sess.ServerQueue.Get(-1)
		if !ok || v == nil {
			return
		}
		pkt, ok := v.(*protocol.Packet)
		if !ok {
			continue
		}
		if pkt.Type != protocol.FrameEvent {
			continue
		}
		ev, err := protocol.ParseEvent(pkt)
		if err != nil {
			globals.AppLogger.Error("dropping malformed event", "session", sess.ID, "error", err)
			continue
		}
		consumer := s.getConsumer()
		if consumer == nil {
			globals.AppLogger.Warn("no consumer, dropping event", "session", sess.ID, "event", ev.Name)
			continue
		}
		err = RunRetryable(func() error {
			return consumer.Consume(sess, ev)
		})
		if err != nil {
			globals.AppLogger.Error("event failed", "session", sess.ID, "event", ev.Name, "error", err)
		}
	}
}

// watchdog re-arms until the session dies, expiring it when the
// client stops heartbeating.
func (s *Service) watchdog(sess *Session) {
	interval := s.timeout() / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return

		case <-ticker.C:
			if sess.State() == types.SessionDisconnected {
				return
			}
			if s.expired(sess) {
				s.cleanup(sess, true)
				return
			}
		}
	}
}

func (s *Service) Close() {
	close(s.done)
}

// RunRetryable runs fn, retrying exactly once when it reports a
// transient storage conflict.
func RunRetryable(fn func() error) error {
	err := fn()
	if errors.Is(err, persistence.ErrConflict) {
		err = fn()
	}
	return err
}
