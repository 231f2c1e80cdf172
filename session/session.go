// Package session implements the cluster-wide session directory:
// session lifecycle and staleness, owner lookup, and message fan-out
// to whichever node holds the live connection.
package session

import (
	"sync"
	"time"

	"github.com/classpulse/chatspace/types"
)

// Session is one client connection's server-side state. The two
// queues carry outbound frames (client queue) and decoded inbound
// packets (server queue); a nil sentinel on either means the session
// has ended.
type Session struct {
	ID          string
	Owner       string
	CreatedTime int64

	mu               sync.Mutex
	state            string
	confirmed        bool
	broadcastConnect bool
	hits             int64
	hitsLoaded       int64
	heartbeats       int64
	heartbeatsLoaded int64
	lastHeartbeat    int64

	ClientQueue *Queue
	ServerQueue *Queue
}

func newSession(id, owner string, now time.Time) *Session {
	return &Session{
		ID:            id,
		Owner:         owner,
		CreatedTime:   now.Unix(),
		state:         types.SessionNew,
		lastHeartbeat: now.Unix(),
		ClientQueue:   NewQueue(),
		ServerQueue:   NewQueue(),
	}
}

func newSessionFromRecord(rec *types.SessionRecord) *Session {
	return &Session{
		ID:               rec.ID,
		Owner:            rec.Owner,
		CreatedTime:      rec.CreatedTime,
		state:            rec.State,
		confirmed:        rec.ConnectionConfirmed,
		broadcastConnect: rec.BroadcastConnect,
		hits:             rec.Hits,
		hitsLoaded:       rec.Hits,
		heartbeats:       rec.Heartbeats,
		heartbeatsLoaded: rec.Heartbeats,
		lastHeartbeat:    rec.LastHeartbeat,
		ClientQueue:      NewQueue(),
		ServerQueue:      NewQueue(),
	}
}

func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) Connected() bool {
	return s.State() == types.SessionConnected
}

func (s *Session) ConnectionConfirmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed
}

func (s *Session) setConfirmed(confirmed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = confirmed
}

// Heartbeat records a client heartbeat.
func (s *Session) Heartbeat(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	if ts := now.Unix(); ts > s.lastHeartbeat {
		s.lastHeartbeat = ts
	}
}

func (s *Session) LastHeartbeat() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

func (s *Session) incrHits() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	return s.hits
}

// markBroadcastConnect flips the one-shot connect-notice flag and
// reports whether this call was the flip.
func (s *Session) markBroadcastConnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broadcastConnect {
		return false
	}
	s.broadcastConnect = true
	return true
}

// Record snapshots the session for persistence, including the loaded
// baselines the store needs to merge concurrent writers.
func (s *Session) Record() *types.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &types.SessionRecord{
		ID:                  s.ID,
		Owner:               s.Owner,
		State:               s.state,
		ConnectionConfirmed: s.confirmed,
		BroadcastConnect:    s.broadcastConnect,
		CreatedTime:         s.CreatedTime,
		Hits:                s.hits,
		Heartbeats:          s.heartbeats,
		LastHeartbeat:       s.lastHeartbeat,
		HitsLoaded:          s.hitsLoaded,
		HeartbeatsLoaded:    s.heartbeatsLoaded,
	}
}

// adopt takes over the merged values a save produced, so the next
// save's deltas are relative to what is actually stored.
func (s *Session) adopt(rec *types.SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits = rec.Hits
	s.hitsLoaded = rec.Hits
	s.heartbeats = rec.Heartbeats
	s.heartbeatsLoaded = rec.Heartbeats
	if rec.LastHeartbeat > s.lastHeartbeat {
		s.lastHeartbeat = rec.LastHeartbeat
	}
	if stateRankOf(rec.State) > stateRankOf(s.state) {
		s.state = rec.State
	}
}

func stateRankOf(state string) int {
	switch state {
	case types.SessionConnected:
		return 1
	case types.SessionDisconnecting:
		return 2
	case types.SessionDisconnected:
		return 3
	}
	return 0
}

// kill moves the session to its terminal state and pushes the end
// sentinel through both queues. Safe to call more than once.
func (s *Session) kill() {
	s.setState(types.SessionDisconnected)
	s.ClientQueue.Put(nil)
	s.ServerQueue.Put(nil)
}
