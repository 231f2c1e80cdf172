// Package chat implements the room/meeting layer on top of the
// session directory: entering and leaving rooms, channel-based
// posting policies, moderation, presence and transcript storage.
package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/classpulse/chatspace/config"
	"github.com/classpulse/chatspace/globals"
	"github.com/classpulse/chatspace/persistence"
	"github.com/classpulse/chatspace/protocol"
	"github.com/classpulse/chatspace/ratelimit"
	"github.com/classpulse/chatspace/session"
	"github.com/classpulse/chatspace/types"
)

var ErrRateLimitExceeded = errors.New("rate limit exceeded")

const bucketCacheSize = 4096

// Chatserver owns the live rooms, per-session handlers, presence
// state and the posting rate limiter. It is the session service's
// consumer: every decoded inbound event lands in Consume.
type Chatserver struct {
	cfg        *config.Config
	sessions   *session.Service
	store      persistence.Persister
	contacts   ContactSource
	containers ContainerStorage

	mu       sync.Mutex
	rooms    map[string]*Meeting
	handlers map[string]*Handler
	presence map[string]*types.PresenceInfo
	buckets  *lru.Cache

	now func() time.Time
}

func NewChatserver(cfg *config.Config, sessions *session.Service, store persistence.Persister, contacts ContactSource, containers ContainerStorage) *Chatserver {
	buckets, _ := lru.New(bucketCacheSize)
	cs := &Chatserver{
		cfg:        cfg,
		sessions:   sessions,
		store:      store,
		contacts:   contacts,
		containers: containers,
		rooms:      make(map[string]*Meeting),
		handlers:   make(map[string]*Handler),
		presence:   make(map[string]*types.PresenceInfo),
		buckets:    buckets,
		now:        time.Now,
	}
	sessions.SetConsumer(cs)
	return cs
}

// Consume dispatches one decoded inbound event to the session's
// handler.
func (cs *Chatserver) Consume(sess *session.Session, ev *protocol.Event) error {
	return cs.handlerFor(sess).Dispatch(ev)
}

// Connected announces the owner as available once the session's
// handshake completed.
func (cs *Chatserver) Connected(sess *session.Session) {
	cs.applyPresence(sess, &types.PresenceInfo{Type: types.PresenceAvailable})
}

// Destroyed tears down the session's handler; the owner's last
// session going away broadcasts unavailability.
func (cs *Chatserver) Destroyed(sess *session.Session) {
	cs.mu.Lock()
	h := cs.handlers[sess.ID]
	delete(cs.handlers, sess.ID)
	cs.mu.Unlock()
	if h != nil {
		h.destroy()
	}
	if sess.Owner == "" {
		return
	}
	remaining, err := cs.sessions.GetSessionsByOwner(sess.Owner)
	if err != nil {
		globals.AppLogger.Error("could not list sessions", "owner", sess.Owner, "error", err)
		return
	}
	if len(remaining) == 0 {
		// the owner is fully gone: leave every room, not only the
		// ones this session entered itself
		cs.mu.Lock()
		rooms := make([]*Meeting, 0, len(cs.rooms))
		for _, m := range cs.rooms {
			rooms = append(rooms, m)
		}
		cs.mu.Unlock()
		for _, m := range rooms {
			m.RemoveOccupant(sess.Owner)
		}
		cs.applyPresence(sess, &types.PresenceInfo{Type: types.PresenceUnavailable})
	}
}

func (cs *Chatserver) handlerFor(sess *session.Session) *Handler {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	h := cs.handlers[sess.ID]
	if h == nil {
		h = newHandler(cs, sess)
		cs.handlers[sess.ID] = h
	}
	return h
}

// sendEventToUser fans an event out to every live session of the
// user.
func (cs *Chatserver) sendEventToUser(username, name string, args ...any) {
	frame, err := protocol.MakeEvent(name, args...)
	if err != nil {
		globals.AppLogger.Error("could not encode event", "event", name, "error", err)
		return
	}
	sessions, err := cs.sessions.GetSessionsByOwner(username)
	if err != nil {
		globals.AppLogger.Error("could not list sessions", "owner", username, "error", err)
		return
	}
	for _, sess := range sessions {
		if err := cs.sessions.PutClientMessage(sess.ID, frame); err != nil {
			globals.AppLogger.Error("could not deliver event", "session", sess.ID, "error", err)
		}
	}
}

func (cs *Chatserver) sendEventToUsers(usernames []string, name string, args ...any) {
	for _, u := range usernames {
		cs.sendEventToUser(u, name, args...)
	}
}

func (cs *Chatserver) sendEventToSession(id, name string, args ...any) {
	frame, err := protocol.MakeEvent(name, args...)
	if err != nil {
		globals.AppLogger.Error("could not encode event", "event", name, "error", err)
		return
	}
	if err := cs.sessions.PutClientMessage(id, frame); err != nil {
		globals.AppLogger.Error("could not deliver event", "session", id, "error", err)
	}
}

func (cs *Chatserver) GetRoom(id string) *Meeting {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.rooms[id]
}

// roomsModeratedBy returns every live room the user moderates,
// regardless of which session turned moderation on.
func (cs *Chatserver) roomsModeratedBy(username string) []*Meeting {
	cs.mu.Lock()
	rooms := make([]*Meeting, 0, len(cs.rooms))
	for _, m := range cs.rooms {
		rooms = append(rooms, m)
	}
	cs.mu.Unlock()
	out := make([]*Meeting, 0)
	for _, m := range rooms {
		if m.IsModerator(username) {
			out = append(out, m)
		}
	}
	return out
}

func (cs *Chatserver) createRoom(containerID string, occupants []string) *Meeting {
	m := newMeeting(cs, uuid.NewString(), containerID)
	cs.mu.Lock()
	cs.rooms[m.ID] = m
	cs.mu.Unlock()
	for _, o := range occupants {
		m.AddOccupant(o, true)
	}
	globals.AppLogger.Debug("created room", "room", m.ID, "container", containerID, "occupants", occupants)
	return m
}

// EnterRoom resolves a room description to a live meeting: by id for
// rooms the user occupies (or occupied) or whose container admits
// them, by container via the container's active-meeting rules, or as
// an ad-hoc room built from the occupant list (group names expand).
// An ad-hoc room needs at least one other occupant with a live
// session.
func (cs *Chatserver) EnterRoom(sess *session.Session, desc *types.RoomDescription) *Meeting {
	user := sess.Owner
	if desc.ID != "" {
		m := cs.GetRoom(desc.ID)
		if m == nil || !m.IsActive() {
			return nil
		}
		if m.IsOccupant(user) {
			cs.trackOccupancy(user, m)
			return m
		}
		if m.WasOccupant(user) {
			m.AddOccupant(user, true)
			return m
		}
		if c := cs.containers.Get(m.ContainerID); c != nil {
			return c.EnterActiveMeeting(cs, user)
		}
		return nil
	}
	if desc.ContainerID != "" {
		if c := cs.containers.Get(desc.ContainerID); c != nil {
			if m := c.EnterActiveMeeting(cs, user); m != nil {
				return m
			}
			m, created := c.CreateOrEnterMeeting(cs, desc, user)
			if created {
				globals.AppLogger.Debug("created container meeting", "container", desc.ContainerID, "room", m.ID)
			}
			return m
		}
	}
	occupants := map[string]struct{}{user: {}}
	for _, o := range desc.Occupants {
		if members, ok := cs.contacts.ExpandGroup(o); ok {
			for _, member := range members {
				occupants[member] = struct{}{}
			}
			continue
		}
		occupants[o] = struct{}{}
	}
	names := setNames(occupants)
	if !cs.anyOtherConnected(user, names) {
		globals.AppLogger.Debug("refusing ad-hoc room without a second connected occupant",
			"creator", user, "occupants", names)
		return nil
	}
	return cs.createRoom(desc.ContainerID, names)
}

// anyOtherConnected reports whether any occupant besides user has at
// least one live session.
func (cs *Chatserver) anyOtherConnected(user string, occupants []string) bool {
	for _, o := range occupants {
		if o == user {
			continue
		}
		live, err := cs.sessions.GetSessionsByOwner(o)
		if err != nil {
			globals.AppLogger.Error("could not list sessions", "owner", o, "error", err)
			continue
		}
		if len(live) > 0 {
			return true
		}
	}
	return false
}

func (cs *Chatserver) ExitRoom(sess *session.Session, roomID string) bool {
	m := cs.GetRoom(roomID)
	if m == nil {
		return false
	}
	if !m.RemoveOccupant(sess.Owner) {
		return false
	}
	cs.untrackOccupancy(sess.Owner, roomID)
	return true
}

func (cs *Chatserver) roomBecameEmpty(m *Meeting) {
	m.deactivate()
	if err := cs.store.SaveRoomCopy(m.Copy()); err != nil {
		globals.AppLogger.Error("could not save final room state", "room", m.ID, "error", err)
	}
	if c := cs.containers.Get(m.ContainerID); c != nil {
		c.MeetingBecameEmpty(m)
	}
	cs.mu.Lock()
	delete(cs.rooms, m.ID)
	cs.mu.Unlock()
	globals.AppLogger.Debug("room became empty", "room", m.ID)
}

// trackOccupancy mirrors room membership into every handler of the
// user, so session-scoped operations know which rooms they are in.
func (cs *Chatserver) trackOccupancy(username string, m *Meeting) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, h := range cs.handlers {
		if h.owner() == username {
			h.addRoom(m)
		}
	}
}

func (cs *Chatserver) untrackOccupancy(username, roomID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, h := range cs.handlers {
		if h.owner() == username {
			h.dropRoom(roomID)
		}
	}
}

// PostMessage stamps the sender, enforces the rate limit and posts to
// every named room. The result is the AND of the per-room results.
func (cs *Chatserver) PostMessage(sess *session.Session, msg *types.Message) (bool, error) {
	msg.Creator = sess.Owner
	msg.SenderSID = sess.ID
	if !cs.allowPost(sess.ID) {
		return false, ErrRateLimitExceeded
	}
	if msg.ID == "" {
		if err := msg.CreateID(); err != nil {
			return false, err
		}
	}
	if msg.CreatedTime == 0 {
		msg.CreatedTime = cs.now().Unix()
	}
	rooms := msg.Rooms
	if len(rooms) == 0 && msg.ContainerID != "" {
		rooms = []string{msg.ContainerID}
	}
	if len(rooms) == 0 {
		return false, nil
	}
	result := true
	for _, roomID := range rooms {
		m := cs.GetRoom(roomID)
		if m == nil {
			result = false
			continue
		}
		if !m.Post(msg) {
			result = false
		}
	}
	return result, nil
}

func (cs *Chatserver) allowPost(sessionID string) bool {
	if cs.cfg.RateLimitConfig.Disable {
		return true
	}
	cs.mu.Lock()
	var bucket *ratelimit.TokenBucket
	if v, ok := cs.buckets.Get(sessionID); ok {
		bucket = v.(*ratelimit.TokenBucket)
	} else {
		bucket = ratelimit.NewTokenBucket(cs.cfg.RateLimitConfig.Capacity, cs.cfg.RateLimitConfig.FillRate)
		cs.buckets.Add(sessionID, bucket)
	}
	cs.mu.Unlock()
	return bucket.Allow()
}

// saveToTranscripts persists the message for each participant along
// with a fresh room snapshot and nudges the recipients' clients.
func (cs *Chatserver) saveToTranscripts(m *Meeting, msg *types.Message, participants []string) {
	if len(participants) == 0 {
		return
	}
	if err := cs.store.AppendTranscript(m.Copy(), msg, participants); err != nil {
		globals.AppLogger.Error("could not store transcripts", "room", m.ID, "error", err)
		return
	}
	for _, p := range participants {
		if p != msg.Creator {
			cs.sendEventToUser(p, types.EventNoticeIncomingChange, m.ID)
		}
	}
}

func (cs *Chatserver) TranscriptFor(username, meetingID string) (*types.Transcript, error) {
	return cs.store.GetTranscript(username, meetingID)
}

func (cs *Chatserver) TranscriptSummaries(username string) ([]*types.TranscriptSummary, error) {
	return cs.store.GetTranscriptSummaries(username)
}

// applyPresence records and broadcasts a presence change: to the
// owner's subscribers, to the owner's own sessions, and, when going
// available, a snapshot of subscribed-to presence back to the
// originating session.
func (cs *Chatserver) applyPresence(sess *session.Session, info *types.PresenceInfo) {
	info.Username = sess.Owner
	info.LastModified = cs.now().Unix()
	if info.Type == "" {
		info.Type = types.PresenceAvailable
	}
	cs.mu.Lock()
	cs.presence[info.Username] = info
	cs.mu.Unlock()

	for _, sub := range cs.contacts.SubscribersOf(info.Username) {
		cs.sendEventToUser(sub, types.EventPresenceOfUserChangedTo, info)
	}
	cs.sendEventToUser(info.Username, types.EventPresenceOfUserChangedTo, info)

	if info.IsAvailable() {
		for _, target := range cs.contacts.SubscriptionsOf(info.Username) {
			if p := cs.PresenceOf(target); p != nil {
				cs.sendEventToSession(sess.ID, types.EventPresenceOfUserChangedTo, p)
			}
		}
	}
}

func (cs *Chatserver) PresenceOf(username string) *types.PresenceInfo {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.presence[username]
}
