package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/classpulse/chatspace/counter"
	"github.com/classpulse/chatspace/globals"
	"github.com/classpulse/chatspace/types"
)

// Meeting is a live room: a set of occupants exchanging messages,
// optionally moderated. All posting goes through Post, which applies
// the channel policy and, when it delivers, writes the occupants'
// transcripts.
type Meeting struct {
	server *Chatserver

	ID          string
	ContainerID string
	CreatedTime int64

	mu           sync.Mutex
	active       bool
	moderated    bool
	occupants    map[string]struct{}
	past         map[string]struct{}
	moderators   map[string]struct{}
	shadowed     map[string]struct{}
	queue        map[string]*types.Message
	postedIDs    map[string]struct{}
	messageCount *counter.MergingCounter
}

func newMeeting(server *Chatserver, id, containerID string) *Meeting {
	return &Meeting{
		server:       server,
		ID:           id,
		ContainerID:  containerID,
		CreatedTime:  time.Now().Unix(),
		active:       true,
		occupants:    make(map[string]struct{}),
		past:         make(map[string]struct{}),
		moderators:   make(map[string]struct{}),
		shadowed:     make(map[string]struct{}),
		queue:        make(map[string]*types.Message),
		postedIDs:    make(map[string]struct{}),
		messageCount: counter.NewMergingCounter(0),
	}
}

func (m *Meeting) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Meeting) IsModerated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moderated
}

func (m *Meeting) IsOccupant(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.occupants[name]
	return ok
}

// WasOccupant reports whether name occupied the room at some point;
// former occupants may rejoin by id.
func (m *Meeting) WasOccupant(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.past[name]
	return ok
}

func (m *Meeting) IsModerator(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.moderators[name]
	return ok
}

func setNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (m *Meeting) Occupants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return setNames(m.occupants)
}

func (m *Meeting) Moderators() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return setNames(m.moderators)
}

// AddOccupant adds name to the room. With broadcast, the new occupant
// gets the entered-room event and everyone else a membership update.
func (m *Meeting) AddOccupant(name string, broadcast bool) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	if _, ok := m.occupants[name]; ok {
		m.mu.Unlock()
		return
	}
	m.occupants[name] = struct{}{}
	others := make([]string, 0, len(m.occupants))
	for o := range m.occupants {
		if o != name {
			others = append(others, o)
		}
	}
	m.mu.Unlock()

	if broadcast {
		m.server.sendEventToUser(name, types.EventEnteredRoom, m.ExternalForm())
		m.server.sendEventToUsers(others, types.EventRoomMembershipChanged, m.ExternalForm())
	}
	m.server.trackOccupancy(name, m)
}

// RemoveOccupant drops name and notifies the rest; the server is told
// when the room runs empty.
func (m *Meeting) RemoveOccupant(name string) bool {
	m.mu.Lock()
	if _, ok := m.occupants[name]; !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.occupants, name)
	m.past[name] = struct{}{}
	remaining := setNames(m.occupants)
	m.mu.Unlock()

	m.server.sendEventToUser(name, types.EventExitedRoom, m.ID)
	m.server.sendEventToUsers(remaining, types.EventRoomMembershipChanged, m.ExternalForm())
	if len(remaining) == 0 {
		m.server.roomBecameEmpty(m)
	}
	return true
}

// SetModerated toggles moderation. Turning moderation off drains and
// drops whatever was still pending approval; leaving those messages
// queued forever serves nobody once there is no moderator to approve
// them.
func (m *Meeting) SetModerated(flag bool) {
	m.mu.Lock()
	if m.moderated == flag {
		m.mu.Unlock()
		return
	}
	m.moderated = flag
	dropped := 0
	if !flag {
		dropped = len(m.queue)
		m.queue = make(map[string]*types.Message)
		m.moderators = make(map[string]struct{})
		m.shadowed = make(map[string]struct{})
	}
	occupants := setNames(m.occupants)
	m.mu.Unlock()

	if dropped > 0 {
		globals.AppLogger.Info("dropped pending messages on unmoderate", "room", m.ID, "count", dropped)
	}
	m.server.sendEventToUsers(occupants, types.EventRoomModerationChanged, m.ExternalForm())
}

func (m *Meeting) AddModerator(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.moderated {
		m.moderators[name] = struct{}{}
	}
}

// ShadowUser marks name so their whispers are copied to moderators.
// Only effective while the room is moderated.
func (m *Meeting) ShadowUser(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.moderated {
		return false
	}
	m.shadowed[name] = struct{}{}
	return true
}

func (m *Meeting) deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
}

// Copy snapshots the externally visible room state. Transcripts store
// the copy so it outlives the live room.
func (m *Meeting) Copy() *types.RoomCopy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &types.RoomCopy{
		ID:           m.ID,
		ContainerID:  m.ContainerID,
		Active:       m.active,
		Moderated:    m.moderated,
		Occupants:    setNames(m.occupants),
		Moderators:   setNames(m.moderators),
		MessageCount: m.messageCount.Value(),
		CreatedTime:  m.CreatedTime,
	}
}

// ExternalForm is the wire shape of the room.
func (m *Meeting) ExternalForm() map[string]any {
	c := m.Copy()
	return map[string]any{
		"ID":           c.ID,
		"ContainerId":  c.ContainerID,
		"Active":       c.Active,
		"Moderated":    c.Moderated,
		"Occupants":    c.Occupants,
		"Moderators":   c.Moderators,
		"MessageCount": c.MessageCount,
		"CreatedTime":  c.CreatedTime,
	}
}

// Post applies the channel policy. It reports whether the message was
// accepted; a refused post mutates nothing and leaves SharedWith nil.
func (m *Meeting) Post(msg *types.Message) bool {
	if !m.IsActive() || !m.IsOccupant(msg.Creator) {
		return false
	}
	switch msg.Channel {
	case types.ChannelDefault, "":
		return m.postDefault(msg)

	case types.ChannelWhisper:
		return m.postWhisper(msg)

	case types.ChannelContent:
		return m.postContent(msg)

	case types.ChannelMeta:
		return m.postMeta(msg)

	case types.ChannelPoll:
		return m.postPoll(msg)
	}
	return false
}

// postDefault delivers room-wide, or queues for approval when the
// room is moderated and the sender is not a moderator.
func (m *Meeting) postDefault(msg *types.Message) bool {
	if m.IsModerated() && !m.IsModerator(msg.Creator) {
		msg.Status = types.StatusPending
		m.mu.Lock()
		m.queue[msg.ID] = msg
		m.mu.Unlock()
		m.server.sendEventToUsers(m.Moderators(), types.EventRecvMessageForModeration, msg)
		return true
	}
	m.deliver(msg, m.Occupants())
	return true
}

// postWhisper delivers to the named recipients plus the sender. An
// empty recipient list means the whole room, and naming every
// non-moderator occupant is the same as posting room-wide. In a
// moderated room a non-moderator may only whisper one-on-one or to
// moderators. A shadowed sender or a single shadowed recipient pulls
// a transcript-only copy to the moderators; naming a shadowed user
// among several recipients refuses the whole post.
func (m *Meeting) postWhisper(msg *types.Message) bool {
	targets := msg.RecipientsWithoutSender()
	if len(targets) == 0 {
		return m.postDefault(msg)
	}
	if len(targets) > 1 && m.whisperNamesEveryone(msg) {
		return m.postDefault(msg)
	}
	if m.IsModerated() && !m.IsModerator(msg.Creator) && !m.canWhisperTo(targets) {
		globals.AppLogger.Debug("refusing group whisper from non-moderator",
			"room", m.ID, "creator", msg.Creator)
		return false
	}
	m.mu.Lock()
	_, senderShadowed := m.shadowed[msg.Creator]
	shadowedTargets := make([]string, 0)
	for _, r := range targets {
		if _, ok := m.shadowed[r]; ok {
			shadowedTargets = append(shadowedTargets, r)
		}
	}
	m.mu.Unlock()

	if len(shadowedTargets) > 0 && len(targets) > 1 {
		msg.SharedWith = nil
		globals.AppLogger.Info("refusing whisper naming a shadowed user among others",
			"room", m.ID, "creator", msg.Creator)
		return false
	}

	shared := map[string]struct{}{msg.Creator: {}}
	for _, r := range targets {
		if m.IsOccupant(r) {
			shared[r] = struct{}{}
		}
	}
	if senderShadowed || len(shadowedTargets) > 0 {
		moderators := m.Moderators()
		direct := setNames(shared)
		for _, mod := range moderators {
			shared[mod] = struct{}{}
		}
		msg.SharedWith = setNames(shared)
		m.deliverShadowCopy(msg, moderators)
		m.deliverTo(msg, direct, direct)
		return true
	}
	m.deliver(msg, setNames(shared))
	return true
}

// canWhisperTo is the moderated-room rule for non-moderator senders:
// one-on-one whispering is always fine, a group whisper only when
// every recipient is a moderator.
func (m *Meeting) canWhisperTo(targets []string) bool {
	if len(targets) == 1 {
		return true
	}
	for _, t := range targets {
		if !m.IsModerator(t) {
			return false
		}
	}
	return true
}

// whisperNamesEveryone reports whether the recipients (plus the
// sender) cover exactly the non-moderator occupants. Moderators are
// left out of the comparison so a room cannot be whispered to "behind
// the moderator's back" by naming everyone else.
func (m *Meeting) whisperNamesEveryone(msg *types.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	named := map[string]struct{}{msg.Creator: {}}
	for _, r := range msg.Recipients {
		if r != "" {
			named[r] = struct{}{}
		}
	}
	for o := range m.occupants {
		_, mod := m.moderators[o]
		_, ok := named[o]
		if mod && ok {
			return false
		}
		if !mod && !ok {
			return false
		}
	}
	return true
}

// postContent: moderators only; the body must carry a valid content
// reference and is stripped down to it.
func (m *Meeting) postContent(msg *types.Message) bool {
	if !m.IsModerator(msg.Creator) {
		return false
	}
	body, ok := msg.BodyMap()
	if !ok {
		return false
	}
	ref, _ := body["ntiid"].(string)
	if !types.IsContentRef(ref) {
		return false
	}
	msg.Body = map[string]any{"ntiid": ref}
	m.deliver(msg, m.Occupants())
	return true
}

// postMeta: moderators only; the body names a known sub-channel and a
// known action, recipients are always ignored.
func (m *Meeting) postMeta(msg *types.Message) bool {
	if !m.IsModerator(msg.Creator) {
		return false
	}
	body, ok := msg.BodyMap()
	if !ok {
		return false
	}
	sub, _ := body["channel"].(string)
	switch sub {
	case types.ChannelDefault, types.ChannelWhisper, types.ChannelContent, types.ChannelPoll, types.ChannelMeta:
	default:
		return false
	}
	action, _ := body["action"].(string)
	clean := map[string]any{"channel": sub, "action": action}
	switch action {
	case "pin":
		ref, _ := body["ntiid"].(string)
		if !types.IsContentRef(ref) {
			return false
		}
		clean["ntiid"] = ref

	case "clearPinned":

	default:
		return false
	}
	msg.Body = clean
	msg.Recipients = nil
	m.deliver(msg, m.Occupants())
	return true
}

// postPoll: a moderator polls everyone; anyone else may only reply to
// an existing message, and the reply goes to the moderators.
func (m *Meeting) postPoll(msg *types.Message) bool {
	if m.IsModerator(msg.Creator) {
		m.deliver(msg, m.Occupants())
		return true
	}
	m.mu.Lock()
	_, replied := m.postedIDs[msg.InReplyTo]
	m.mu.Unlock()
	if !replied {
		return false
	}
	mods := m.Moderators()
	if len(mods) == 0 {
		return false
	}
	m.deliver(msg, mods)
	return true
}

// ApproveMessage releases a queued message and delivers it as if the
// room had been unmoderated at post time.
func (m *Meeting) ApproveMessage(id string) bool {
	m.mu.Lock()
	msg, ok := m.queue[id]
	if ok {
		delete(m.queue, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.deliver(msg, m.Occupants())
	return true
}

func (m *Meeting) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// deliver sends to recipients and transcripts to exactly that set.
func (m *Meeting) deliver(msg *types.Message, recipients []string) {
	msg.SharedWith = recipients
	m.deliverTo(msg, recipients, recipients)
}

// deliverTo sends the message to sendTo and records it in the
// transcripts of transcriptTo.
func (m *Meeting) deliverTo(msg *types.Message, sendTo, transcriptTo []string) {
	msg.Status = types.StatusPosted
	if len(msg.Rooms) == 0 {
		msg.Rooms = []string{m.ID}
	}
	m.mu.Lock()
	m.postedIDs[msg.ID] = struct{}{}
	m.messageCount.Increment()
	m.mu.Unlock()
	m.server.sendEventToUsers(sendTo, types.EventRecvMessage, msg)
	m.server.saveToTranscripts(m, msg, transcriptTo)
}

// deliverShadowCopy gives moderators a transcript-only, read-only
// copy of a shadowed whisper.
func (m *Meeting) deliverShadowCopy(msg *types.Message, moderators []string) {
	if len(moderators) == 0 {
		return
	}
	copied := *msg
	copied.Status = types.StatusShadowed
	m.server.sendEventToUsers(moderators, types.EventRecvMessageForShadow, &copied)
	m.server.saveToTranscripts(m, &copied, moderators)
}
