package chat

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/classpulse/chatspace/globals"
	"github.com/classpulse/chatspace/protocol"
	"github.com/classpulse/chatspace/session"
	"github.com/classpulse/chatspace/types"
)

// Handler serves one session: it dispatches that session's inbound
// events and tracks which rooms the session occupies and moderates.
type Handler struct {
	server *Chatserver
	sess   *session.Session

	mu    sync.Mutex
	rooms map[string]*Meeting
}

func newHandler(server *Chatserver, sess *session.Session) *Handler {
	return &Handler{
		server: server,
		sess:   sess,
		rooms:  make(map[string]*Meeting),
	}
}

func (h *Handler) owner() string {
	return h.sess.Owner
}

func (h *Handler) addRoom(m *Meeting) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms[m.ID] = m
}

func (h *Handler) dropRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, roomID)
}

// Dispatch routes one decoded event.
func (h *Handler) Dispatch(ev *protocol.Event) error {
	switch ev.Name {
	case types.EventPostMessage:
		return h.postMessage(ev.Args)

	case types.EventEnterRoom:
		return h.enterRoom(ev.Args)

	case types.EventExitRoom:
		return h.exitRoom(ev.Args)

	case types.EventAddOccupantToRoom:
		return h.addOccupantToRoom(ev.Args)

	case types.EventMakeModerated:
		return h.makeModerated(ev.Args)

	case types.EventApproveMessages:
		return h.approveMessages(ev.Args)

	case types.EventFlagMessagesToUsers:
		return h.flagMessagesToUsers(ev.Args)

	case types.EventShadowUsers:
		return h.shadowUsers(ev.Args)

	case types.EventSetPresence:
		return h.setPresence(ev.Args)
	}
	return fmt.Errorf("unknown event %s", ev.Name)
}

func argAt(args []any, i int) (any, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("missing argument %d", i)
	}
	return args[i], nil
}

func stringArg(args []any, i int) (string, error) {
	raw, err := argAt(args, i)
	if err != nil {
		return "", err
	}
	s := ""
	if err := mapstructure.WeakDecode(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

func stringsArg(args []any, i int) ([]string, error) {
	raw, err := argAt(args, i)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0)
	if err := mapstructure.WeakDecode(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *Handler) postMessage(args []any) error {
	raw, err := argAt(args, 0)
	if err != nil {
		return err
	}
	msg := types.Message{Status: types.StatusInitial}
	if err := mapstructure.WeakDecode(raw, &msg); err != nil {
		return err
	}
	ok, err := h.server.PostMessage(h.sess, &msg)
	if errors.Is(err, ErrRateLimitExceeded) {
		globals.AppLogger.Info("post rejected by rate limit", "session", h.sess.ID, "owner", h.owner())
		return err
	}
	if err != nil {
		return err
	}
	if !ok {
		globals.AppLogger.Debug("post refused", "session", h.sess.ID, "rooms", msg.Rooms)
	}
	return nil
}

func (h *Handler) enterRoom(args []any) error {
	raw, err := argAt(args, 0)
	if err != nil {
		return err
	}
	desc := types.RoomDescription{}
	if err := mapstructure.WeakDecode(raw, &desc); err != nil {
		return err
	}
	m := h.server.EnterRoom(h.sess, &desc)
	if m == nil {
		h.server.sendEventToSession(h.sess.ID, types.EventFailedToEnterRoom, desc.ID)
		return nil
	}
	h.addRoom(m)
	return nil
}

func (h *Handler) exitRoom(args []any) error {
	roomID, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	if !h.server.ExitRoom(h.sess, roomID) {
		return nil
	}
	h.dropRoom(roomID)
	return nil
}

// addOccupantToRoom invites another user into a room the caller
// already occupies.
func (h *Handler) addOccupantToRoom(args []any) error {
	roomID, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	username, err := stringArg(args, 1)
	if err != nil {
		return err
	}
	m := h.server.GetRoom(roomID)
	if m == nil || !m.IsOccupant(h.owner()) {
		return nil
	}
	m.AddOccupant(username, true)
	return nil
}

// makeModerated toggles room moderation. Turning it on makes the
// caller a moderator; turning it off requires the caller to be one.
func (h *Handler) makeModerated(args []any) error {
	roomID, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	flag := false
	if raw, err := argAt(args, 1); err == nil {
		if err := mapstructure.WeakDecode(raw, &flag); err != nil {
			return err
		}
	}
	m := h.server.GetRoom(roomID)
	if m == nil || !m.IsOccupant(h.owner()) {
		return nil
	}
	if flag {
		m.SetModerated(true)
		m.AddModerator(h.owner())
		return nil
	}
	if !m.IsModerator(h.owner()) {
		return nil
	}
	m.SetModerated(false)
	return nil
}

// approveMessages releases queued messages from any room the caller
// moderates, whichever of their sessions asks.
func (h *Handler) approveMessages(args []any) error {
	ids, err := stringsArg(args, 0)
	if err != nil {
		// a single bare id is also accepted
		id, serr := stringArg(args, 0)
		if serr != nil {
			return err
		}
		ids = []string{id}
	}
	rooms := h.server.roomsModeratedBy(h.owner())
	for _, id := range ids {
		for _, m := range rooms {
			if m.ApproveMessage(id) {
				break
			}
		}
	}
	return nil
}

// flagMessagesToUsers draws the named users' attention to messages.
// Moderator-only.
func (h *Handler) flagMessagesToUsers(args []any) error {
	ids, err := stringsArg(args, 0)
	if err != nil {
		return err
	}
	users, err := stringsArg(args, 1)
	if err != nil {
		return err
	}
	if len(h.server.roomsModeratedBy(h.owner())) == 0 {
		return nil
	}
	for _, u := range users {
		h.server.sendEventToUser(u, types.EventRecvMessageForAttention, ids)
	}
	return nil
}

func (h *Handler) shadowUsers(args []any) error {
	roomID, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	users, err := stringsArg(args, 1)
	if err != nil {
		return err
	}
	m := h.server.GetRoom(roomID)
	if m == nil || !m.IsModerator(h.owner()) {
		return nil
	}
	for _, u := range users {
		if !m.ShadowUser(u) {
			globals.AppLogger.Debug("shadow ignored on unmoderated room", "room", roomID, "user", u)
		}
	}
	return nil
}

func (h *Handler) setPresence(args []any) error {
	raw, err := argAt(args, 0)
	if err != nil {
		return err
	}
	info := types.PresenceInfo{}
	if err := mapstructure.WeakDecode(raw, &info); err != nil {
		return err
	}
	h.server.applyPresence(h.sess, &info)
	return nil
}

// destroy exits every room this session was tracking.
func (h *Handler) destroy() {
	h.mu.Lock()
	rooms := make([]*Meeting, 0, len(h.rooms))
	for _, m := range h.rooms {
		rooms = append(rooms, m)
	}
	h.rooms = make(map[string]*Meeting)
	h.mu.Unlock()
	for _, m := range rooms {
		m.RemoveOccupant(h.owner())
	}
}
