package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Channel routes a message through the room's posting policy.
const (
	ChannelDefault = "DEFAULT"
	ChannelWhisper = "WHISPER"
	ChannelContent = "CONTENT"
	ChannelPoll    = "POLL"
	ChannelMeta    = "META"
)

// Message status values. A message is INITIAL until posted, PENDING
// while held in a moderation queue, POSTED once delivered and SHADOWED
// on the copy routed to moderators of a shadowed whisper.
const (
	StatusInitial  = "st_INITIAL"
	StatusPending  = "st_PENDING"
	StatusPosted   = "st_POSTED"
	StatusShadowed = "st_SHADOWED"
)

// Message is a chat message as it travels between handler, rooms and
// transcripts. Body is either a string or a map, depending on the
// channel. SharedWith is the final delivery set; nil means the post
// was refused and nothing was delivered or transcripted.
type Message struct {
	ID          string   `json:"ID" mapstructure:"ID"`
	Creator     string   `json:"Creator" mapstructure:"Creator"`
	SenderSID   string   `json:"-" mapstructure:"-"`
	Body        any      `json:"body" mapstructure:"body"`
	Channel     string   `json:"channel" mapstructure:"channel"`
	Recipients  []string `json:"recipients" mapstructure:"recipients"`
	SharedWith  []string `json:"sharedWith" mapstructure:"sharedWith"`
	Status      string   `json:"status" mapstructure:"status"`
	ContainerID string   `json:"ContainerId" mapstructure:"ContainerId"`
	Rooms       []string `json:"rooms" mapstructure:"rooms"`
	InReplyTo   string   `json:"inReplyTo" mapstructure:"inReplyTo"`
	CreatedTime int64    `json:"CreatedTime" mapstructure:"CreatedTime"`
}

// CreateID derives the message id from the message content and
// timestamp so that re-posts of the same content get distinct ids.
func (m *Message) CreateID() error {
	if m.CreatedTime == 0 {
		m.CreatedTime = time.Now().Unix()
	}
	hash, err := hashstructure.Hash(struct {
		Creator string
		Body    any
		Channel string
		Created int64
		Nonce   int64
	}{m.Creator, m.Body, m.Channel, m.CreatedTime, time.Now().UnixNano()}, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	m.ID = fmt.Sprintf("%x", hash)
	return nil
}

// RecipientsWithoutSender is the explicit recipient set minus the
// creator, deduplicated.
func (m *Message) RecipientsWithoutSender() []string {
	seen := map[string]struct{}{m.Creator: {}}
	out := make([]string, 0, len(m.Recipients))
	for _, r := range m.Recipients {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// BodyMap returns the body as a map when the channel requires a
// structured body.
func (m *Message) BodyMap() (map[string]any, bool) {
	b, ok := m.Body.(map[string]any)
	return b, ok
}

// IsContentRef reports whether s is a syntactically valid content
// reference of the form tag:<authority>,<date>:<specific>.
func IsContentRef(s string) bool {
	if !strings.HasPrefix(s, "tag:") {
		return false
	}
	rest := s[len("tag:"):]
	comma := strings.Index(rest, ",")
	if comma <= 0 {
		return false
	}
	colon := strings.Index(rest[comma:], ":")
	if colon <= 1 {
		return false
	}
	return len(rest[comma:])-colon > 1
}
