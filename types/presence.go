package types

// Presence types and show values, as carried by chat_setPresence.
const (
	PresenceAvailable   = "available"
	PresenceUnavailable = "unavailable"

	ShowAway = "away"
	ShowChat = "chat"
	ShowDND  = "dnd"
	ShowXA   = "xa"
)

// PresenceInfo describes a user's advertised availability.
type PresenceInfo struct {
	Username     string `json:"username" mapstructure:"username"`
	Type         string `json:"type" mapstructure:"type"`
	Show         string `json:"show" mapstructure:"show"`
	Status       string `json:"status" mapstructure:"status"`
	LastModified int64  `json:"Last Modified" mapstructure:"Last Modified"`
}

// IsAvailable reports whether this presence advertises the user as
// reachable.
func (p *PresenceInfo) IsAvailable() bool {
	return p.Type != PresenceUnavailable
}
