package types

// Transcript is one user's durable record of one meeting.
type Transcript struct {
	MeetingID string     `json:"meeting_id"`
	Username  string     `json:"username"`
	Room      *RoomCopy  `json:"room,omitempty"`
	Messages  []*Message `json:"messages"`
}

// Contributors lists the distinct creators of the transcript's
// messages.
func (t *Transcript) Contributors() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, m := range t.Messages {
		if _, ok := seen[m.Creator]; ok {
			continue
		}
		seen[m.Creator] = struct{}{}
		out = append(out, m.Creator)
	}
	return out
}

// TranscriptSummary carries the listing view of a transcript without
// the message bodies.
type TranscriptSummary struct {
	MeetingID    string   `json:"meeting_id"`
	ContainerID  string   `json:"ContainerId"`
	Username     string   `json:"username"`
	MessageCount int      `json:"message_count"`
	LastModified int64    `json:"last_modified"`
	Contributors []string `json:"contributors"`
}
