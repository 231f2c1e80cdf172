package types

// RoomDescription is the client-supplied payload of an enterRoom
// request: either the id of an existing room, or a container plus an
// occupant list from which a room may be created.
type RoomDescription struct {
	ID          string         `json:"ID" mapstructure:"ID"`
	ContainerID string         `json:"ContainerId" mapstructure:"ContainerId"`
	Occupants   []string       `json:"Occupants" mapstructure:"Occupants"`
	Tags        map[string]any `json:"tags" mapstructure:"tags"`
}

// RoomCopy is an eagerly taken snapshot of a room's externally visible
// state. Transcripts keep one so room details stay readable after the
// live room is torn down.
type RoomCopy struct {
	ID           string   `json:"ID"`
	ContainerID  string   `json:"ContainerId"`
	Active       bool     `json:"active"`
	Moderated    bool     `json:"moderated"`
	Occupants    []string `json:"occupants"`
	Moderators   []string `json:"moderators"`
	MessageCount int64    `json:"message_count"`
	CreatedTime  int64    `json:"created_time"`
}
