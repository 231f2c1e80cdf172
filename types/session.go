package types

import "github.com/classpulse/chatspace/counter"

// Session lifecycle states.
const (
	SessionNew           = "NEW"
	SessionConnected     = "CONNECTED"
	SessionDisconnecting = "DISCONNECTING"
	SessionDisconnected  = "DISCONNECTED"
)

// SessionRecord is the persisted shape of a session. The *Loaded
// fields remember the values the record was read with so concurrent
// writers can be merged instead of clobbered.
type SessionRecord struct {
	ID                  string `json:"id"`
	Owner               string `json:"owner"`
	State               string `json:"state"`
	ConnectionConfirmed bool   `json:"connection_confirmed"`
	BroadcastConnect    bool   `json:"broadcast_connect"`
	CreatedTime         int64  `json:"created_time"`
	Hits                int64  `json:"hits"`
	Heartbeats          int64  `json:"heartbeats"`
	LastHeartbeat       int64  `json:"last_heartbeat"`

	HitsLoaded       int64 `json:"-"`
	HeartbeatsLoaded int64 `json:"-"`
}

var stateRank = map[string]int{
	SessionNew:           0,
	SessionConnected:     1,
	SessionDisconnecting: 2,
	SessionDisconnected:  3,
}

// MergeStored folds a concurrently stored record into r before r is
// written back. Counters merge by summing deltas, the heartbeat
// timestamp by maximum and the state by "most terminal wins".
func (r *SessionRecord) MergeStored(stored *SessionRecord) {
	if stored == nil {
		r.HitsLoaded = r.Hits
		r.HeartbeatsLoaded = r.Heartbeats
		return
	}
	r.Hits = counter.SumMerge(r.HitsLoaded, stored.Hits, r.Hits)
	r.Heartbeats = counter.SumMerge(r.HeartbeatsLoaded, stored.Heartbeats, r.Heartbeats)
	r.LastHeartbeat = counter.MaxMerge(r.LastHeartbeat, stored.LastHeartbeat)
	if stateRank[stored.State] > stateRank[r.State] {
		r.State = stored.State
	}
	r.BroadcastConnect = r.BroadcastConnect || stored.BroadcastConnect
	r.HitsLoaded = r.Hits
	r.HeartbeatsLoaded = r.Heartbeats
}
