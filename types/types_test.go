package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateIDUnique(t *testing.T) {
	m1 := Message{Creator: "alice", Body: "hello", Channel: ChannelDefault}
	m2 := Message{Creator: "alice", Body: "hello", Channel: ChannelDefault}
	assert.NoError(t, m1.CreateID())
	assert.NoError(t, m2.CreateID())
	assert.NotEmpty(t, m1.ID)
	assert.NotEqual(t, m1.ID, m2.ID, "identical re-posts must get distinct ids")
}

func TestRecipientsWithoutSender(t *testing.T) {
	m := Message{
		Creator:    "jason",
		Recipients: []string{"chris", "jason", "sjohnson", "chris", ""},
	}
	assert.Equal(t, []string{"chris", "sjohnson"}, m.RecipientsWithoutSender())
}

func TestIsContentRef(t *testing.T) {
	assert.True(t, IsContentRef("tag:nextthought.com,2011-10:abc-xyz"))
	assert.True(t, IsContentRef("tag:example.org,2026:page.1"))
	assert.False(t, IsContentRef("http://example.org/page"))
	assert.False(t, IsContentRef("tag:example.org:missing-date"))
	assert.False(t, IsContentRef("tag:,2026:x"))
	assert.False(t, IsContentRef("tag:example.org,2026:"))
}

func TestSessionRecordMergeStored(t *testing.T) {
	// Both writers loaded hits=10; one adds 3, the other already
	// stored +2. The save must land on 15 and keep the newest
	// heartbeat and the most terminal state.
	r := &SessionRecord{
		ID: "s1", State: SessionConnected,
		Hits: 13, HitsLoaded: 10,
		Heartbeats: 5, HeartbeatsLoaded: 5,
		LastHeartbeat: 100,
	}
	stored := &SessionRecord{
		ID: "s1", State: SessionDisconnecting,
		Hits: 12, Heartbeats: 7, LastHeartbeat: 130,
	}
	r.MergeStored(stored)
	assert.Equal(t, int64(15), r.Hits)
	assert.Equal(t, int64(7), r.Heartbeats)
	assert.Equal(t, int64(130), r.LastHeartbeat)
	assert.Equal(t, SessionDisconnecting, r.State)
	assert.Equal(t, int64(15), r.HitsLoaded, "merge must re-baseline")
}

func TestSessionRecordMergeStoredNil(t *testing.T) {
	r := &SessionRecord{ID: "s1", Hits: 2, HitsLoaded: 0}
	r.MergeStored(nil)
	assert.Equal(t, int64(2), r.Hits)
	assert.Equal(t, int64(2), r.HitsLoaded)
}
