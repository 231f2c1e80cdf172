package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/classpulse/chatspace/config"
	"github.com/classpulse/chatspace/types"
)

func testPersisters(t *testing.T) map[string]Persister {
	t.Helper()
	buntCfg := config.Config{}
	buntCfg.PersistenceConfig.Type = "buntdb"
	buntCfg.PersistenceConfig.DSN = ":memory:"
	bunt, err := NewBuntPersister(&buntCfg)
	assert.NoError(t, err)

	sqliteCfg := config.Config{}
	sqliteCfg.PersistenceConfig.Type = "sqlite"
	sqliteCfg.PersistenceConfig.DSN = filepath.Join(t.TempDir(), "chatspace.db")
	sq, err := NewGormPersister(&sqliteCfg)
	assert.NoError(t, err)

	return map[string]Persister{"buntdb": bunt, "sqlite": sq}
}

func TestSessionRoundTrip(t *testing.T) {
	for name, p := range testPersisters(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			rec := &types.SessionRecord{
				ID: "s1", Owner: "alice", State: types.SessionNew,
				CreatedTime: 1000, Hits: 1, LastHeartbeat: 1000,
			}
			assert.NoError(t, p.SaveSession(rec))

			got, err := p.GetSession("s1")
			assert.NoError(t, err)
			assert.Equal(t, "alice", got.Owner)
			assert.Equal(t, int64(1), got.Hits)
			assert.Equal(t, int64(1), got.HitsLoaded, "load must set the merge baseline")

			_, err = p.GetSession("nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSessionSaveMergesConcurrentWriters(t *testing.T) {
	for name, p := range testPersisters(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			base := &types.SessionRecord{ID: "s1", Owner: "alice", State: types.SessionConnected, Hits: 10, LastHeartbeat: 50}
			assert.NoError(t, p.SaveSession(base))

			a, err := p.GetSession("s1")
			assert.NoError(t, err)
			b, err := p.GetSession("s1")
			assert.NoError(t, err)

			a.Hits += 3
			a.LastHeartbeat = 90
			assert.NoError(t, p.SaveSession(a))

			b.Hits += 2
			b.LastHeartbeat = 70
			assert.NoError(t, p.SaveSession(b))

			got, err := p.GetSession("s1")
			assert.NoError(t, err)
			assert.Equal(t, int64(15), got.Hits, "both writers' increments must survive")
			assert.Equal(t, int64(90), got.LastHeartbeat, "newest heartbeat wins")
		})
	}
}

func TestSessionsByOwnerAndDelete(t *testing.T) {
	for name, p := range testPersisters(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			for _, id := range []string{"s1", "s2"} {
				assert.NoError(t, p.SaveSession(&types.SessionRecord{ID: id, Owner: "alice", State: types.SessionNew}))
			}
			assert.NoError(t, p.SaveSession(&types.SessionRecord{ID: "s3", Owner: "bob", State: types.SessionNew}))

			recs, err := p.GetSessionsByOwner("alice")
			assert.NoError(t, err)
			assert.Len(t, recs, 2)

			rec, err := p.GetSession("s1")
			assert.NoError(t, err)
			assert.NoError(t, p.DeleteSession(rec))

			_, err = p.GetSession("s1")
			assert.ErrorIs(t, err, ErrNotFound)
			recs, err = p.GetSessionsByOwner("alice")
			assert.NoError(t, err)
			assert.Len(t, recs, 1)

			count := 0
			assert.NoError(t, p.EachSession(func(*types.SessionRecord) bool {
				count++
				return true
			}))
			assert.Equal(t, 2, count)
		})
	}
}

func TestTranscriptLifecycle(t *testing.T) {
	for name, p := range testPersisters(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			room := &types.RoomCopy{ID: "m1", ContainerID: "course-101", Active: true, Occupants: []string{"alice", "bob"}}
			msg1 := &types.Message{ID: "msg1", Creator: "alice", Body: "hello", Channel: types.ChannelDefault, Status: types.StatusPosted, CreatedTime: 100}
			msg2 := &types.Message{ID: "msg2", Creator: "bob", Body: "hi", Channel: types.ChannelDefault, Status: types.StatusPosted, CreatedTime: 200}

			assert.NoError(t, p.AppendTranscript(room, msg1, []string{"alice", "bob"}))
			assert.NoError(t, p.AppendTranscript(room, msg2, []string{"alice", "bob"}))

			tr, err := p.GetTranscript("alice", "m1")
			assert.NoError(t, err)
			assert.Len(t, tr.Messages, 2)
			assert.Equal(t, "msg1", tr.Messages[0].ID, "messages ordered by creation time")
			assert.Equal(t, "course-101", tr.Room.ContainerID, "room snapshot readable from the transcript")
			assert.Equal(t, []string{"alice", "bob"}, tr.Contributors())

			_, err = p.GetTranscript("carol", "m1")
			assert.ErrorIs(t, err, ErrNotFound, "non-participant has no transcript")

			sums, err := p.GetTranscriptSummaries("bob")
			assert.NoError(t, err)
			assert.Len(t, sums, 1)
			assert.Equal(t, 2, sums[0].MessageCount)
			assert.Equal(t, int64(200), sums[0].LastModified)
			assert.Equal(t, []string{"alice", "bob"}, sums[0].Contributors)
			assert.Equal(t, "course-101", sums[0].ContainerID)
		})
	}
}

func TestTranscriptSurvivesRoomTeardown(t *testing.T) {
	// The snapshot is an owning copy: transcript reads keep working
	// with no live room anywhere.
	for name, p := range testPersisters(t) {
		t.Run(name, func(t *testing.T) {
			defer p.Close()
			room := &types.RoomCopy{ID: "m9", ContainerID: "course-9", Active: true}
			msg := &types.Message{ID: "msgA", Creator: "alice", Body: "bye", Channel: types.ChannelDefault, Status: types.StatusPosted, CreatedTime: 10}
			assert.NoError(t, p.AppendTranscript(room, msg, []string{"alice"}))

			room.Active = false
			assert.NoError(t, p.SaveRoomCopy(room))

			tr, err := p.GetTranscript("alice", "m9")
			assert.NoError(t, err)
			assert.False(t, tr.Room.Active)
			assert.Len(t, tr.Messages, 1)
		})
	}
}
