package persistence

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/buntdb"

	"github.com/classpulse/chatspace/config"
	"github.com/classpulse/chatspace/types"
)

// Key layout:
//   session:<id>                          session record JSON
//   sessionowner:<owner>:<id>             owner index, value is the id
//   roomcopy:<meetingId>                  room snapshot JSON
//   transcript:<meetingId>:<user>:<msgId> transcripted message JSON
type BuntDBPersist struct {
	db *buntdb.DB
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	fileName := cfg.PersistenceConfig.DSN
	if fileName == "" {
		fileName = ":memory:"
	}
	db, err := buntdb.Open(fileName)
	if err != nil {
		return nil, err
	}
	err = db.CreateIndex("transcriptts", "transcript:*", buntdb.IndexJSON("CreatedTime"))
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BuntDBPersist{db: db}, nil
}

func (p *BuntDBPersist) SaveSession(rec *types.SessionRecord) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		old, err := tx.Get("session:" + rec.ID)
		if err == nil {
			stored := types.SessionRecord{}
			if err := json.Unmarshal([]byte(old), &stored); err == nil {
				rec.MergeStored(&stored)
			}
		} else if err != buntdb.ErrNotFound {
			return err
		} else {
			rec.MergeStored(nil)
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set("session:"+rec.ID, string(raw), nil); err != nil {
			return err
		}
		if rec.Owner != "" {
			if _, _, err := tx.Set("sessionowner:"+rec.Owner+":"+rec.ID, rec.ID, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *BuntDBPersist) GetSession(id string) (*types.SessionRecord, error) {
	rec := types.SessionRecord{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get("session:" + id)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &rec)
	})
	if err == buntdb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.HitsLoaded = rec.Hits
	rec.HeartbeatsLoaded = rec.Heartbeats
	return &rec, nil
}

func (p *BuntDBPersist) GetSessionsByOwner(owner string) ([]*types.SessionRecord, error) {
	ids := make([]string, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("sessionowner:"+owner+":*", func(key, value string) bool {
			ids = append(ids, value)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	recs := make([]*types.SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := p.GetSession(id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (p *BuntDBPersist) DeleteSession(rec *types.SessionRecord) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Delete("session:" + rec.ID); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if rec.Owner != "" {
			if _, err := tx.Delete("sessionowner:" + rec.Owner + ":" + rec.ID); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

func (p *BuntDBPersist) EachSession(fn func(rec *types.SessionRecord) bool) error {
	recs := make([]*types.SessionRecord, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("session:*", func(key, value string) bool {
			rec := types.SessionRecord{}
			if err := json.Unmarshal([]byte(value), &rec); err != nil {
				return true
			}
			rec.HitsLoaded = rec.Hits
			rec.HeartbeatsLoaded = rec.Heartbeats
			recs = append(recs, &rec)
			return true
		})
	})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if !fn(rec) {
			break
		}
	}
	return nil
}

func (p *BuntDBPersist) SaveRoomCopy(room *types.RoomCopy) error {
	raw, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("roomcopy:"+room.ID, string(raw), nil)
		return err
	})
}

func (p *BuntDBPersist) GetRoomCopy(id string) (*types.RoomCopy, error) {
	room := types.RoomCopy{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get("roomcopy:" + id)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &room)
	})
	if err == buntdb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (p *BuntDBPersist) AppendTranscript(room *types.RoomCopy, msg *types.Message, participants []string) error {
	rawRoom, err := json.Marshal(room)
	if err != nil {
		return err
	}
	rawMsg, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		if _, _, err := tx.Set("roomcopy:"+room.ID, string(rawRoom), nil); err != nil {
			return err
		}
		for _, user := range participants {
			key := "transcript:" + room.ID + ":" + user + ":" + msg.ID
			if _, _, err := tx.Set(key, string(rawMsg), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *BuntDBPersist) GetTranscript(username, meetingID string) (*types.Transcript, error) {
	messages := make([]*types.Message, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("transcript:"+meetingID+":"+username+":*", func(key, value string) bool {
			msg := types.Message{}
			if err := json.Unmarshal([]byte(value), &msg); err == nil {
				messages = append(messages, &msg)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrNotFound
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedTime < messages[j].CreatedTime
	})
	t := types.Transcript{MeetingID: meetingID, Username: username, Messages: messages}
	if room, err := p.GetRoomCopy(meetingID); err == nil {
		t.Room = room
	}
	return &t, nil
}

func (p *BuntDBPersist) GetTranscriptSummaries(username string) ([]*types.TranscriptSummary, error) {
	byMeeting := make(map[string]*types.TranscriptSummary)
	contributors := make(map[string]map[string]struct{})
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("transcript:*", func(key, value string) bool {
			parts := strings.SplitN(key, ":", 4)
			if len(parts) != 4 || parts[2] != username {
				return true
			}
			meetingID := parts[1]
			s := byMeeting[meetingID]
			if s == nil {
				s = &types.TranscriptSummary{MeetingID: meetingID, Username: username}
				byMeeting[meetingID] = s
				contributors[meetingID] = make(map[string]struct{})
			}
			msg := types.Message{}
			if err := json.Unmarshal([]byte(value), &msg); err != nil {
				return true
			}
			s.MessageCount++
			if msg.CreatedTime > s.LastModified {
				s.LastModified = msg.CreatedTime
			}
			contributors[meetingID][msg.Creator] = struct{}{}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]*types.TranscriptSummary, 0, len(byMeeting))
	for meetingID, s := range byMeeting {
		if room, err := p.GetRoomCopy(meetingID); err == nil {
			s.ContainerID = room.ContainerID
		}
		for c := range contributors[meetingID] {
			s.Contributors = append(s.Contributors, c)
		}
		sort.Strings(s.Contributors)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeetingID < out[j].MeetingID })
	return out, nil
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}
