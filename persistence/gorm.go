package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/classpulse/chatspace/config"
	"github.com/classpulse/chatspace/types"
)

type sessionModel struct {
	ID                  string `gorm:"primaryKey"`
	Owner               string `gorm:"index"`
	State               string
	ConnectionConfirmed bool
	BroadcastConnect    bool
	CreatedTime         int64
	Hits                int64
	Heartbeats          int64
	LastHeartbeat       int64
}

type roomCopyModel struct {
	ID   string `gorm:"primaryKey"`
	Data types.JSONMap
}

type transcriptEntryModel struct {
	ID          uint   `gorm:"primaryKey"`
	MeetingID   string `gorm:"uniqueIndex:idx_entry;index"`
	Username    string `gorm:"uniqueIndex:idx_entry;index"`
	MessageID   string `gorm:"uniqueIndex:idx_entry"`
	Creator     string
	CreatedTime int64
	Data        types.JSONMap
}

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("no DSN configured")
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	db.Migrator().AutoMigrate(&sessionModel{}, &roomCopyModel{}, &transcriptEntryModel{})
	return db, nil
}

func sessionToModel(rec *types.SessionRecord) *sessionModel {
	return &sessionModel{
		ID:                  rec.ID,
		Owner:               rec.Owner,
		State:               rec.State,
		ConnectionConfirmed: rec.ConnectionConfirmed,
		BroadcastConnect:    rec.BroadcastConnect,
		CreatedTime:         rec.CreatedTime,
		Hits:                rec.Hits,
		Heartbeats:          rec.Heartbeats,
		LastHeartbeat:       rec.LastHeartbeat,
	}
}

func modelToSession(m *sessionModel) *types.SessionRecord {
	return &types.SessionRecord{
		ID:                  m.ID,
		Owner:               m.Owner,
		State:               m.State,
		ConnectionConfirmed: m.ConnectionConfirmed,
		BroadcastConnect:    m.BroadcastConnect,
		CreatedTime:         m.CreatedTime,
		Hits:                m.Hits,
		Heartbeats:          m.Heartbeats,
		LastHeartbeat:       m.LastHeartbeat,
		HitsLoaded:          m.Hits,
		HeartbeatsLoaded:    m.Heartbeats,
	}
}

func (p *GormPersist) SaveSession(rec *types.SessionRecord) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		stored := sessionModel{}
		err := tx.First(&stored, "id = ?", rec.ID).Error
		if err == nil {
			rec.MergeStored(modelToSession(&stored))
		} else if errors.Is(err, gorm.ErrRecordNotFound) {
			rec.MergeStored(nil)
		} else {
			return err
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(sessionToModel(rec)).Error
	})
}

func (p *GormPersist) GetSession(id string) (*types.SessionRecord, error) {
	m := sessionModel{}
	err := p.db.First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return modelToSession(&m), nil
}

func (p *GormPersist) GetSessionsByOwner(owner string) ([]*types.SessionRecord, error) {
	models := make([]*sessionModel, 0)
	err := p.db.Where("owner = ?", owner).Find(&models).Error
	if err != nil {
		return nil, err
	}
	recs := make([]*types.SessionRecord, 0, len(models))
	for _, m := range models {
		recs = append(recs, modelToSession(m))
	}
	return recs, nil
}

func (p *GormPersist) DeleteSession(rec *types.SessionRecord) error {
	return p.db.Delete(&sessionModel{}, "id = ?", rec.ID).Error
}

func (p *GormPersist) EachSession(fn func(rec *types.SessionRecord) bool) error {
	models := make([]*sessionModel, 0)
	err := p.db.Find(&models).Error
	if err != nil {
		return err
	}
	for _, m := range models {
		if !fn(modelToSession(m)) {
			break
		}
	}
	return nil
}

func roomToMap(room *types.RoomCopy) (types.JSONMap, error) {
	raw, err := json.Marshal(room)
	if err != nil {
		return nil, err
	}
	data := types.JSONMap{}
	err = json.Unmarshal(raw, &data)
	return data, err
}

func (p *GormPersist) SaveRoomCopy(room *types.RoomCopy) error {
	data, err := roomToMap(room)
	if err != nil {
		return err
	}
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&roomCopyModel{ID: room.ID, Data: data}).Error
}

func (p *GormPersist) GetRoomCopy(id string) (*types.RoomCopy, error) {
	m := roomCopyModel{}
	err := p.db.First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(m.Data)
	if err != nil {
		return nil, err
	}
	room := types.RoomCopy{}
	err = json.Unmarshal(raw, &room)
	return &room, err
}

func (p *GormPersist) AppendTranscript(room *types.RoomCopy, msg *types.Message, participants []string) error {
	roomData, err := roomToMap(room)
	if err != nil {
		return err
	}
	rawMsg, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	msgData := types.JSONMap{}
	if err := json.Unmarshal(rawMsg, &msgData); err != nil {
		return err
	}
	return p.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&roomCopyModel{ID: room.ID, Data: roomData}).Error
		if err != nil {
			return err
		}
		for _, user := range participants {
			entry := transcriptEntryModel{
				MeetingID:   room.ID,
				Username:    user,
				MessageID:   msg.ID,
				Creator:     msg.Creator,
				CreatedTime: msg.CreatedTime,
				Data:        msgData,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *GormPersist) GetTranscript(username, meetingID string) (*types.Transcript, error) {
	entries := make([]*transcriptEntryModel, 0)
	err := p.db.Where("meeting_id = ? AND username = ?", meetingID, username).
		Order("created_time ASC").Find(&entries).Error
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	messages := make([]*types.Message, 0, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		msg := types.Message{}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	t := types.Transcript{MeetingID: meetingID, Username: username, Messages: messages}
	if room, err := p.GetRoomCopy(meetingID); err == nil {
		t.Room = room
	}
	return &t, nil
}

func (p *GormPersist) GetTranscriptSummaries(username string) ([]*types.TranscriptSummary, error) {
	type row struct {
		MeetingID    string
		MessageCount int
		LastModified int64
	}
	rows := make([]*row, 0)
	err := p.db.Model(&transcriptEntryModel{}).
		Select("meeting_id, count(*) as message_count, max(created_time) as last_modified").
		Where("username = ?", username).
		Group("meeting_id").
		Order("meeting_id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.TranscriptSummary, 0, len(rows))
	for _, r := range rows {
		s := types.TranscriptSummary{
			MeetingID:    r.MeetingID,
			Username:     username,
			MessageCount: r.MessageCount,
			LastModified: r.LastModified,
		}
		err = p.db.Model(&transcriptEntryModel{}).
			Distinct("creator").
			Where("meeting_id = ? AND username = ?", r.MeetingID, username).
			Order("creator ASC").
			Pluck("creator", &s.Contributors).Error
		if err != nil {
			return nil, err
		}
		if room, err := p.GetRoomCopy(r.MeetingID); err == nil {
			s.ContainerID = room.ContainerID
		}
		out = append(out, &s)
	}
	return out, nil
}

func (p *GormPersist) Close() error {
	return nil
}
