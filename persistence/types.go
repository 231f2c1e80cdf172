package persistence

import (
	"errors"
	"fmt"

	"github.com/classpulse/chatspace/config"
	"github.com/classpulse/chatspace/types"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a transient write conflict that callers may
	// retry once inside their transactional unit of work.
	ErrConflict = errors.New("transient storage conflict")
)

// Persister stores session records (merged on save), room snapshots
// and per-user transcripts.
type Persister interface {
	SaveSession(rec *types.SessionRecord) error
	GetSession(id string) (*types.SessionRecord, error)
	GetSessionsByOwner(owner string) ([]*types.SessionRecord, error)
	DeleteSession(rec *types.SessionRecord) error
	EachSession(fn func(rec *types.SessionRecord) bool) error

	SaveRoomCopy(room *types.RoomCopy) error
	GetRoomCopy(id string) (*types.RoomCopy, error)

	AppendTranscript(room *types.RoomCopy, msg *types.Message, participants []string) error
	GetTranscript(username, meetingID string) (*types.Transcript, error)
	GetTranscriptSummaries(username string) ([]*types.TranscriptSummary, error)

	Close() error
}

// NewPersister creates the configured storage backend.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "buntdb", "":
		return NewBuntPersister(cfg)

	case "sqlite", "postgres":
		return NewGormPersister(cfg)

	default:
		return nil, fmt.Errorf("invalid persistence configuration: %s", cfg.PersistenceConfig.Type)
	}
}
