package datastore

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/earshot/earshot-go/internal/awareness"
	"github.com/earshot/earshot-go/internal/conf"
	"github.com/earshot/earshot-go/internal/errors"
	"github.com/earshot/earshot-go/internal/pipeline"
)

const awarenessRowID = 1

// Interface abstracts the underlying database implementation. It satisfies
// both the detector's and the pipeline's repository contracts.
type Interface interface {
	Open() error
	Close() error

	LoadState() (*awareness.State, error)
	SaveState(state *awareness.State) error

	SaveSession(session *awareness.Session) error
	GetSession(id string) (*awareness.Session, error)
	ListSessions(limit int) ([]*awareness.Session, error)

	ListSpeakers() ([]pipeline.Speaker, error)
	GetSpeaker(id string) (*pipeline.Speaker, error)
	SaveSpeaker(speaker *pipeline.Speaker) error

	ReplaceSegments(conversationID, chunkID string, segments []pipeline.Segment) error
	GetSegments(conversationID string) ([]pipeline.Segment, error)
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB
}

// New creates a store for whichever backend the settings enable.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{Settings: settings}
	default:
		return nil
	}
}

// performAutoMigration creates or migrates the schema.
func performAutoMigration(db *gorm.DB, backend, dsn string) error {
	if err := db.AutoMigrate(
		&AwarenessRecord{},
		&SessionRecord{},
		&SessionClip{},
		&SpeakerRecord{},
		&SegmentRecord{},
	); err != nil {
		return errors.New(err).Component("datastore").Category(errors.CategoryDatabase).
			Context("backend", backend).Context("dsn", dsn).Build()
	}
	return nil
}

// LoadState returns the awareness state singleton, nil when none was saved
// yet.
func (ds *DataStore) LoadState() (*awareness.State, error) {
	var record AwarenessRecord
	err := ds.DB.First(&record, awarenessRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(err, "load_state")
	}

	var state awareness.State
	if err := json.Unmarshal([]byte(record.StateJSON), &state); err != nil {
		return nil, errors.New(err).Component("datastore").Category(errors.CategoryDatabase).
			Context("operation", "decode_state").Build()
	}
	return &state, nil
}

// SaveState writes the awareness state singleton.
func (ds *DataStore) SaveState(state *awareness.State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return errors.New(err).Component("datastore").Category(errors.CategoryDatabase).
			Context("operation", "encode_state").Build()
	}
	record := AwarenessRecord{
		ID:        awarenessRowID,
		StateJSON: string(payload),
		UpdatedAt: time.Now(),
	}
	if err := ds.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		return dbError(err, "save_state")
	}
	return nil
}

// SaveSession upserts a session and replaces its clip rows.
func (ds *DataStore) SaveSession(session *awareness.Session) error {
	record, err := sessionToRecord(session)
	if err != nil {
		return errors.New(err).Component("datastore").Category(errors.CategoryDatabase).
			Context("session_id", session.ID).Build()
	}
	clips := record.Clips
	record.Clips = nil

	err = ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(record).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", record.ID).Delete(&SessionClip{}).Error; err != nil {
			return err
		}
		if len(clips) == 0 {
			return nil
		}
		return tx.Create(&clips).Error
	})
	if err != nil {
		return dbError(err, "save_session")
	}
	return nil
}

// GetSession returns one session with its clips in attach order.
func (ds *DataStore) GetSession(id string) (*awareness.Session, error) {
	var record SessionRecord
	err := ds.DB.Preload("Clips").First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Newf("session %s not found", id).
			Component("datastore").Category(errors.CategoryNotFound).Build()
	}
	if err != nil {
		return nil, dbError(err, "get_session")
	}
	return recordToSession(&record)
}

// ListSessions returns the most recently started sessions.
func (ds *DataStore) ListSessions(limit int) ([]*awareness.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []SessionRecord
	if err := ds.DB.Preload("Clips").Order("started_at desc").Limit(limit).Find(&records).Error; err != nil {
		return nil, dbError(err, "list_sessions")
	}
	sessions := make([]*awareness.Session, 0, len(records))
	for i := range records {
		session, err := recordToSession(&records[i])
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// ListSpeakers returns the full speaker corpus.
func (ds *DataStore) ListSpeakers() ([]pipeline.Speaker, error) {
	var records []SpeakerRecord
	if err := ds.DB.Order("created_at asc").Find(&records).Error; err != nil {
		return nil, dbError(err, "list_speakers")
	}
	speakers := make([]pipeline.Speaker, 0, len(records))
	for i := range records {
		speaker, err := recordToSpeaker(&records[i])
		if err != nil {
			return nil, err
		}
		speakers = append(speakers, *speaker)
	}
	return speakers, nil
}

// GetSpeaker returns one speaker by id.
func (ds *DataStore) GetSpeaker(id string) (*pipeline.Speaker, error) {
	var record SpeakerRecord
	err := ds.DB.First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Newf("speaker %s not found", id).
			Component("datastore").Category(errors.CategoryNotFound).Build()
	}
	if err != nil {
		return nil, dbError(err, "get_speaker")
	}
	return recordToSpeaker(&record)
}

// SaveSpeaker upserts a speaker.
func (ds *DataStore) SaveSpeaker(speaker *pipeline.Speaker) error {
	record, err := speakerToRecord(speaker)
	if err != nil {
		return errors.New(err).Component("datastore").Category(errors.CategoryDatabase).
			Context("speaker_id", speaker.ID).Build()
	}
	if err := ds.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(record).Error; err != nil {
		return dbError(err, "save_speaker")
	}
	return nil
}

// ReplaceSegments atomically swaps one chunk's transcript segments, keeping
// pipeline re-runs idempotent.
func (ds *DataStore) ReplaceSegments(conversationID, chunkID string, segments []pipeline.Segment) error {
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ? AND chunk_id = ?", conversationID, chunkID).
			Delete(&SegmentRecord{}).Error; err != nil {
			return err
		}
		if len(segments) == 0 {
			return nil
		}
		records := make([]SegmentRecord, 0, len(segments))
		for i := range segments {
			records = append(records, *segmentToRecord(&segments[i]))
		}
		return tx.Create(&records).Error
	})
	if err != nil {
		return dbError(err, "replace_segments")
	}
	return nil
}

// GetSegments returns a conversation's segments in chunk and time order.
func (ds *DataStore) GetSegments(conversationID string) ([]pipeline.Segment, error) {
	var records []SegmentRecord
	if err := ds.DB.Where("conversation_id = ?", conversationID).
		Order("chunk_id asc, start_ms asc").Find(&records).Error; err != nil {
		return nil, dbError(err, "get_segments")
	}
	segments := make([]pipeline.Segment, 0, len(records))
	for i := range records {
		segments = append(segments, recordToSegment(&records[i]))
	}
	return segments, nil
}

func dbError(err error, operation string) error {
	return errors.New(err).Component("datastore").Category(errors.CategoryDatabase).
		Context("operation", operation).Build()
}
