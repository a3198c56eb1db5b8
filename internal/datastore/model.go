// Package datastore persists the awareness state, recording sessions,
// speaker identities and transcript segments behind a GORM-backed store
// with SQLite and MySQL implementations.
package datastore

import "time"

// AwarenessRecord is the singleton awareness state row. The state itself is
// stored as a JSON document; it is read and written whole on every ingest,
// so column-level queries are never needed.
type AwarenessRecord struct {
	ID        uint `gorm:"primaryKey"`
	StateJSON string
	UpdatedAt time.Time
}

func (AwarenessRecord) TableName() string {
	return "awareness_state"
}

// SessionRecord is one recording session. Clips are child rows ordered by
// position; the evidence, speaker windows and face identification are JSON
// documents owned by the awareness package.
type SessionRecord struct {
	ID                 string `gorm:"primaryKey"`
	StartedAt          time.Time
	EndedAt            *time.Time
	CreatedBy          string
	SpeakerWindowsJSON string
	EvidenceJSON       string
	FaceJSON           string
	Clips              []SessionClip `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

func (SessionRecord) TableName() string {
	return "sessions"
}

// SessionClip is one attached audio clip reference.
type SessionClip struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"index"`
	Position  int
	Path      string
}

func (SessionClip) TableName() string {
	return "session_clips"
}

// SpeakerRecord is one persistent cross-session speaker identity.
type SpeakerRecord struct {
	ID           string `gorm:"primaryKey"`
	DisplayName  string
	CentroidJSON string
	CreatedAt    time.Time
	LastSeenAt   time.Time
}

func (SpeakerRecord) TableName() string {
	return "speakers"
}

// SegmentRecord is one diarized transcript segment.
type SegmentRecord struct {
	ID              string `gorm:"primaryKey"`
	ConversationID  string `gorm:"index"`
	ChunkID         string `gorm:"index"`
	SpeakerLocal    string
	SpeakerGlobalID string `gorm:"index"`
	StartMS         int
	EndMS           int
	Text            string
	Confidence      float64
}

func (SegmentRecord) TableName() string {
	return "transcript_segments"
}
