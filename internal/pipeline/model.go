// Package pipeline orchestrates conversation processing: finished recording
// sessions are diarized, sliced per speaker, embedded and resolved against
// persistent cross-session speaker identities.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Speaker is a persistent cross-session identity. The centroid is the
// running average embedding maintained by the clustering engine; the
// display name is user-editable and never overwritten once set.
type Speaker struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName,omitempty"`
	Centroid    []float64 `json:"centroid"`
	CreatedAt   time.Time `json:"createdAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// NewSpeakerID derives a fresh speaker id.
func NewSpeakerID() string {
	return "spk_" + uuid.NewString()[:13]
}

// Segment is one diarized utterance with a resolved identity.
// SpeakerLocal is the diarizer's in-clip label; SpeakerGlobalID is the
// cross-session identity, empty when resolution failed for its group.
type Segment struct {
	ID              string  `json:"id"`
	ConversationID  string  `json:"conversationId"`
	ChunkID         string  `json:"chunkId"`
	SpeakerLocal    string  `json:"speakerLocal"`
	SpeakerGlobalID string  `json:"speakerGlobalId,omitempty"`
	StartMS         int     `json:"startMs"`
	EndMS           int     `json:"endMs"`
	Text            string  `json:"text,omitempty"`
	Confidence      float64 `json:"confidence"`
}

// ChunkID names the nth clip of a conversation; stable across re-runs so
// reprocessing replaces rather than duplicates.
func ChunkID(index int) string {
	return fmt.Sprintf("chunk_%03d", index)
}

// Result is the outcome of one pipeline run.
type Result struct {
	ConversationID  string    `json:"conversationId"`
	Segments        []Segment `json:"segments"`
	SpeakersCreated int       `json:"speakersCreated"`
	ChunksProcessed int       `json:"chunksProcessed"`
	ChunksSkipped   int       `json:"chunksSkipped"`
}
