package datastore

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/earshot/earshot-go/internal/awareness"
	"github.com/earshot/earshot-go/internal/pipeline"
	"github.com/earshot/earshot-go/internal/signal"
)

func sessionToRecord(s *awareness.Session) (*SessionRecord, error) {
	windows, err := json.Marshal(s.SpeakerWindows)
	if err != nil {
		return nil, fmt.Errorf("encoding speaker windows: %w", err)
	}
	evidence, err := json.Marshal(s.Evidence)
	if err != nil {
		return nil, fmt.Errorf("encoding evidence: %w", err)
	}
	face := ""
	if s.Face != nil {
		raw, err := json.Marshal(s.Face)
		if err != nil {
			return nil, fmt.Errorf("encoding face identification: %w", err)
		}
		face = string(raw)
	}

	record := &SessionRecord{
		ID:                 s.ID,
		StartedAt:          s.StartedAt,
		EndedAt:            s.EndedAt,
		CreatedBy:          s.CreatedBy,
		SpeakerWindowsJSON: string(windows),
		EvidenceJSON:       string(evidence),
		FaceJSON:           face,
	}
	for i, path := range s.ClipPaths {
		record.Clips = append(record.Clips, SessionClip{
			SessionID: s.ID,
			Position:  i,
			Path:      path,
		})
	}
	return record, nil
}

func recordToSession(r *SessionRecord) (*awareness.Session, error) {
	s := &awareness.Session{
		ID:        r.ID,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		CreatedBy: r.CreatedBy,
	}
	if r.SpeakerWindowsJSON != "" {
		if err := json.Unmarshal([]byte(r.SpeakerWindowsJSON), &s.SpeakerWindows); err != nil {
			return nil, fmt.Errorf("decoding speaker windows: %w", err)
		}
	}
	if r.EvidenceJSON != "" {
		if err := json.Unmarshal([]byte(r.EvidenceJSON), &s.Evidence); err != nil {
			return nil, fmt.Errorf("decoding evidence: %w", err)
		}
	}
	if r.FaceJSON != "" {
		var face signal.FaceIdentification
		if err := json.Unmarshal([]byte(r.FaceJSON), &face); err != nil {
			return nil, fmt.Errorf("decoding face identification: %w", err)
		}
		s.Face = &face
	}

	clips := make([]SessionClip, len(r.Clips))
	copy(clips, r.Clips)
	sort.Slice(clips, func(i, j int) bool { return clips[i].Position < clips[j].Position })
	for _, clip := range clips {
		s.ClipPaths = append(s.ClipPaths, clip.Path)
	}
	return s, nil
}

func speakerToRecord(s *pipeline.Speaker) (*SpeakerRecord, error) {
	centroid, err := json.Marshal(s.Centroid)
	if err != nil {
		return nil, fmt.Errorf("encoding centroid: %w", err)
	}
	return &SpeakerRecord{
		ID:           s.ID,
		DisplayName:  s.DisplayName,
		CentroidJSON: string(centroid),
		CreatedAt:    s.CreatedAt,
		LastSeenAt:   s.LastSeenAt,
	}, nil
}

func recordToSpeaker(r *SpeakerRecord) (*pipeline.Speaker, error) {
	s := &pipeline.Speaker{
		ID:          r.ID,
		DisplayName: r.DisplayName,
		CreatedAt:   r.CreatedAt,
		LastSeenAt:  r.LastSeenAt,
	}
	if r.CentroidJSON != "" {
		if err := json.Unmarshal([]byte(r.CentroidJSON), &s.Centroid); err != nil {
			return nil, fmt.Errorf("decoding centroid: %w", err)
		}
	}
	return s, nil
}

func segmentToRecord(s *pipeline.Segment) *SegmentRecord {
	return &SegmentRecord{
		ID:              s.ID,
		ConversationID:  s.ConversationID,
		ChunkID:         s.ChunkID,
		SpeakerLocal:    s.SpeakerLocal,
		SpeakerGlobalID: s.SpeakerGlobalID,
		StartMS:         s.StartMS,
		EndMS:           s.EndMS,
		Text:            s.Text,
		Confidence:      s.Confidence,
	}
}

func recordToSegment(r *SegmentRecord) pipeline.Segment {
	return pipeline.Segment{
		ID:              r.ID,
		ConversationID:  r.ConversationID,
		ChunkID:         r.ChunkID,
		SpeakerLocal:    r.SpeakerLocal,
		SpeakerGlobalID: r.SpeakerGlobalID,
		StartMS:         r.StartMS,
		EndMS:           r.EndMS,
		Text:            r.Text,
		Confidence:      r.Confidence,
	}
}
