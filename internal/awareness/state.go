// Package awareness implements the signal-to-session core of the detector:
// the rolling signal window, the conversation window evaluators, the
// recording session state machine and the debug event log.
package awareness

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/earshot/earshot-go/internal/signal"
)

// Action is the latest externally visible decision of the state machine.
type Action string

const (
	ActionIdle     Action = "idle"
	ActionAwaiting Action = "awaiting_conversation"
	ActionStart    Action = "start_recording"
	ActionContinue Action = "continue_recording"
	ActionStop     Action = "stop_recording"
)

// Session creators.
const (
	CreatedByDetector = "detector"
	CreatedByManual   = "manual"
)

// MaxActiveSpeakers bounds the smoothed speaker-presence estimate exposed
// in the awareness state.
const MaxActiveSpeakers = 4

// State is the process-wide awareness snapshot. It is created at process
// start, persisted so it survives restarts, and mutated exclusively by
// signal ingestion and the listening toggle.
type State struct {
	ListeningEnabled   bool               `json:"listeningEnabled"`
	IsRecording        bool               `json:"isRecording"`
	ActiveSessionID    string             `json:"activeSessionId,omitempty"`
	ActiveSpeakers     map[string]float64 `json:"activeSpeakers,omitempty"`
	RollingAudioLevels []float64          `json:"rollingAudioLevels,omitempty"`
	RecentSignals      Window             `json:"recentSignals,omitempty"`
	LatestAction       Action             `json:"latestAction"`
	LastUpdatedAt      time.Time          `json:"lastUpdatedAt"`
}

// NewState returns the initial awareness state: listening, idle.
func NewState() *State {
	return &State{
		ListeningEnabled: true,
		LatestAction:     ActionIdle,
	}
}

// Evidence holds running counters merged into a session on every signal
// ingested while it is active.
type Evidence struct {
	Samples                 int     `json:"samples"`
	LegibleFrames           int     `json:"legibleFrames"`
	TranscriptWordsTotal    int     `json:"transcriptWordsTotal"`
	TranscriptConfidenceSum float64 `json:"transcriptConfidenceSum"`
}

// Session is one inferred conversation occurrence. It becomes immutable
// once EndedAt is set; at most one session is active at a time.
type Session struct {
	ID             string                     `json:"id"`
	StartedAt      time.Time                  `json:"startedAt"`
	EndedAt        *time.Time                 `json:"endedAt,omitempty"`
	CreatedBy      string                     `json:"createdBy"`
	SpeakerWindows map[string]float64         `json:"speakerWindows,omitempty"`
	ClipPaths      []string                   `json:"clipPaths,omitempty"`
	Evidence       Evidence                   `json:"evidence"`
	Face           *signal.FaceIdentification `json:"faceIdentification,omitempty"`
}

// NewSessionID derives a session id from time plus randomness.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("rec_%d_%s", now.UnixMilli(), uuid.NewString()[:8])
}

// Active reports whether the session has not been stopped yet.
func (s *Session) Active() bool {
	return s.EndedAt == nil
}

// AttachClip appends a clip reference, evicting the oldest beyond maxClips.
func (s *Session) AttachClip(path string, maxClips int) {
	s.ClipPaths = append(s.ClipPaths, path)
	if maxClips > 0 && len(s.ClipPaths) > maxClips {
		s.ClipPaths = s.ClipPaths[len(s.ClipPaths)-maxClips:]
	}
}

// topSpeakers returns the top-k entries of a speaker window map.
func topSpeakers(windows map[string]float64, k int) map[string]float64 {
	if len(windows) <= k {
		out := make(map[string]float64, len(windows))
		for tag, score := range windows {
			out[tag] = score
		}
		return out
	}
	type entry struct {
		tag   string
		score float64
	}
	entries := make([]entry, 0, len(windows))
	for tag, score := range windows {
		entries = append(entries, entry{tag, score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].tag < entries[j].tag
	})
	out := make(map[string]float64, k)
	for _, e := range entries[:k] {
		out[e.tag] = e.score
	}
	return out
}
