// Package signal provides the domain model for ambient sensor signals and
// the normalizer that converts raw payloads from any source into canonical
// form. Normalization is the only place where score clamping happens;
// downstream code trusts the [0,1] range.
package signal

import (
	"sort"
	"strings"
	"time"
)

// Source identifies which sensor produced a signal.
type Source string

const (
	SourceMicrophone  Source = "microphone"
	SourceAuxDevice   Source = "auxiliary-device"
	SourcePhoneCamera Source = "phone-camera"
)

// ValidSource reports whether s is one of the known signal sources.
func ValidSource(s Source) bool {
	switch s {
	case SourceMicrophone, SourceAuxDevice, SourcePhoneCamera:
		return true
	}
	return false
}

// HintOrigin tags how a speaker hint was derived. Visual hints backed by a
// high-confidence face identification anchor speaker attribution through
// noisy audio frames and are smoothed with a higher retain weight.
type HintOrigin string

const (
	OriginAudio          HintOrigin = "audio"
	OriginVisualHighConf HintOrigin = "visual-high-confidence"
)

// FaceConfidence is the confidence bucket reported by the vision collaborator.
type FaceConfidence string

const (
	FaceConfidenceHigh   FaceConfidence = "high"
	FaceConfidenceMedium FaceConfidence = "medium"
	FaceConfidenceLow    FaceConfidence = "low"
)

// FaceIdentification is an optional visual identity attached to a signal.
type FaceIdentification struct {
	PersonID   string         `json:"personId"`
	PersonName string         `json:"personName"`
	Confidence FaceConfidence `json:"confidence"`
}

// SpeakerHint is one entry of the ordered speaker-presence estimate carried
// by a signal. Hints are sorted descending by score and capped at
// MaxSpeakerHints during normalization.
type SpeakerHint struct {
	PersonTag     string     `json:"personTag"`
	SpeakingScore float64    `json:"speakingScore"`
	Origin        HintOrigin `json:"origin"`
}

// Event is one normalized observation from one source at one instant.
// All numeric scores are guaranteed to be within [0,1].
type Event struct {
	Source               Source              `json:"source"`
	Timestamp            time.Time           `json:"timestamp"`
	AudioLevel           float64             `json:"audioLevel"`
	PresenceScore        float64             `json:"presenceScore"`
	TranscriptText       string              `json:"transcriptText,omitempty"`
	TranscriptWordCount  int                 `json:"transcriptWordCount"`
	TranscriptConfidence float64             `json:"transcriptConfidence"`
	HasTranscriptConf    bool                `json:"hasTranscriptConfidence"`
	SpeakerHints         []SpeakerHint       `json:"speakerHints,omitempty"`
	DeviceID             string              `json:"deviceId,omitempty"`
	Face                 *FaceIdentification `json:"faceIdentification,omitempty"`
}

// Raw is the wire shape accepted from sensor sources before normalization.
// Optional fields are pointers so absence is distinguishable from zero.
type Raw struct {
	Source               string              `json:"source"`
	Timestamp            time.Time           `json:"timestamp"`
	AudioLevel           *float64            `json:"audioLevel,omitempty"`
	PresenceScore        *float64            `json:"presenceScore,omitempty"`
	TranscriptText       string              `json:"transcriptText,omitempty"`
	TranscriptWordCount  *int                `json:"transcriptWordCount,omitempty"`
	TranscriptConfidence *float64            `json:"transcriptConfidence,omitempty"`
	SpeakerHints         []RawHint           `json:"speakerHints,omitempty"`
	DeviceID             string              `json:"deviceId,omitempty"`
	Face                 *FaceIdentification `json:"faceIdentification,omitempty"`
}

// RawHint is an un-normalized speaker hint. Origin may be omitted, in which
// case the normalizer derives it from the face identification.
type RawHint struct {
	PersonTag     string  `json:"personTag"`
	SpeakingScore float64 `json:"speakingScore"`
	Origin        string  `json:"origin,omitempty"`
}

const (
	// MaxTranscriptChars is the transcript text truncation limit.
	MaxTranscriptChars = 500
	// MaxTranscriptWords caps the reported transcript word count.
	MaxTranscriptWords = 200
	// MaxSpeakerHints caps the speaker hint set per signal.
	MaxSpeakerHints = 4
	// CameraAudioProxyWeight discounts camera presence when deriving a
	// synthetic audio level; camera motion is a weak proxy for speech.
	CameraAudioProxyWeight = 0.45
)

// Normalize converts a raw sensor payload into a canonical Event. It is a
// pure transform and never fails; malformed optional fields are omitted.
func Normalize(raw *Raw) Event {
	ev := Event{
		Source:    Source(raw.Source),
		Timestamp: raw.Timestamp,
		DeviceID:  raw.DeviceID,
	}

	if raw.AudioLevel != nil {
		ev.AudioLevel = Clamp01(*raw.AudioLevel)
	}
	if raw.PresenceScore != nil {
		ev.PresenceScore = Clamp01(*raw.PresenceScore)
	}
	// Camera sources without an explicit audio level get a synthetic one
	// derived from motion presence.
	if ev.Source == SourcePhoneCamera && raw.AudioLevel == nil && raw.PresenceScore != nil {
		ev.AudioLevel = Clamp01(CameraAudioProxyWeight * ev.PresenceScore)
	}

	ev.TranscriptText = truncate(raw.TranscriptText, MaxTranscriptChars)
	if raw.TranscriptWordCount != nil {
		wc := *raw.TranscriptWordCount
		if wc < 0 {
			wc = 0
		}
		if wc > MaxTranscriptWords {
			wc = MaxTranscriptWords
		}
		ev.TranscriptWordCount = wc
	}
	if raw.TranscriptConfidence != nil {
		ev.TranscriptConfidence = Clamp01(*raw.TranscriptConfidence)
		ev.HasTranscriptConf = true
	}

	if raw.Face != nil && raw.Face.PersonID != "" {
		face := *raw.Face
		ev.Face = &face
	}

	ev.SpeakerHints = normalizeHints(raw.SpeakerHints, ev.Face)
	return ev
}

// normalizeHints drops blank tags, clamps scores, resolves origins, sorts by
// score descending and caps the set at MaxSpeakerHints.
func normalizeHints(raw []RawHint, face *FaceIdentification) []SpeakerHint {
	if len(raw) == 0 {
		return nil
	}
	hints := make([]SpeakerHint, 0, len(raw))
	for _, h := range raw {
		tag := strings.TrimSpace(h.PersonTag)
		if tag == "" {
			continue
		}
		hints = append(hints, SpeakerHint{
			PersonTag:     tag,
			SpeakingScore: Clamp01(h.SpeakingScore),
			Origin:        resolveOrigin(tag, h.Origin, face),
		})
	}
	sort.SliceStable(hints, func(i, j int) bool {
		return hints[i].SpeakingScore > hints[j].SpeakingScore
	})
	if len(hints) > MaxSpeakerHints {
		hints = hints[:MaxSpeakerHints]
	}
	if len(hints) == 0 {
		return nil
	}
	return hints
}

// resolveOrigin determines a hint's origin. An explicit valid origin wins;
// otherwise a hint that matches a high-confidence face identification is
// tagged visual.
func resolveOrigin(tag, explicit string, face *FaceIdentification) HintOrigin {
	switch HintOrigin(explicit) {
	case OriginAudio, OriginVisualHighConf:
		return HintOrigin(explicit)
	}
	if face != nil && face.Confidence == FaceConfidenceHigh &&
		strings.EqualFold(face.PersonName, tag) {
		return OriginVisualHighConf
	}
	return OriginAudio
}

// BestHintScore returns the highest speaking score among the event's hints,
// or 0 if it has none. Hints are sorted descending at normalization time.
func (e *Event) BestHintScore() float64 {
	if len(e.SpeakerHints) == 0 {
		return 0
	}
	return e.SpeakerHints[0].SpeakingScore
}

// Clamp01 clamps v into the [0,1] range.
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Truncate on a rune boundary so we never split a multi-byte character.
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
