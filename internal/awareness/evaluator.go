package awareness

import (
	"fmt"

	"github.com/earshot/earshot-go/internal/conf"
	"github.com/earshot/earshot-go/internal/signal"
)

// Metrics are the diagnostic values computed over an evaluation window.
// Every decision of the state machine logs a full metric snapshot; this is
// the primary tool for tuning thresholds post hoc.
type Metrics struct {
	SignalCount              int     `json:"signalCount"`
	TranscriptWords          int     `json:"transcriptWords"`
	MeanTranscriptConfidence float64 `json:"meanTranscriptConfidence"`
	LegibleFrames            int     `json:"legibleFrames"`
	DistinctSpeakerTags      int     `json:"distinctSpeakerTags"`
	MeanAudioLevel           float64 `json:"meanAudioLevel"`
	WindowSeconds            float64 `json:"windowSeconds"`
}

// Verdict is the evaluator's judgement of a signal window.
type Verdict struct {
	IsConversation bool   `json:"isConversation"`
	Reason         string `json:"reason"`
	Metrics
}

// Evaluator judges whether a window of signals contains a coherent
// conversation. The recording flag lets stateful strategies apply
// different start and stop thresholds; the default window strategy
// ignores it and is reused symmetrically for both decisions.
type Evaluator interface {
	Name() string
	Evaluate(window Window, recording bool) Verdict
}

// Decision reasons shared by the evaluator strategies.
const (
	ReasonInsufficientSignals = "insufficient-signals"
	ReasonWindowSpanShort     = "window-span-short"
	ReasonTranscriptStrong    = "transcript-strong"
	ReasonMultiSpeakerStrong  = "multi-speaker-strong"
	ReasonAudioSpeechBlend    = "audio-speech-blend"
	ReasonBelowThresholds     = "below-thresholds"
	ReasonAboveStartLevel     = "above-start-level"
	ReasonBelowStartLevel     = "below-start-level"
	ReasonAboveStopLevel      = "above-stop-level"
	ReasonBelowStopLevel      = "below-stop-level"
)

// NewEvaluator builds the evaluator strategy selected in the settings.
func NewEvaluator(cfg *conf.DetectorSettings) (Evaluator, error) {
	switch cfg.Evaluator {
	case "", "window":
		return &WindowEvaluator{cfg: cfg}, nil
	case "hysteresis":
		return &HysteresisEvaluator{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown evaluator strategy: %q", cfg.Evaluator)
	}
}

// legibleFrame reports whether a single signal clears the minimum bar to
// count as probable speech.
func legibleFrame(ev *signal.Event, minAudioLevel, minHintScore float64) bool {
	if ev.AudioLevel < minAudioLevel {
		return false
	}
	return ev.TranscriptWordCount >= 1 || ev.BestHintScore() >= minHintScore
}

// computeMetrics walks the window once and aggregates all diagnostics.
func computeMetrics(window Window, minAudioLevel, minHintScore float64) Metrics {
	m := Metrics{
		SignalCount:   len(window),
		WindowSeconds: window.SpanSeconds(),
	}
	if len(window) == 0 {
		return m
	}

	var levelSum, confSum float64
	confCount := 0
	tags := make(map[string]struct{})
	for i := range window {
		ev := &window[i]
		levelSum += ev.AudioLevel
		m.TranscriptWords += ev.TranscriptWordCount
		if ev.HasTranscriptConf {
			confSum += ev.TranscriptConfidence
			confCount++
		}
		if legibleFrame(ev, minAudioLevel, minHintScore) {
			m.LegibleFrames++
		}
		for _, hint := range ev.SpeakerHints {
			tags[hint.PersonTag] = struct{}{}
		}
	}
	m.MeanAudioLevel = levelSum / float64(len(window))
	if confCount > 0 {
		m.MeanTranscriptConfidence = confSum / float64(confCount)
	}
	m.DistinctSpeakerTags = len(tags)
	return m
}

// WindowEvaluator is the default multi-heuristic strategy. Three
// independent signals are ORed together under a minimum window-span guard;
// no single sensor is trustworthy alone, so redundancy trades precision
// for robustness against any one signal's failure mode.
type WindowEvaluator struct {
	cfg *conf.DetectorSettings
}

func (e *WindowEvaluator) Name() string { return "window" }

// Evaluate judges the window regardless of recording state; the state
// machine reuses the same verdict, inverted, to decide stopping.
func (e *WindowEvaluator) Evaluate(window Window, recording bool) Verdict {
	m := computeMetrics(window, e.cfg.LegibleAudioLevel, e.cfg.LegibleHintScore)
	if m.SignalCount < 2 {
		return Verdict{Reason: ReasonInsufficientSignals, Metrics: m}
	}
	if m.WindowSeconds < e.cfg.MinWindowSpanRatio*e.cfg.SegmentSeconds {
		return Verdict{Reason: ReasonWindowSpanShort, Metrics: m}
	}

	transcriptStrong := m.TranscriptWords >= 10 ||
		(m.TranscriptWords >= 6 && m.MeanTranscriptConfidence >= 0.2)
	multiSpeakerStrong := m.LegibleFrames >= 4 && m.DistinctSpeakerTags >= 2
	audioSpeechBlend := m.MeanAudioLevel >= e.cfg.LegibleAudioLevel && m.TranscriptWords >= 5

	switch {
	case transcriptStrong:
		return Verdict{IsConversation: true, Reason: ReasonTranscriptStrong, Metrics: m}
	case multiSpeakerStrong:
		return Verdict{IsConversation: true, Reason: ReasonMultiSpeakerStrong, Metrics: m}
	case audioSpeechBlend:
		return Verdict{IsConversation: true, Reason: ReasonAudioSpeechBlend, Metrics: m}
	}
	return Verdict{Reason: ReasonBelowThresholds, Metrics: m}
}

// HysteresisEvaluator is the simpler fixed-threshold strategy: distinct
// start and stop audio levels, with the stop decision made over only the
// newest samples so a single quiet frame doesn't end a session.
type HysteresisEvaluator struct {
	cfg *conf.DetectorSettings
}

func (e *HysteresisEvaluator) Name() string { return "hysteresis" }

func (e *HysteresisEvaluator) Evaluate(window Window, recording bool) Verdict {
	m := computeMetrics(window, e.cfg.LegibleAudioLevel, e.cfg.LegibleHintScore)
	if m.SignalCount < 2 {
		return Verdict{Reason: ReasonInsufficientSignals, Metrics: m}
	}

	if !recording {
		if m.MeanAudioLevel >= e.cfg.Hysteresis.StartLevel && m.LegibleFrames >= 2 {
			return Verdict{IsConversation: true, Reason: ReasonAboveStartLevel, Metrics: m}
		}
		return Verdict{Reason: ReasonBelowStartLevel, Metrics: m}
	}

	// Stop side: mean level over the newest samples only.
	stop := window
	if n := e.cfg.Hysteresis.StopWindow; n > 0 && len(stop) > n {
		stop = stop[len(stop)-n:]
	}
	var sum float64
	for i := range stop {
		sum += stop[i].AudioLevel
	}
	stopMean := sum / float64(len(stop))
	if stopMean >= e.cfg.Hysteresis.StopLevel {
		return Verdict{IsConversation: true, Reason: ReasonAboveStopLevel, Metrics: m}
	}
	return Verdict{Reason: ReasonBelowStopLevel, Metrics: m}
}
