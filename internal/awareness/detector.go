package awareness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/earshot/earshot-go/internal/conf"
	"github.com/earshot/earshot-go/internal/errors"
	"github.com/earshot/earshot-go/internal/logging"
	"github.com/earshot/earshot-go/internal/observability"
	"github.com/earshot/earshot-go/internal/signal"
)

// Repository is the persistence boundary the detector needs: the awareness
// state singleton and recording sessions by id.
type Repository interface {
	LoadState() (*State, error)
	SaveState(state *State) error
	SaveSession(session *Session) error
	GetSession(id string) (*Session, error)
}

// Enqueuer hands a finished session off to the processing pipeline.
// Enqueue must not block; it returns false when the queue is full.
type Enqueuer interface {
	Enqueue(conversationID string) bool
}

// IngestResult is returned from every ingest call: the updated state, the
// session affected by this call (nil if none) and the evaluator verdict.
type IngestResult struct {
	State   *State   `json:"state"`
	Session *Session `json:"session,omitempty"`
	Verdict Verdict  `json:"verdict"`
}

// Detector owns the recording session lifecycle. All state mutation happens
// inside a single critical section per call; signals may be fed concurrently
// from multiple sources and are serialized here.
type Detector struct {
	mu sync.Mutex

	cfg     *conf.Settings
	repo    Repository
	eval    Evaluator
	queue   Enqueuer
	debug   *DebugLog
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
	onEnd   func(*Session)
}

// Option configures a Detector.
type Option func(*Detector)

// WithQueue sets the pipeline handoff queue.
func WithQueue(q Enqueuer) Option {
	return func(d *Detector) { d.queue = q }
}

// WithMetrics sets the shared metrics instance.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithSessionEndHook registers a callback invoked after a session ends and
// has been persisted. The hook runs outside the detector's critical section,
// so it may do slow work (broker publishes) without stalling ingestion.
func WithSessionEndHook(fn func(*Session)) Option {
	return func(d *Detector) { d.onEnd = fn }
}

// New creates a Detector using the given repository and evaluator strategy.
func New(cfg *conf.Settings, repo Repository, eval Evaluator, opts ...Option) *Detector {
	d := &Detector{
		cfg:    cfg,
		repo:   repo,
		eval:   eval,
		debug:  NewDebugLog(DefaultDebugLogCapacity),
		logger: logging.ForService("detector"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DebugEvents returns a snapshot of the decision log.
func (d *Detector) DebugEvents() []DebugEvent {
	return d.debug.Snapshot()
}

// State returns the current persisted awareness state.
func (d *Detector) State() (*State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadState()
}

func (d *Detector) loadState() (*State, error) {
	state, err := d.repo.LoadState()
	if err != nil {
		return nil, errors.New(err).Component("detector").Category(errors.CategoryState).Build()
	}
	if state == nil {
		state = NewState()
	}
	return state, nil
}

// Ingest consumes one normalized signal and advances the state machine.
// "No conversation detected" is a normal awaiting outcome, never an error.
func (d *Detector) Ingest(ctx context.Context, ev signal.Event) (*IngestResult, error) {
	result, err := d.ingest(ev)
	if err != nil {
		return nil, err
	}
	d.notifySessionEnd(result.Session)
	return result, nil
}

func (d *Detector) ingest(ev signal.Event) (*IngestResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := d.now()
	defer func() {
		if d.metrics != nil {
			d.metrics.IngestDuration.Observe(d.now().Sub(start).Seconds())
		}
	}()

	state, err := d.loadState()
	if err != nil {
		return nil, err
	}

	if d.metrics != nil {
		d.metrics.SignalsIngested.WithLabelValues(string(ev.Source)).Inc()
	}

	// Ingestion is a no-op while the detector is off, but the decision is
	// still recorded.
	if !state.ListeningEnabled {
		state.LatestAction = ActionIdle
		state.LastUpdatedAt = d.now()
		d.debug.Append(DebugEvent{
			Time:     d.now(),
			Category: EventListeningDisabled,
			Action:   ActionIdle,
			Detail:   "signal discarded, listening disabled",
		})
		if err := d.saveState(state); err != nil {
			return nil, err
		}
		return &IngestResult{State: state}, nil
	}

	state.RecentSignals = state.RecentSignals.Push(ev, WindowCapacity)
	state.RollingAudioLevels = append(state.RollingAudioLevels, ev.AudioLevel)
	if len(state.RollingAudioLevels) > WindowCapacity {
		state.RollingAudioLevels = state.RollingAudioLevels[len(state.RollingAudioLevels)-WindowCapacity:]
	}

	window := state.RecentSignals.Recent(d.cfg.Realtime.Detector.SegmentSeconds)

	var result *IngestResult
	if state.ActiveSessionID == "" {
		result, err = d.ingestIdle(state, window)
	} else {
		result, err = d.ingestActive(state, &ev, window)
	}
	if err != nil {
		return nil, err
	}

	state.LastUpdatedAt = d.now()
	if err := d.saveState(state); err != nil {
		return nil, err
	}
	return result, nil
}

// ingestIdle handles a signal while no session is active: start a session
// if the window is judged a conversation, otherwise keep waiting.
func (d *Detector) ingestIdle(state *State, window Window) (*IngestResult, error) {
	verdict := d.eval.Evaluate(window, false)
	d.countVerdict(verdict)

	if !verdict.IsConversation {
		// stop_recording settles back to idle on the next ingest.
		if state.LatestAction == ActionStop {
			state.LatestAction = ActionIdle
		} else {
			state.LatestAction = ActionAwaiting
		}
		d.debug.Append(DebugEvent{
			Time:     d.now(),
			Category: EventWindowEvaluated,
			Action:   state.LatestAction,
			Verdict:  &verdict,
		})
		return &IngestResult{State: state, Verdict: verdict}, nil
	}

	now := d.now()
	session := &Session{
		ID:             NewSessionID(now),
		StartedAt:      now,
		CreatedBy:      CreatedByDetector,
		SpeakerWindows: seedSpeakerWindows(state.RecentSignals, d.cfg.Realtime.Detector.SeedWeight),
	}
	if err := d.saveSession(session); err != nil {
		return nil, err
	}

	state.ActiveSessionID = session.ID
	state.IsRecording = true
	state.LatestAction = ActionStart
	state.ActiveSpeakers = topSpeakers(session.SpeakerWindows, MaxActiveSpeakers)

	if d.metrics != nil {
		d.metrics.SessionsStarted.Inc()
	}
	d.debug.Append(DebugEvent{
		Time:      now,
		Category:  EventSessionStarted,
		Action:    ActionStart,
		SessionID: session.ID,
		Verdict:   &verdict,
	})
	d.logger.Info("recording session started",
		"session_id", session.ID,
		"reason", verdict.Reason,
		"transcript_words", verdict.TranscriptWords,
		"legible_frames", verdict.LegibleFrames,
	)
	return &IngestResult{State: state, Session: session, Verdict: verdict}, nil
}

// ingestActive merges the signal into the active session and decides
// whether the conversation is still going.
func (d *Detector) ingestActive(state *State, ev *signal.Event, window Window) (*IngestResult, error) {
	session, err := d.repo.GetSession(state.ActiveSessionID)
	if err != nil {
		return nil, errors.New(err).Component("detector").Category(errors.CategoryState).
			Context("session_id", state.ActiveSessionID).Build()
	}

	d.mergeSignal(session, ev)
	state.ActiveSpeakers = topSpeakers(session.SpeakerWindows, MaxActiveSpeakers)

	verdict := d.eval.Evaluate(window, true)
	d.countVerdict(verdict)

	if verdict.IsConversation {
		state.LatestAction = ActionContinue
		if err := d.saveSession(session); err != nil {
			return nil, err
		}
		d.debug.Append(DebugEvent{
			Time:      d.now(),
			Category:  EventSessionContinued,
			Action:    ActionContinue,
			SessionID: session.ID,
			Verdict:   &verdict,
		})
		return &IngestResult{State: state, Session: session, Verdict: verdict}, nil
	}

	if err := d.endSession(state, session, EventSessionStopped, &verdict); err != nil {
		return nil, err
	}
	return &IngestResult{State: state, Session: session, Verdict: verdict}, nil
}

// mergeSignal folds a signal's speaker hints and evidence into the session.
// Hints backed by a high-confidence visual identification retain more of
// the previous score, anchoring attribution through noisy audio frames.
func (d *Detector) mergeSignal(session *Session, ev *signal.Event) {
	cfg := &d.cfg.Realtime.Detector
	if session.SpeakerWindows == nil {
		session.SpeakerWindows = make(map[string]float64)
	}
	for _, hint := range ev.SpeakerHints {
		retain := cfg.RetainAudio
		if hint.Origin == signal.OriginVisualHighConf {
			retain = cfg.RetainVisual
		}
		prev := session.SpeakerWindows[hint.PersonTag]
		session.SpeakerWindows[hint.PersonTag] = signal.Clamp01(retain*prev + (1-retain)*hint.SpeakingScore)
	}

	session.Evidence.Samples++
	if legibleFrame(ev, cfg.LegibleAudioLevel, cfg.LegibleHintScore) {
		session.Evidence.LegibleFrames++
	}
	session.Evidence.TranscriptWordsTotal += ev.TranscriptWordCount
	if ev.HasTranscriptConf {
		session.Evidence.TranscriptConfidenceSum += ev.TranscriptConfidence
	}

	// First confident face match wins and is never overwritten.
	if session.Face == nil && ev.Face != nil && ev.Face.Confidence != signal.FaceConfidenceLow {
		face := *ev.Face
		session.Face = &face
	}
}

// endSession stops the session, persists it and hands it to the pipeline.
func (d *Detector) endSession(state *State, session *Session, category EventCategory, verdict *Verdict) error {
	now := d.now()
	session.EndedAt = &now
	if err := d.saveSession(session); err != nil {
		return err
	}

	state.ActiveSessionID = ""
	state.IsRecording = false
	state.LatestAction = ActionStop

	if d.metrics != nil {
		if category == EventSessionForceStop {
			d.metrics.SessionsForceStop.Inc()
		} else {
			d.metrics.SessionsCompleted.Inc()
		}
	}
	d.debug.Append(DebugEvent{
		Time:      now,
		Category:  category,
		Action:    ActionStop,
		SessionID: session.ID,
		Verdict:   verdict,
	})
	d.logger.Info("recording session ended",
		"session_id", session.ID,
		"samples", session.Evidence.Samples,
		"transcript_words", session.Evidence.TranscriptWordsTotal,
		"clips", len(session.ClipPaths),
	)

	// Fire-and-forget handoff; a full queue must never block the state
	// machine, only surface as a dropped event.
	if d.queue != nil {
		if d.queue.Enqueue(session.ID) {
			d.debug.Append(DebugEvent{
				Time: now, Category: EventPipelineEnqueued, SessionID: session.ID,
			})
		} else {
			if d.metrics != nil {
				d.metrics.QueueDropped.Inc()
			}
			d.debug.Append(DebugEvent{
				Time: now, Category: EventPipelineDropped, SessionID: session.ID,
			})
			d.logger.Warn("pipeline queue full, session dropped", "session_id", session.ID)
		}
	}
	return nil
}

// notifySessionEnd runs the session-end hook for a session this call ended.
// Called with the mutex released: a slow consumer, such as an MQTT publish
// against an unreachable broker, must never block concurrent signal sources.
func (d *Detector) notifySessionEnd(session *Session) {
	if d.onEnd != nil && session != nil && !session.Active() {
		d.onEnd(session)
	}
}

// SetListening toggles the user listening switch. Disabling while a session
// is active force-stops that session in the same call.
func (d *Detector) SetListening(ctx context.Context, enabled bool) (*State, *Session, error) {
	state, stopped, err := d.setListening(enabled)
	if err != nil {
		return nil, nil, err
	}
	d.notifySessionEnd(stopped)
	return state, stopped, nil
}

func (d *Detector) setListening(enabled bool) (*State, *Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, err := d.loadState()
	if err != nil {
		return nil, nil, err
	}

	var stopped *Session
	if !enabled && state.ActiveSessionID != "" {
		session, err := d.repo.GetSession(state.ActiveSessionID)
		if err != nil {
			return nil, nil, errors.New(err).Component("detector").Category(errors.CategoryState).
				Context("session_id", state.ActiveSessionID).Build()
		}
		if err := d.endSession(state, session, EventSessionForceStop, nil); err != nil {
			return nil, nil, err
		}
		stopped = session
	}

	state.ListeningEnabled = enabled
	if !enabled {
		state.LatestAction = ActionIdle
	}
	state.LastUpdatedAt = d.now()

	d.debug.Append(DebugEvent{
		Time:     d.now(),
		Category: EventListeningToggled,
		Detail:   map[bool]string{true: "enabled", false: "disabled"}[enabled],
	})

	if err := d.saveState(state); err != nil {
		return nil, nil, err
	}
	return state, stopped, nil
}

// AttachClip appends an audio clip reference to a session.
func (d *Detector) AttachClip(ctx context.Context, sessionID, path string) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, err := d.repo.GetSession(sessionID)
	if err != nil {
		return nil, errors.New(err).Component("detector").Category(errors.CategoryNotFound).
			Context("session_id", sessionID).Build()
	}
	session.AttachClip(path, d.cfg.Realtime.Clips.MaxPerSession)
	if err := d.saveSession(session); err != nil {
		return nil, err
	}
	d.debug.Append(DebugEvent{
		Time:      d.now(),
		Category:  EventClipAttached,
		SessionID: sessionID,
		Detail:    path,
	})
	return session, nil
}

func (d *Detector) saveState(state *State) error {
	if err := d.repo.SaveState(state); err != nil {
		return errors.New(err).Component("detector").Category(errors.CategoryDatabase).Build()
	}
	return nil
}

func (d *Detector) saveSession(session *Session) error {
	if err := d.repo.SaveSession(session); err != nil {
		return errors.New(err).Component("detector").Category(errors.CategoryDatabase).
			Context("session_id", session.ID).Build()
	}
	return nil
}

func (d *Detector) countVerdict(v Verdict) {
	if d.metrics == nil {
		return
	}
	if v.IsConversation {
		d.metrics.EvaluatorVerdicts.WithLabelValues("conversation").Inc()
	} else {
		d.metrics.EvaluatorVerdicts.WithLabelValues("no-conversation").Inc()
	}
}

// seedSpeakerWindows aggregates recent speaker hints into the initial
// speaker window of a new session: decayed accumulation, fixed weight per
// hint, capped at [0,1].
func seedSpeakerWindows(recent Window, weight float64) map[string]float64 {
	windows := make(map[string]float64)
	for i := range recent {
		for _, hint := range recent[i].SpeakerHints {
			windows[hint.PersonTag] = signal.Clamp01(windows[hint.PersonTag] + weight*hint.SpeakingScore)
		}
	}
	return windows
}
