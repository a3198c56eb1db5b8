package awareness

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earshot/earshot-go/internal/conf"
	"github.com/earshot/earshot-go/internal/signal"
)

// memRepo is an in-memory Repository for detector tests. It round-trips
// through JSON so aliasing bugs between the detector and the store surface.
type memRepo struct {
	state    []byte
	sessions map[string][]byte
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string][]byte)}
}

func (r *memRepo) LoadState() (*State, error) {
	if r.state == nil {
		return nil, nil
	}
	var s State
	if err := json.Unmarshal(r.state, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *memRepo) SaveState(state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	r.state = data
	return nil
}

func (r *memRepo) SaveSession(session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	r.sessions[session.ID] = data
	return nil
}

func (r *memRepo) GetSession(id string) (*Session, error) {
	data, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *memRepo) activeCount() int {
	n := 0
	for _, data := range r.sessions {
		var s Session
		if json.Unmarshal(data, &s) == nil && s.Active() {
			n++
		}
	}
	return n
}

// fakeQueue records enqueued conversation ids.
type fakeQueue struct {
	ids  []string
	full bool
}

func (q *fakeQueue) Enqueue(id string) bool {
	if q.full {
		return false
	}
	q.ids = append(q.ids, id)
	return true
}

func testSettings() *conf.Settings {
	cfg := &conf.Settings{}
	cfg.Realtime.Detector = *detectorSettings()
	cfg.Realtime.Clips.MaxPerSession = 24
	return cfg
}

// testClock hands out strictly increasing timestamps one second apart.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newDetector(t *testing.T, opts ...Option) (*Detector, *memRepo, *fakeQueue) {
	t.Helper()
	repo := newMemRepo()
	queue := &fakeQueue{}
	eval, err := NewEvaluator(&testSettings().Realtime.Detector)
	require.NoError(t, err)
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	all := append([]Option{WithQueue(queue), WithClock(clock.now)}, opts...)
	d := New(testSettings(), repo, eval, all...)
	return d, repo, queue
}

// talk returns a signal that, accumulated over a window, reads as
// conversation (strong transcript).
func talk(ts time.Time, words int) signal.Event {
	return signal.Event{
		Source:              signal.SourceMicrophone,
		Timestamp:           ts,
		AudioLevel:          0.2,
		TranscriptWordCount: words,
	}
}

func quiet(ts time.Time) signal.Event {
	return signal.Event{Source: signal.SourceMicrophone, Timestamp: ts, AudioLevel: 0.01}
}

// driveToRecording feeds signals until a session starts and returns it.
func driveToRecording(t *testing.T, d *Detector, base time.Time) (*Session, time.Time) {
	t.Helper()
	ctx := context.Background()
	ts := base
	for i := 0; i < 10; i++ {
		res, err := d.Ingest(ctx, talk(ts, 6))
		require.NoError(t, err)
		if res.State.IsRecording {
			return res.Session, ts
		}
		ts = ts.Add(time.Second)
	}
	t.Fatal("detector never started recording")
	return nil, ts
}

func TestIngest_AwaitingWhileQuiet(t *testing.T) {
	d, _, _ := newDetector(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 8; i++ {
		res, err := d.Ingest(ctx, quiet(base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		assert.False(t, res.State.IsRecording)
		assert.Empty(t, res.State.ActiveSessionID)
		assert.Nil(t, res.Session)
	}

	state, err := d.State()
	require.NoError(t, err)
	assert.Equal(t, ActionAwaiting, state.LatestAction)
}

func TestIngest_StartsSessionOnConversation(t *testing.T) {
	d, repo, _ := newDetector(t)
	base := time.Now()

	session, _ := driveToRecording(t, d, base)

	require.NotNil(t, session)
	assert.True(t, session.Active())
	assert.Equal(t, CreatedByDetector, session.CreatedBy)
	assert.Equal(t, 1, repo.activeCount())

	state, err := d.State()
	require.NoError(t, err)
	assert.True(t, state.IsRecording)
	assert.Equal(t, session.ID, state.ActiveSessionID)
	assert.Equal(t, ActionStart, state.LatestAction)
}

// State machine invariant: isRecording iff activeSessionId is set, and at
// most one session is active, across an arbitrary signal sequence.
func TestIngest_RecordingInvariant(t *testing.T) {
	d, repo, _ := newDetector(t)
	ctx := context.Background()
	base := time.Now()

	sequence := []func(time.Time) signal.Event{
		quiet, func(ts time.Time) signal.Event { return talk(ts, 8) },
		func(ts time.Time) signal.Event { return talk(ts, 8) },
		func(ts time.Time) signal.Event { return talk(ts, 0) },
		quiet, quiet, quiet, quiet, quiet, quiet,
		func(ts time.Time) signal.Event { return talk(ts, 12) },
		func(ts time.Time) signal.Event { return talk(ts, 12) },
		quiet, quiet, quiet, quiet, quiet, quiet, quiet,
	}

	ts := base
	for _, mk := range sequence {
		res, err := d.Ingest(ctx, mk(ts))
		require.NoError(t, err)
		assert.Equal(t, res.State.IsRecording, res.State.ActiveSessionID != "",
			"isRecording must mirror activeSessionId")
		assert.LessOrEqual(t, repo.activeCount(), 1)
		ts = ts.Add(time.Second)
	}
}

func TestIngest_StopsWhenConversationFades(t *testing.T) {
	d, _, queue := newDetector(t)
	ctx := context.Background()
	base := time.Now()

	session, ts := driveToRecording(t, d, base)

	// Quiet signals push the talk out of the 5s window; session must stop.
	var stopped *Session
	for i := 1; i <= 10; i++ {
		res, err := d.Ingest(ctx, quiet(ts.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		if !res.State.IsRecording {
			stopped = res.Session
			assert.Equal(t, ActionStop, res.State.LatestAction)
			break
		}
	}

	require.NotNil(t, stopped, "session never stopped")
	assert.Equal(t, session.ID, stopped.ID)
	assert.False(t, stopped.Active())
	assert.Equal(t, []string{session.ID}, queue.ids)

	// stop_recording settles to idle on the next ingest.
	res, err := d.Ingest(ctx, quiet(ts.Add(11*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, ActionIdle, res.State.LatestAction)
}

func TestIngest_ListeningDisabledIsNoOp(t *testing.T) {
	d, repo, _ := newDetector(t)
	ctx := context.Background()

	_, _, err := d.SetListening(ctx, false)
	require.NoError(t, err)

	base := time.Now()
	for i := 0; i < 6; i++ {
		res, err := d.Ingest(ctx, talk(base.Add(time.Duration(i)*time.Second), 20))
		require.NoError(t, err)
		assert.Equal(t, ActionIdle, res.State.LatestAction)
		assert.False(t, res.State.IsRecording)
		assert.Empty(t, res.State.RecentSignals)
	}
	assert.Equal(t, 0, repo.activeCount())

	// Decisions are still recorded while disabled.
	events := d.DebugEvents()
	var disabled int
	for _, ev := range events {
		if ev.Category == EventListeningDisabled {
			disabled++
		}
	}
	assert.Equal(t, 6, disabled)
}

// Scenario C: disabling listening mid-session force-stops it in-call.
func TestSetListening_ForceStopsActiveSession(t *testing.T) {
	d, _, queue := newDetector(t)
	ctx := context.Background()

	session, _ := driveToRecording(t, d, time.Now())

	state, stopped, err := d.SetListening(ctx, false)
	require.NoError(t, err)

	require.NotNil(t, stopped)
	assert.Equal(t, session.ID, stopped.ID)
	assert.NotNil(t, stopped.EndedAt)
	assert.False(t, state.IsRecording)
	assert.Empty(t, state.ActiveSessionID)
	assert.False(t, state.ListeningEnabled)
	assert.Contains(t, queue.ids, session.ID)
}

func TestIngest_MergesSpeakerWindows(t *testing.T) {
	d, repo, _ := newDetector(t)
	ctx := context.Background()

	session, ts := driveToRecording(t, d, time.Now())

	audioHint := signal.SpeakerHint{PersonTag: "alice", SpeakingScore: 1.0, Origin: signal.OriginAudio}
	ev := talk(ts.Add(time.Second), 6)
	ev.SpeakerHints = []signal.SpeakerHint{audioHint}
	_, err := d.Ingest(ctx, ev)
	require.NoError(t, err)

	merged, err := repo.GetSession(session.ID)
	require.NoError(t, err)
	prev := session.SpeakerWindows["alice"]
	// retain 0.65 for audio-origin hints
	assert.InDelta(t, 0.65*prev+0.35*1.0, merged.SpeakerWindows["alice"], 0.001)

	visualHint := signal.SpeakerHint{PersonTag: "alice", SpeakingScore: 0.0, Origin: signal.OriginVisualHighConf}
	ev2 := talk(ts.Add(2*time.Second), 6)
	ev2.SpeakerHints = []signal.SpeakerHint{visualHint}
	_, err = d.Ingest(ctx, ev2)
	require.NoError(t, err)

	merged2, err := repo.GetSession(session.ID)
	require.NoError(t, err)
	// retain 0.85 for visual hints: score decays much slower
	assert.InDelta(t, 0.85*merged.SpeakerWindows["alice"], merged2.SpeakerWindows["alice"], 0.001)
}

func TestIngest_EvidenceCounters(t *testing.T) {
	d, repo, _ := newDetector(t)
	ctx := context.Background()

	session, ts := driveToRecording(t, d, time.Now())

	ev := talk(ts.Add(time.Second), 7)
	ev.TranscriptConfidence = 0.6
	ev.HasTranscriptConf = true
	_, err := d.Ingest(ctx, ev)
	require.NoError(t, err)

	merged, err := repo.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, merged.Evidence.Samples)
	assert.Equal(t, 1, merged.Evidence.LegibleFrames)
	assert.Equal(t, 7, merged.Evidence.TranscriptWordsTotal)
	assert.InDelta(t, 0.6, merged.Evidence.TranscriptConfidenceSum, 0.001)
}

func TestIngest_FirstConfidentFaceWins(t *testing.T) {
	d, repo, _ := newDetector(t)
	ctx := context.Background()

	session, ts := driveToRecording(t, d, time.Now())

	ev := talk(ts.Add(time.Second), 6)
	ev.Face = &signal.FaceIdentification{PersonID: "p1", PersonName: "Alice", Confidence: signal.FaceConfidenceHigh}
	_, err := d.Ingest(ctx, ev)
	require.NoError(t, err)

	ev2 := talk(ts.Add(2*time.Second), 6)
	ev2.Face = &signal.FaceIdentification{PersonID: "p2", PersonName: "Bob", Confidence: signal.FaceConfidenceHigh}
	_, err = d.Ingest(ctx, ev2)
	require.NoError(t, err)

	merged, err := repo.GetSession(session.ID)
	require.NoError(t, err)
	require.NotNil(t, merged.Face)
	assert.Equal(t, "p1", merged.Face.PersonID)
}

func TestAttachClip(t *testing.T) {
	d, _, _ := newDetector(t)
	ctx := context.Background()

	session, _ := driveToRecording(t, d, time.Now())

	for i := 0; i < 30; i++ {
		_, err := d.AttachClip(ctx, session.ID, fmt.Sprintf("clips/%s_%02d.wav", session.ID, i))
		require.NoError(t, err)
	}

	updated, err := d.AttachClip(ctx, session.ID, "clips/last.wav")
	require.NoError(t, err)
	assert.Len(t, updated.ClipPaths, 24)
	assert.Equal(t, "clips/last.wav", updated.ClipPaths[23])
}

func TestAttachClip_UnknownSession(t *testing.T) {
	d, _, _ := newDetector(t)

	_, err := d.AttachClip(context.Background(), "rec_missing", "x.wav")

	require.Error(t, err)
}

func TestIngest_QueueFullSurfacesDrop(t *testing.T) {
	d, _, queue := newDetector(t)
	queue.full = true
	ctx := context.Background()

	_, ts := driveToRecording(t, d, time.Now())
	for i := 1; i <= 10; i++ {
		res, err := d.Ingest(ctx, quiet(ts.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		if !res.State.IsRecording {
			break
		}
	}

	var dropped bool
	for _, ev := range d.DebugEvents() {
		if ev.Category == EventPipelineDropped {
			dropped = true
		}
	}
	assert.True(t, dropped)
	assert.Empty(t, queue.ids)
}

func TestDebugLog_EveryTransitionRecorded(t *testing.T) {
	d, _, _ := newDetector(t)
	ctx := context.Background()
	base := time.Now()

	n := 0
	for i := 0; i < 5; i++ {
		_, err := d.Ingest(ctx, quiet(base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		n++
	}

	events := d.DebugEvents()
	require.GreaterOrEqual(t, len(events), n)
	for _, ev := range events {
		if ev.Category == EventWindowEvaluated {
			assert.NotNil(t, ev.Verdict, "evaluation events carry the metric snapshot")
		}
	}
}

// The end hook may do slow work (broker publishes); it must observe the
// detector unlocked, or a stalled consumer would block every signal source.
func TestSessionEndHook_RunsOutsideCriticalSection(t *testing.T) {
	var d *Detector
	var ended []string
	var heldLock bool
	d, _, _ = newDetector(t, WithSessionEndHook(func(s *Session) {
		if d.mu.TryLock() {
			d.mu.Unlock()
		} else {
			heldLock = true
		}
		ended = append(ended, s.ID)
	}))
	ctx := context.Background()

	// Natural stop: quiet signals fade the conversation out of the window.
	first, ts := driveToRecording(t, d, time.Now())
	for i := 1; i <= 10; i++ {
		res, err := d.Ingest(ctx, quiet(ts.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		if !res.State.IsRecording {
			break
		}
	}

	// Force stop: the listening toggle ends the second session in-call.
	_, err := d.Ingest(ctx, quiet(ts.Add(20*time.Second)))
	require.NoError(t, err)
	second, _ := driveToRecording(t, d, ts.Add(30*time.Second))
	_, _, err = d.SetListening(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, []string{first.ID, second.ID}, ended)
	assert.False(t, heldLock, "end hook ran while the detector mutex was held")
}

func TestSessionEndHook(t *testing.T) {
	var ended []string
	d, _, _ := newDetector(t, WithSessionEndHook(func(s *Session) {
		ended = append(ended, s.ID)
	}))
	ctx := context.Background()

	session, _ := driveToRecording(t, d, time.Now())
	_, _, err := d.SetListening(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, []string{session.ID}, ended)
}
