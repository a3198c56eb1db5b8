package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earshot/earshot-go/internal/awareness"
	"github.com/earshot/earshot-go/internal/conf"
	"github.com/earshot/earshot-go/internal/diarize"
	"github.com/earshot/earshot-go/internal/errors"
)

type memRepo struct {
	mu       sync.Mutex
	sessions map[string]*awareness.Session
	speakers map[string]*Speaker
	segments map[string][]Segment // keyed by conversation|chunk
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions: make(map[string]*awareness.Session),
		speakers: make(map[string]*Speaker),
		segments: make(map[string][]Segment),
	}
}

func (r *memRepo) GetSession(id string) (*awareness.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: not found", id)
	}
	return s, nil
}

func (r *memRepo) ListSpeakers() ([]Speaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Speaker, 0, len(r.speakers))
	for _, s := range r.speakers {
		out = append(out, *s)
	}
	return out, nil
}

func (r *memRepo) GetSpeaker(id string) (*Speaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.speakers[id]
	if !ok {
		return nil, fmt.Errorf("speaker %s: not found", id)
	}
	clone := *s
	return &clone, nil
}

func (r *memRepo) SaveSpeaker(speaker *Speaker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *speaker
	r.speakers[speaker.ID] = &clone
	return nil
}

func (r *memRepo) ReplaceSegments(conversationID, chunkID string, segments []Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments[conversationID+"|"+chunkID] = segments
	return nil
}

func (r *memRepo) allSegments() []Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Segment
	for _, segs := range r.segments {
		out = append(out, segs...)
	}
	return out
}

// stubDiarizer returns canned segments per call, in order.
type stubDiarizer struct {
	responses []diarizeResponse
	calls     int
}

type diarizeResponse struct {
	segments []diarize.Segment
	err      error
}

func (d *stubDiarizer) Diarize(_ context.Context, _ []byte, _ string) ([]diarize.Segment, error) {
	if d.calls >= len(d.responses) {
		return nil, fmt.Errorf("unexpected diarize call %d", d.calls)
	}
	resp := d.responses[d.calls]
	d.calls++
	return resp.segments, resp.err
}

// stubEmbedder returns canned embeddings per call, in order.
type stubEmbedder struct {
	embeddings [][]float64
	errs       []error
	calls      int
}

func (e *stubEmbedder) Embed(_ context.Context, _ []byte) ([]float64, error) {
	i := e.calls
	e.calls++
	if i < len(e.errs) && e.errs[i] != nil {
		return nil, e.errs[i]
	}
	if i >= len(e.embeddings) {
		return nil, fmt.Errorf("unexpected embed call %d", i)
	}
	return e.embeddings[i], nil
}

func testSettings() *conf.Settings {
	s := &conf.Settings{}
	s.Realtime.Pipeline = conf.PipelineSettings{
		Workers:        2,
		QueueSize:      16,
		MinGroupMS:     250,
		MatchThreshold: 0.72,
		CentroidAlpha:  0.15,
		Language:       "en",
	}
	return s
}

func twoSpeakerSegments() []diarize.Segment {
	return []diarize.Segment{
		{Speaker: "S0", Text: "how was the trip", StartMS: 0, EndMS: 1400, Confidence: 0.9},
		{Speaker: "S1", Text: "pretty good actually", StartMS: 1500, EndMS: 2900, Confidence: 0.85},
		{Speaker: "S0", Text: "glad to hear it", StartMS: 3000, EndMS: 3900, Confidence: 0.8},
	}
}

func TestProcess_UnknownConversationIsTerminal(t *testing.T) {
	p := NewProcessor(testSettings(), newMemRepo(), &stubDiarizer{}, &stubEmbedder{}, nil)

	_, err := p.Process(context.Background(), "conv-missing")

	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestProcess_CreatesSpeakersAndBackfillsSegments(t *testing.T) {
	dir := t.TempDir()
	clip := writeTestWAV(t, dir, "chunk0.wav", 4000)
	repo := newMemRepo()
	repo.sessions["conv-1"] = &awareness.Session{ID: "conv-1", ClipPaths: []string{clip}}

	diarizer := &stubDiarizer{responses: []diarizeResponse{{segments: twoSpeakerSegments()}}}
	embedder := &stubEmbedder{embeddings: [][]float64{{1, 0, 0}, {0, 1, 0}}}
	p := NewProcessor(testSettings(), repo, diarizer, embedder, nil)

	result, err := p.Process(context.Background(), "conv-1")

	require.NoError(t, err)
	assert.Equal(t, 2, result.SpeakersCreated)
	assert.Equal(t, 1, result.ChunksProcessed)
	require.Len(t, result.Segments, 3)

	// Both S0 segments share one identity, distinct from S1's.
	assert.NotEmpty(t, result.Segments[0].SpeakerGlobalID)
	assert.Equal(t, result.Segments[0].SpeakerGlobalID, result.Segments[2].SpeakerGlobalID)
	assert.NotEqual(t, result.Segments[0].SpeakerGlobalID, result.Segments[1].SpeakerGlobalID)

	assert.Len(t, repo.speakers, 2)
	assert.Len(t, repo.allSegments(), 3)
}

func TestProcess_MatchUpdatesCentroidAndLastSeen(t *testing.T) {
	dir := t.TempDir()
	clip := writeTestWAV(t, dir, "chunk0.wav", 4000)
	repo := newMemRepo()
	repo.sessions["conv-1"] = &awareness.Session{ID: "conv-1", ClipPaths: []string{clip}}
	require.NoError(t, repo.SaveSpeaker(&Speaker{ID: "spk_known", Centroid: []float64{1, 0, 0}}))

	diarizer := &stubDiarizer{responses: []diarizeResponse{{segments: []diarize.Segment{
		{Speaker: "S0", Text: "hello again", StartMS: 0, EndMS: 1000, Confidence: 0.9},
	}}}}
	embedder := &stubEmbedder{embeddings: [][]float64{{0.95, 0.05, 0}}}
	p := NewProcessor(testSettings(), repo, diarizer, embedder, nil)

	result, err := p.Process(context.Background(), "conv-1")

	require.NoError(t, err)
	assert.Zero(t, result.SpeakersCreated)
	require.Len(t, result.Segments, 1)
	assert.Equal(t, "spk_known", result.Segments[0].SpeakerGlobalID)

	updated, err := repo.GetSpeaker("spk_known")
	require.NoError(t, err)
	assert.InDelta(t, 0.85*1+0.15*0.95, updated.Centroid[0], 1e-9)
	assert.InDelta(t, 0.15*0.05, updated.Centroid[1], 1e-9)
	assert.False(t, updated.LastSeenAt.IsZero())
}

func TestProcess_MissingChunkSkipped(t *testing.T) {
	dir := t.TempDir()
	clip0 := writeTestWAV(t, dir, "chunk0.wav", 2000)
	clip2 := writeTestWAV(t, dir, "chunk2.wav", 2000)
	repo := newMemRepo()
	repo.sessions["conv-1"] = &awareness.Session{
		ID:        "conv-1",
		ClipPaths: []string{clip0, dir + "/gone.wav", clip2},
	}

	seg := func(text string) []diarize.Segment {
		return []diarize.Segment{{Speaker: "S0", Text: text, StartMS: 0, EndMS: 1500, Confidence: 0.9}}
	}
	diarizer := &stubDiarizer{responses: []diarizeResponse{
		{segments: seg("first chunk")},
		{segments: seg("third chunk")},
	}}
	embedder := &stubEmbedder{embeddings: [][]float64{{1, 0}, {1, 0}}}
	p := NewProcessor(testSettings(), repo, diarizer, embedder, nil)

	result, err := p.Process(context.Background(), "conv-1")

	require.NoError(t, err)
	assert.Equal(t, 2, result.ChunksProcessed)
	assert.Equal(t, 1, result.ChunksSkipped)
	require.Len(t, result.Segments, 2)
	assert.Equal(t, "chunk_000", result.Segments[0].ChunkID)
	assert.Equal(t, "chunk_002", result.Segments[1].ChunkID)
}

func TestProcess_DiarizeFailureDegradesToNoSegments(t *testing.T) {
	dir := t.TempDir()
	clip := writeTestWAV(t, dir, "chunk0.wav", 2000)
	repo := newMemRepo()
	repo.sessions["conv-1"] = &awareness.Session{ID: "conv-1", ClipPaths: []string{clip}}

	diarizer := &stubDiarizer{responses: []diarizeResponse{{err: fmt.Errorf("service down")}}}
	p := NewProcessor(testSettings(), repo, diarizer, &stubEmbedder{}, nil)

	result, err := p.Process(context.Background(), "conv-1")

	require.NoError(t, err)
	assert.Empty(t, result.Segments)
	assert.Equal(t, 1, result.ChunksSkipped)
}

func TestProcess_ShortGroupPersistedWithoutIdentity(t *testing.T) {
	dir := t.TempDir()
	clip := writeTestWAV(t, dir, "chunk0.wav", 2000)
	repo := newMemRepo()
	repo.sessions["conv-1"] = &awareness.Session{ID: "conv-1", ClipPaths: []string{clip}}

	diarizer := &stubDiarizer{responses: []diarizeResponse{{segments: []diarize.Segment{
		{Speaker: "S0", Text: "mm", StartMS: 0, EndMS: 120, Confidence: 0.4},
	}}}}
	embedder := &stubEmbedder{}
	p := NewProcessor(testSettings(), repo, diarizer, embedder, nil)

	result, err := p.Process(context.Background(), "conv-1")

	require.NoError(t, err)
	require.Len(t, result.Segments, 1)
	assert.Empty(t, result.Segments[0].SpeakerGlobalID)
	assert.Zero(t, embedder.calls)
	assert.Zero(t, result.SpeakersCreated)
}

func TestProcess_EmbedFailureIsolatedPerGroup(t *testing.T) {
	dir := t.TempDir()
	clip := writeTestWAV(t, dir, "chunk0.wav", 4000)
	repo := newMemRepo()
	repo.sessions["conv-1"] = &awareness.Session{ID: "conv-1", ClipPaths: []string{clip}}

	diarizer := &stubDiarizer{responses: []diarizeResponse{{segments: twoSpeakerSegments()}}}
	embedder := &stubEmbedder{
		embeddings: [][]float64{nil, {0, 1, 0}},
		errs:       []error{fmt.Errorf("embedder hiccup"), nil},
	}
	p := NewProcessor(testSettings(), repo, diarizer, embedder, nil)

	result, err := p.Process(context.Background(), "conv-1")

	require.NoError(t, err)
	require.Len(t, result.Segments, 3)
	assert.Empty(t, result.Segments[0].SpeakerGlobalID)
	assert.Empty(t, result.Segments[2].SpeakerGlobalID)
	assert.NotEmpty(t, result.Segments[1].SpeakerGlobalID)
	assert.Equal(t, 1, result.SpeakersCreated)
}

func TestProcess_RerunReplacesSegments(t *testing.T) {
	dir := t.TempDir()
	clip := writeTestWAV(t, dir, "chunk0.wav", 4000)
	repo := newMemRepo()
	repo.sessions["conv-1"] = &awareness.Session{ID: "conv-1", ClipPaths: []string{clip}}

	diarizer := &stubDiarizer{responses: []diarizeResponse{
		{segments: twoSpeakerSegments()},
		{segments: twoSpeakerSegments()},
	}}
	embedder := &stubEmbedder{embeddings: [][]float64{{1, 0, 0}, {0, 1, 0}, {1, 0, 0}, {0, 1, 0}}}
	p := NewProcessor(testSettings(), repo, diarizer, embedder, nil)

	_, err := p.Process(context.Background(), "conv-1")
	require.NoError(t, err)
	second, err := p.Process(context.Background(), "conv-1")
	require.NoError(t, err)

	assert.Len(t, repo.allSegments(), 3)
	// Second run matches the speakers the first run created.
	assert.Zero(t, second.SpeakersCreated)
	assert.Len(t, repo.speakers, 2)
}

func TestProcess_PartnerNameAssignedToDominantSpeaker(t *testing.T) {
	dir := t.TempDir()
	clip := writeTestWAV(t, dir, "chunk0.wav", 4000)
	repo := newMemRepo()
	repo.sessions["conv-1"] = &awareness.Session{ID: "conv-1", ClipPaths: []string{clip}}

	cfg := testSettings()
	cfg.Realtime.Pipeline.PreferredPartnerName = "Alex"

	// S1 speaks longer than S0 overall.
	diarizer := &stubDiarizer{responses: []diarizeResponse{{segments: []diarize.Segment{
		{Speaker: "S0", Text: "short", StartMS: 0, EndMS: 500, Confidence: 0.9},
		{Speaker: "S1", Text: "a much longer turn", StartMS: 600, EndMS: 3500, Confidence: 0.9},
	}}}}
	embedder := &stubEmbedder{embeddings: [][]float64{{1, 0, 0}, {0, 1, 0}}}
	p := NewProcessor(cfg, repo, diarizer, embedder, nil)

	result, err := p.Process(context.Background(), "conv-1")
	require.NoError(t, err)

	dominant := result.Segments[1].SpeakerGlobalID
	named, err := repo.GetSpeaker(dominant)
	require.NoError(t, err)
	assert.Equal(t, "Alex", named.DisplayName)

	other, err := repo.GetSpeaker(result.Segments[0].SpeakerGlobalID)
	require.NoError(t, err)
	assert.Empty(t, other.DisplayName)
}

func TestProcess_PartnerNameNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	clip := writeTestWAV(t, dir, "chunk0.wav", 4000)
	repo := newMemRepo()
	repo.sessions["conv-1"] = &awareness.Session{ID: "conv-1", ClipPaths: []string{clip}}
	require.NoError(t, repo.SaveSpeaker(&Speaker{ID: "spk_named", DisplayName: "Sam", Centroid: []float64{0, 1, 0}}))

	cfg := testSettings()
	cfg.Realtime.Pipeline.PreferredPartnerName = "Alex"

	diarizer := &stubDiarizer{responses: []diarizeResponse{{segments: []diarize.Segment{
		{Speaker: "S0", Text: "hello there friend", StartMS: 0, EndMS: 3000, Confidence: 0.9},
	}}}}
	embedder := &stubEmbedder{embeddings: [][]float64{{0, 1, 0}}}
	p := NewProcessor(cfg, repo, diarizer, embedder, nil)

	_, err := p.Process(context.Background(), "conv-1")
	require.NoError(t, err)

	named, err := repo.GetSpeaker("spk_named")
	require.NoError(t, err)
	assert.Equal(t, "Sam", named.DisplayName)
}

func TestProcess_PartnerNameSkipsSelf(t *testing.T) {
	dir := t.TempDir()
	clip := writeTestWAV(t, dir, "chunk0.wav", 4000)
	repo := newMemRepo()
	repo.sessions["conv-1"] = &awareness.Session{ID: "conv-1", ClipPaths: []string{clip}}
	require.NoError(t, repo.SaveSpeaker(&Speaker{ID: "spk_me", DisplayName: "me", Centroid: []float64{1, 0, 0}}))

	cfg := testSettings()
	cfg.Realtime.Pipeline.PreferredPartnerName = "Alex"

	// Dominant speaker resolves to "me"; the shorter one gets the name.
	diarizer := &stubDiarizer{responses: []diarizeResponse{{segments: []diarize.Segment{
		{Speaker: "S0", Text: "I talk the most here by far", StartMS: 0, EndMS: 3000, Confidence: 0.9},
		{Speaker: "S1", Text: "brief reply", StartMS: 3100, EndMS: 3900, Confidence: 0.9},
	}}}}
	embedder := &stubEmbedder{embeddings: [][]float64{{1, 0, 0}, {0, 1, 0}}}
	p := NewProcessor(cfg, repo, diarizer, embedder, nil)

	result, err := p.Process(context.Background(), "conv-1")
	require.NoError(t, err)

	me, err := repo.GetSpeaker("spk_me")
	require.NoError(t, err)
	assert.Equal(t, "me", me.DisplayName)

	partner, err := repo.GetSpeaker(result.Segments[1].SpeakerGlobalID)
	require.NoError(t, err)
	assert.Equal(t, "Alex", partner.DisplayName)
}
