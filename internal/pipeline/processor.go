package pipeline

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/earshot/earshot-go/internal/awareness"
	"github.com/earshot/earshot-go/internal/cluster"
	"github.com/earshot/earshot-go/internal/conf"
	"github.com/earshot/earshot-go/internal/diarize"
	"github.com/earshot/earshot-go/internal/errors"
	"github.com/earshot/earshot-go/internal/logging"
	"github.com/earshot/earshot-go/internal/observability"
)

const (
	candidateCacheKey = "speaker-candidates"
	candidateCacheTTL = 30 * time.Second
)

// Repository is the persistence boundary the pipeline needs.
type Repository interface {
	GetSession(id string) (*awareness.Session, error)
	ListSpeakers() ([]Speaker, error)
	GetSpeaker(id string) (*Speaker, error)
	SaveSpeaker(speaker *Speaker) error
	ReplaceSegments(conversationID, chunkID string, segments []Segment) error
}

// Diarizer is the transcription+diarization collaborator.
type Diarizer interface {
	Diarize(ctx context.Context, audio []byte, language string) ([]diarize.Segment, error)
}

// Embedder is the voice embedding collaborator.
type Embedder interface {
	Embed(ctx context.Context, audio []byte) ([]float64, error)
}

// Processor runs the conversation processing pipeline for finished sessions.
// Multiple runs for different conversations may execute concurrently; the
// only shared mutable state is the speaker corpus, guarded per speaker.
type Processor struct {
	cfg      *conf.Settings
	repo     Repository
	diarizer Diarizer
	embedder Embedder
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	candidates *gocache.Cache

	lockMu       sync.Mutex
	speakerLocks map[string]*sync.Mutex
}

// NewProcessor creates a pipeline processor.
func NewProcessor(cfg *conf.Settings, repo Repository, d Diarizer, e Embedder, m *observability.Metrics) *Processor {
	return &Processor{
		cfg:          cfg,
		repo:         repo,
		diarizer:     d,
		embedder:     e,
		metrics:      m,
		logger:       logging.ForService("pipeline"),
		now:          time.Now,
		candidates:   gocache.New(candidateCacheTTL, time.Minute),
		speakerLocks: make(map[string]*sync.Mutex),
	}
}

// Process diarizes a finished conversation's clips, resolves speaker
// identities and persists transcript segments. Re-running is safe: segments
// are replaced per chunk, centroid updates converge. The only terminal error
// is an unknown conversation; everything else degrades per chunk or per
// speaker group.
func (p *Processor) Process(ctx context.Context, conversationID string) (*Result, error) {
	session, err := p.repo.GetSession(conversationID)
	if err != nil {
		p.countRun("error")
		return nil, errors.New(err).Component("pipeline").Category(errors.CategoryNotFound).
			Context("conversation_id", conversationID).Build()
	}

	result := &Result{ConversationID: conversationID}
	durationByGlobal := make(map[string]int)

	for i, clipPath := range session.ClipPaths {
		chunkID := ChunkID(i)

		audio, err := os.ReadFile(clipPath)
		if err != nil {
			p.logger.Warn("chunk unreadable, skipping",
				"conversation_id", conversationID, "chunk_id", chunkID, "error", err)
			p.countChunk("skipped")
			result.ChunksSkipped++
			continue
		}

		diarized, err := p.diarizer.Diarize(ctx, audio, p.cfg.Realtime.Pipeline.Language)
		if err != nil {
			p.logger.Warn("diarization failed, no segments for chunk",
				"conversation_id", conversationID, "chunk_id", chunkID, "error", err)
			p.countChunk("failed")
			result.ChunksSkipped++
			continue
		}

		segments := p.processChunk(ctx, conversationID, chunkID, clipPath, diarized, result, durationByGlobal)
		if err := p.repo.ReplaceSegments(conversationID, chunkID, segments); err != nil {
			p.countRun("error")
			return nil, errors.New(err).Component("pipeline").Category(errors.CategoryDatabase).
				Context("conversation_id", conversationID).Context("chunk_id", chunkID).Build()
		}
		result.Segments = append(result.Segments, segments...)
		p.countChunk("ok")
		result.ChunksProcessed++
	}

	p.applyPartnerName(durationByGlobal)

	p.countRun("ok")
	p.logger.Info("conversation processed",
		"conversation_id", conversationID,
		"chunks", result.ChunksProcessed,
		"skipped", result.ChunksSkipped,
		"segments", len(result.Segments),
		"speakers_created", result.SpeakersCreated,
	)
	return result, nil
}

// processChunk resolves every local-label group of one chunk and returns the
// chunk's segments in diarizer order, backfilled with global speaker ids.
func (p *Processor) processChunk(ctx context.Context, conversationID, chunkID, clipPath string,
	diarized []diarize.Segment, result *Result, durationByGlobal map[string]int) []Segment {

	groups := make(map[string][]diarize.Segment)
	order := make([]string, 0, 4)
	for _, seg := range diarized {
		if _, seen := groups[seg.Speaker]; !seen {
			order = append(order, seg.Speaker)
		}
		groups[seg.Speaker] = append(groups[seg.Speaker], seg)
	}

	globalByLocal := make(map[string]string, len(order))
	for _, local := range order {
		globalByLocal[local] = p.resolveGroup(ctx, clipPath, groups[local], result)
	}

	segments := make([]Segment, 0, len(diarized))
	for _, seg := range diarized {
		globalID := globalByLocal[seg.Speaker]
		segments = append(segments, Segment{
			ID:              uuid.NewString(),
			ConversationID:  conversationID,
			ChunkID:         chunkID,
			SpeakerLocal:    seg.Speaker,
			SpeakerGlobalID: globalID,
			StartMS:         seg.StartMS,
			EndMS:           seg.EndMS,
			Text:            seg.Text,
			Confidence:      seg.Confidence,
		})
		if globalID != "" {
			durationByGlobal[globalID] += seg.DurationMS()
		}
	}
	return segments
}

// resolveGroup embeds one local-label group and resolves its global speaker
// identity. Returns "" when the group is too short or any step fails; the
// group's segments are then persisted without a global id.
func (p *Processor) resolveGroup(ctx context.Context, clipPath string, group []diarize.Segment, result *Result) string {
	cfg := &p.cfg.Realtime.Pipeline

	totalMS := 0
	ranges := make([]Range, 0, len(group))
	for _, seg := range group {
		totalMS += seg.DurationMS()
		ranges = append(ranges, Range{StartMS: seg.StartMS, EndMS: seg.EndMS})
	}
	if totalMS < cfg.MinGroupMS {
		return ""
	}

	sliced, err := SliceWAV(clipPath, ranges)
	if err != nil {
		p.logger.Warn("audio slicing failed for speaker group", "clip", clipPath, "error", err)
		return ""
	}
	embedding, err := p.embedder.Embed(ctx, sliced)
	if err != nil {
		p.logger.Warn("embedding failed for speaker group", "clip", clipPath, "error", err)
		return ""
	}

	candidates, err := p.loadCandidates()
	if err != nil {
		p.logger.Warn("speaker corpus unavailable", "error", err)
		return ""
	}

	match := cluster.BestMatch(embedding, candidates, cfg.MatchThreshold)
	if match.SpeakerID != "" {
		if err := p.absorbEmbedding(match.SpeakerID, embedding); err != nil {
			p.logger.Warn("centroid update failed", "speaker_id", match.SpeakerID, "error", err)
			return ""
		}
		if p.metrics != nil {
			p.metrics.SpeakersMatched.Inc()
		}
		return match.SpeakerID
	}

	p.logger.Debug("no speaker matched, creating identity", "best_score", match.Score)
	speaker := &Speaker{
		ID:         NewSpeakerID(),
		Centroid:   embedding,
		CreatedAt:  p.now(),
		LastSeenAt: p.now(),
	}
	if err := p.repo.SaveSpeaker(speaker); err != nil {
		p.logger.Warn("speaker creation failed", "error", err)
		return ""
	}
	p.candidates.Delete(candidateCacheKey)
	result.SpeakersCreated++
	if p.metrics != nil {
		p.metrics.SpeakersCreated.Inc()
	}
	return speaker.ID
}

// absorbEmbedding folds an embedding into a speaker's centroid. Reload and
// update happen under a per-speaker lock so concurrent pipelines never lose
// a read-modify-write.
func (p *Processor) absorbEmbedding(speakerID string, embedding []float64) error {
	lock := p.speakerLock(speakerID)
	lock.Lock()
	defer lock.Unlock()

	speaker, err := p.repo.GetSpeaker(speakerID)
	if err != nil {
		return err
	}
	speaker.Centroid = cluster.UpdateCentroid(speaker.Centroid, embedding, p.cfg.Realtime.Pipeline.CentroidAlpha)
	speaker.LastSeenAt = p.now()
	if err := p.repo.SaveSpeaker(speaker); err != nil {
		return err
	}
	p.candidates.Delete(candidateCacheKey)
	return nil
}

func (p *Processor) speakerLock(speakerID string) *sync.Mutex {
	p.lockMu.Lock()
	defer p.lockMu.Unlock()
	lock, ok := p.speakerLocks[speakerID]
	if !ok {
		lock = &sync.Mutex{}
		p.speakerLocks[speakerID] = lock
	}
	return lock
}

// loadCandidates returns the speaker corpus as match candidates, cached
// briefly so concurrent pipelines do not reload it per chunk.
func (p *Processor) loadCandidates() ([]cluster.Candidate, error) {
	if cached, ok := p.candidates.Get(candidateCacheKey); ok {
		return cached.([]cluster.Candidate), nil
	}
	speakers, err := p.repo.ListSpeakers()
	if err != nil {
		return nil, err
	}
	candidates := make([]cluster.Candidate, 0, len(speakers))
	for i := range speakers {
		candidates = append(candidates, cluster.Candidate{
			SpeakerID: speakers[i].ID,
			Centroid:  speakers[i].Centroid,
		})
	}
	p.candidates.Set(candidateCacheKey, candidates, candidateCacheTTL)
	return candidates, nil
}

// applyPartnerName names the dominant unnamed speaker of the conversation
// after the configured preferred partner. Runs at most once per conversation
// and never overwrites an existing display name.
func (p *Processor) applyPartnerName(durationByGlobal map[string]int) {
	name := p.cfg.Realtime.Pipeline.PreferredPartnerName
	if name == "" || len(durationByGlobal) == 0 {
		return
	}

	ids := make([]string, 0, len(durationByGlobal))
	for id := range durationByGlobal {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if durationByGlobal[ids[i]] != durationByGlobal[ids[j]] {
			return durationByGlobal[ids[i]] > durationByGlobal[ids[j]]
		}
		return ids[i] < ids[j]
	})

	for _, id := range ids {
		speaker, err := p.repo.GetSpeaker(id)
		if err != nil {
			continue
		}
		lower := strings.ToLower(speaker.DisplayName)
		if lower == "me" || lower == "self" {
			continue
		}
		if speaker.DisplayName == "" {
			speaker.DisplayName = name
			if err := p.repo.SaveSpeaker(speaker); err != nil {
				p.logger.Warn("partner naming failed", "speaker_id", id, "error", err)
			}
		}
		return
	}
}

func (p *Processor) countRun(outcome string) {
	if p.metrics != nil {
		p.metrics.PipelineRuns.WithLabelValues(outcome).Inc()
	}
}

func (p *Processor) countChunk(outcome string) {
	if p.metrics != nil {
		p.metrics.ChunksProcessed.WithLabelValues(outcome).Inc()
	}
}
