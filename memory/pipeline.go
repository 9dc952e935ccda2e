package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/metrics"
)

// Trigger names the signal that made a turn worth remembering.
type Trigger string

const (
	TriggerNone       Trigger = ""
	TriggerExplicit   Trigger = "explicit"
	TriggerPersonal   Trigger = "personal"
	TriggerEngagement Trigger = "engagement"
	TriggerInterest   Trigger = "interest"
)

// Reason explains why a turn produced no new memory.
type Reason string

const (
	ReasonShortAnswer         Reason = "short_answer"
	ReasonNoTrigger           Reason = "no_trigger"
	ReasonExtractFailed       Reason = "extract_failed"
	ReasonNoUpdate            Reason = "no_update"
	ReasonTooShort            Reason = "too_short"
	ReasonStructured          Reason = "structured"
	ReasonSelfReference       Reason = "self_reference"
	ReasonTooFewWords         Reason = "too_few_words"
	ReasonEcho                Reason = "echo"
	ReasonNearEcho            Reason = "near_echo"
	ReasonDuplicate           Reason = "duplicate"
	ReasonStructuralDuplicate Reason = "structural_duplicate"
	ReasonCapacity            Reason = "capacity"
)

// Outcome is the result of running one turn through the pipeline.
// Rejections are outcomes, not errors.
type Outcome struct {
	Stored  bool
	Merged  bool
	Trigger Trigger
	Reason  Reason
	ID      string
	Mode    Mode
	Content string
}

// triggerWeights are the personal confidence and engagement recorded for a
// memory, by trigger.
var triggerWeights = map[Trigger][2]float64{
	TriggerExplicit:   {0.9, 0.7},
	TriggerPersonal:   {0.8, 0.6},
	TriggerEngagement: {0.6, 0.85},
	TriggerInterest:   {0.6, 0.75},
}

const extractedFromMaxLen = 200

// Pipeline decides whether a conversation turn becomes a memory and writes
// it: trigger detection, extraction, validation, then merge or insert.
type Pipeline struct {
	router     *Router
	embedder   Embedder
	extractor  Extractor
	classifier InterestClassifier
	config     *Config
	lexicon    LexiconSource
	logger     *zap.Logger
	metrics    *metrics.Collector
	now        func() time.Time

	// mu serializes local writes so the capacity check and insert are atomic.
	mu sync.Mutex
}

// NewPipeline creates a pipeline. classifier may be nil.
func NewPipeline(router *Router, embedder Embedder, extractor Extractor, classifier InterestClassifier, opts ...Option) *Pipeline {
	o := buildOptions(opts)
	return &Pipeline{
		router:     router,
		embedder:   embedder,
		extractor:  extractor,
		classifier: classifier,
		config:     o.config,
		lexicon:    o.lexicon,
		logger:     o.logger.Named("memory.pipeline"),
		metrics:    o.metrics,
		now:        o.now,
	}
}

// Process runs a turn through the pipeline and reports whether a memory was
// stored or merged.
func (p *Pipeline) Process(ctx context.Context, question, answer string) (bool, error) {
	out, err := p.Run(ctx, question, answer)
	return out.Stored, err
}

// Run runs a turn through the pipeline. The error is non-nil only for
// storage or embedding failures on the local write path.
func (p *Pipeline) Run(ctx context.Context, question, answer string) (Outcome, error) {
	lex := p.lexicon.Lexicon()
	sel := p.router.Select()
	out := Outcome{Mode: sel.Mode}

	if utf8.RuneCountInString(strings.TrimSpace(answer)) < p.config.MinAnswerLength {
		return p.reject(out, ReasonShortAnswer), nil
	}

	out.Trigger = p.DetectTrigger(ctx, question, answer)
	if out.Trigger == TriggerNone {
		return p.reject(out, ReasonNoTrigger), nil
	}
	explicit := out.Trigger == TriggerExplicit

	raw, err := p.extract(ctx, question, answer, explicit)
	if err != nil {
		p.logger.Warn("Memory extraction failed", zap.Error(err))
		return p.reject(out, ReasonExtractFailed), nil
	}
	if reason := p.formatCheck(raw); reason != "" {
		return p.reject(out, reason), nil
	}
	candidate := Sanitize(raw)
	out.Content = candidate

	if sel.Mode == ModeRemote {
		reason, err := p.ShouldAccept(ctx, candidate, question, explicit, ModeRemote, nil)
		if err != nil {
			return out, err
		}
		if reason != "" {
			return p.reject(out, reason), nil
		}

		stored, err := sel.Backend.AddMemory(ctx, p.newRecord(candidate, question, out.Trigger, nil))
		if err == nil {
			out.Stored = true
			out.ID = stored.ID
			p.metrics.MemoryStored(string(ModeRemote), "insert")
			p.logger.Info("Stored memory", zap.String("mode", "remote"), zap.String("id", stored.ID))
			return out, nil
		}
		p.router.fallback("add_memory", err)
		out.Mode = ModeLocal
	}

	return p.writeLocal(ctx, lex, out, candidate, question, explicit)
}

// DetectTrigger finds the highest-priority trigger for a turn: an explicit
// request in either message, then personal and engagement hints in the
// question, then the interest classifier.
func (p *Pipeline) DetectTrigger(ctx context.Context, question, answer string) Trigger {
	lex := p.lexicon.Lexicon()
	switch {
	case lex.IsExplicitRequest(question) || lex.IsExplicitRequest(answer):
		return TriggerExplicit
	case lex.HasPersonalHint(question):
		return TriggerPersonal
	case lex.HasEngagementHint(question):
		return TriggerEngagement
	}

	if p.classifier == nil {
		return TriggerNone
	}
	interested, err := p.classifier.ClassifyInterest(ctx, question, answer)
	if err != nil {
		p.logger.Debug("Interest classification failed", zap.Error(err))
		return TriggerNone
	}
	if interested {
		return TriggerInterest
	}
	return TriggerNone
}

// ShouldAccept validates a candidate memory. It returns "" when the
// candidate is accepted, otherwise the rejection reason. existing is only
// consulted in local mode.
func (p *Pipeline) ShouldAccept(ctx context.Context, candidate, question string, explicit bool, mode Mode, existing []core.MemoryRecord) (Reason, error) {
	emb, err := p.embedder.Embed(ctx, candidate)
	if err != nil {
		return "", fmt.Errorf("failed to embed candidate: %w", err)
	}
	return p.validate(ctx, p.lexicon.Lexicon(), candidate, emb, question, explicit, mode, existing)
}

func (p *Pipeline) validate(ctx context.Context, lex *Lexicon, candidate string, emb []float32, question string, explicit bool, mode Mode, existing []core.MemoryRecord) (Reason, error) {
	if lex.IsSelfReferential(candidate) && !lex.HasBusinessContext(candidate) {
		return ReasonSelfReference, nil
	}
	if WordCount(candidate) < p.config.MinMemoryWords {
		return ReasonTooFewWords, nil
	}
	if explicit {
		return "", nil
	}

	if strings.TrimSpace(question) != "" {
		if NormalizeText(candidate) == NormalizeText(question) {
			return ReasonEcho, nil
		}
		qEmb, err := p.embedder.Embed(ctx, question)
		if err != nil {
			return "", fmt.Errorf("failed to embed question: %w", err)
		}
		if CosineSimilarity(emb, qEmb) >= p.config.EchoThreshold {
			return ReasonNearEcho, nil
		}
	}

	if mode != ModeLocal {
		return "", nil
	}
	for _, rec := range existing {
		if len(rec.Embedding) > 0 && CosineSimilarity(emb, rec.Embedding) >= p.config.DuplicateThreshold {
			return ReasonDuplicate, nil
		}
		if WordOverlap(candidate, rec.Content) > p.config.StructuralOverlap {
			return ReasonStructuralDuplicate, nil
		}
	}
	return "", nil
}

func (p *Pipeline) writeLocal(ctx context.Context, lex *Lexicon, out Outcome, candidate, question string, explicit bool) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	local := p.router.Local()
	existing, err := local.GetUserMemories(ctx)
	if err != nil {
		return out, fmt.Errorf("failed to list local memories: %w", err)
	}
	if existing, err = p.ensureEmbeddings(ctx, existing); err != nil {
		return out, err
	}

	emb, err := p.embedder.Embed(ctx, candidate)
	if err != nil {
		return out, fmt.Errorf("failed to embed candidate: %w", err)
	}
	reason, err := p.validate(ctx, lex, candidate, emb, question, explicit, ModeLocal, existing)
	if err != nil {
		return out, err
	}
	switch reason {
	case "":
	case ReasonDuplicate, ReasonStructuralDuplicate:
		// Duplicates fold into the record they match.
		out.Reason = reason
	default:
		return p.reject(out, reason), nil
	}

	if target := p.mergeTarget(lex, candidate, emb, existing); target != nil {
		return p.merge(ctx, local, out, *target, candidate)
	}
	if out.Reason != "" {
		return p.reject(out, out.Reason), nil
	}

	if len(existing) >= p.config.MaxLocalRecords {
		p.logger.Info("Local memory store is full", zap.Int("count", len(existing)))
		return p.reject(out, ReasonCapacity), nil
	}

	stored, err := local.AddMemory(ctx, p.newRecord(candidate, question, out.Trigger, emb))
	if errors.Is(err, ErrCapacityExceeded) {
		return p.reject(out, ReasonCapacity), nil
	}
	if err != nil {
		return out, fmt.Errorf("failed to store memory: %w", err)
	}

	out.Stored = true
	out.ID = stored.ID
	p.metrics.MemoryStored(string(ModeLocal), "insert")
	p.logger.Info("Stored memory", zap.String("mode", "local"), zap.String("id", stored.ID))
	return out, nil
}

// mergeTarget returns the existing memory the candidate should be folded
// into, preferring structural duplicates, then the most similar. Near
// duplicates are eligible even when the candidate is voice-shifted.
func (p *Pipeline) mergeTarget(lex *Lexicon, candidate string, emb []float32, existing []core.MemoryRecord) *core.MemoryRecord {
	shifted := lex.IsVoiceShifted(candidate)
	floor := p.config.mergeFloor()

	var best *core.MemoryRecord
	bestStructural := false
	bestSim := -2.0
	for i := range existing {
		rec := &existing[i]
		sim := CosineSimilarity(emb, rec.Embedding)
		structural := WordOverlap(candidate, rec.Content) > p.config.StructuralOverlap
		duplicate := len(rec.Embedding) > 0 && sim >= p.config.DuplicateThreshold
		if !structural && !duplicate && (shifted || sim < floor) {
			continue
		}
		if best == nil || (structural && !bestStructural) || (structural == bestStructural && sim > bestSim) {
			best, bestStructural, bestSim = rec, structural, sim
		}
	}
	return best
}

func (p *Pipeline) merge(ctx context.Context, local Backend, out Outcome, target core.MemoryRecord, candidate string) (Outcome, error) {
	now := p.now()
	patch := core.MemoryPatch{LastReferencedAt: &now}

	merged := target.Content
	// A candidate that adds no words leaves the record's text alone.
	if WordOverlap(target.Content, candidate) < 1 {
		merged = MergeContent(target.Content, candidate)
	}
	if merged != target.Content {
		emb, err := p.embedder.Embed(ctx, merged)
		if err != nil {
			return out, fmt.Errorf("failed to embed merged memory: %w", err)
		}
		patch.Content = &merged
		patch.Embedding = emb
	}

	if err := local.UpdateMemory(ctx, target.ID, patch); err != nil {
		return out, fmt.Errorf("failed to merge memory %s: %w", target.ID, err)
	}

	out.Stored = true
	out.Merged = true
	out.ID = target.ID
	out.Content = merged
	p.metrics.MemoryStored(string(ModeLocal), "merge")
	p.logger.Info("Merged memory", zap.String("id", target.ID))
	return out, nil
}

// MergeContent appends addition to existing unless it is already contained.
// Both texts are sanitized first.
func MergeContent(existing, addition string) string {
	base := Sanitize(existing)
	add := Sanitize(addition)
	if add == "" || strings.Contains(strings.ToLower(base), strings.ToLower(add)) {
		return base
	}
	if base == "" {
		return add
	}
	if strings.HasSuffix(base, ".") || strings.HasSuffix(base, "!") || strings.HasSuffix(base, "?") {
		return base + " " + add
	}
	return base + ". " + add
}

func (p *Pipeline) ensureEmbeddings(ctx context.Context, recs []core.MemoryRecord) ([]core.MemoryRecord, error) {
	for i := range recs {
		if len(recs[i].Embedding) > 0 {
			continue
		}
		emb, err := p.embedder.Embed(ctx, recs[i].Content)
		if err != nil {
			return nil, fmt.Errorf("failed to embed memory %s: %w", recs[i].ID, err)
		}
		recs[i].Embedding = emb
	}
	return recs, nil
}

func (p *Pipeline) extract(ctx context.Context, question, answer string, explicit bool) (string, error) {
	raw, err := p.extractor.ExtractMemory(ctx, question, answer, false)
	if err != nil {
		return "", err
	}
	if explicit && IsNoUpdate(raw) {
		p.logger.Debug("Explicit request produced no memory, retrying with force")
		return p.extractor.ExtractMemory(ctx, question, answer, true)
	}
	return raw, nil
}

func (p *Pipeline) formatCheck(raw string) Reason {
	trimmed := strings.TrimSpace(raw)
	switch {
	case IsNoUpdate(trimmed):
		return ReasonNoUpdate
	case utf8.RuneCountInString(trimmed) < p.config.MinMemoryLength:
		return ReasonTooShort
	case strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "["):
		return ReasonStructured
	}
	return ""
}

// IsNoUpdate reports whether s is the extractor's "nothing to remember"
// sentinel, in any case, with or without the underscore.
func IsNoUpdate(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ".!\"'`*")
	return s == "no_update" || s == "no update" || strings.HasPrefix(s, "no_update")
}

func (p *Pipeline) newRecord(content, question string, trig Trigger, emb []float32) core.MemoryRecord {
	lex := p.lexicon.Lexicon()
	now := p.now()

	source := core.SourceAuto
	if trig == TriggerExplicit {
		source = core.SourceUser
	}
	w := triggerWeights[trig]
	topic := lex.DetectTopic(content)

	var tags []string
	if topic != "" {
		tags = []string{topic}
	}

	return core.MemoryRecord{
		Content:          content,
		Tags:             tags,
		Source:           source,
		Embedding:        emb,
		UploadedAt:       now,
		LastReferencedAt: now,
		Metadata: &core.MemoryMetadata{
			PersonalConfidence: core.Float(w[0]),
			Engagement:         core.Float(w[1]),
			Topic:              topic,
			ExtractedFrom:      truncate(strings.TrimSpace(question), extractedFromMaxLen),
		},
	}
}

func (p *Pipeline) reject(out Outcome, reason Reason) Outcome {
	out.Reason = reason
	p.metrics.MemoryRejected(string(reason))
	p.logger.Debug("Turn not remembered",
		zap.String("reason", string(reason)),
		zap.String("trigger", string(out.Trigger)),
	)
	return out
}
