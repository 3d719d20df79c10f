// Package diarize attributes recognized speech to speaker identities without
// prior enrollment.
//
// The Engine keeps an arena of voice profiles indexed by id. Frames are
// clustered by cosine similarity against each profile's running centroid; a
// frame that matches nothing above the similarity threshold opens a new
// profile. Merging aliases one profile to another through a redirect table,
// so retired ids are never reused and historical ids keep resolving.
package diarize

import (
	"fmt"
	"math"
	"sync"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/metrics"
	"github.com/tiroq/memoscribe/internal/pcm"
)

// Config holds the clustering heuristics. Zero fields take the defaults from
// DefaultConfig.
type Config struct {
	SimilarityThreshold float64 `json:"similarity_threshold"` // min cosine to join a profile
	AmbiguityMargin     float64 `json:"ambiguity_margin"`     // runner-up within this of the best is ambiguous
	ConfidenceGrowth    float64 `json:"confidence_growth"`    // fraction of the gap to 1.0 closed per consistent frame
	ConfidenceDecay     float64 `json:"confidence_decay"`     // fraction of the gap to 0.5 closed per ambiguous frame
	SilenceFloorDB      float64 `json:"silence_floor_db"`     // frames quieter than this are ignored
	HistorySeconds      float64 `json:"history_seconds"`      // attribution history kept for Attribute
	MaxCentroidWeight   int     `json:"max_centroid_weight"`  // caps the running-mean weight so centroids can drift
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.75,
		AmbiguityMargin:     0.05,
		ConfidenceGrowth:    0.05,
		ConfidenceDecay:     0.25,
		SilenceFloorDB:      -45,
		HistorySeconds:      300,
		MaxCentroidWeight:   200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.AmbiguityMargin == 0 {
		c.AmbiguityMargin = d.AmbiguityMargin
	}
	if c.ConfidenceGrowth == 0 {
		c.ConfidenceGrowth = d.ConfidenceGrowth
	}
	if c.ConfidenceDecay == 0 {
		c.ConfidenceDecay = d.ConfidenceDecay
	}
	if c.SilenceFloorDB == 0 {
		c.SilenceFloorDB = d.SilenceFloorDB
	}
	if c.HistorySeconds == 0 {
		c.HistorySeconds = d.HistorySeconds
	}
	if c.MaxCentroidWeight == 0 {
		c.MaxCentroidWeight = d.MaxCentroidWeight
	}
	return c
}

// Frame is one short window of live audio. Start and End are stream-relative
// seconds. When Embedding is nil the engine's Embedder computes one from
// Samples.
type Frame struct {
	Start      float64
	End        float64
	Samples    []float32
	SampleRate int
	Embedding  []float64
}

type attribution struct {
	start, end float64
	id         asr.SpeakerID
}

// initialConfidence is where every new profile starts; ambiguity pulls back
// toward it and consistent attribution pushes away toward 1.0.
const initialConfidence = 0.5

// tieEpsilon treats similarity scores this close as equal.
const tieEpsilon = 1e-9

// Engine is the voice diarization engine for one session. Attribute and the
// read accessors share a read lock; Observe, Rename, Merge and Restore take
// the write lock.
type Engine struct {
	mu       sync.RWMutex
	cfg      Config
	embedder Embedder

	profiles []*profile
	alias    map[asr.SpeakerID]asr.SpeakerID
	history  []attribution

	current    asr.SpeakerID
	hasCurrent bool
	clock      uint64
	sessionID  string

	log diaglog.Scope
}

// NewEngine creates an engine with cfg (zero fields defaulted) and the
// SpectralEmbedder.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		cfg:      cfg.withDefaults(),
		embedder: SpectralEmbedder{},
		alias:    make(map[asr.SpeakerID]asr.SpeakerID),
	}
	e.log.Component = diaglog.ComponentDiarizer
	return e
}

// SetEmbedder replaces the embedder used for frames without an embedding.
func (e *Engine) SetEmbedder(emb Embedder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.embedder = emb
}

// SetLogger injects a diaglog.Logger; sessionID tags every entry.
func (e *Engine) SetLogger(l *diaglog.Logger, sessionID string) {
	e.mu.Lock()
	e.sessionID = sessionID
	e.mu.Unlock()
	e.log.Set(l)
}

// Observe folds one audio frame into the clustering state.
func (e *Engine) Observe(f Frame) {
	emb := f.Embedding
	if emb == nil {
		if pcm.EnergyDB(f.Samples) < e.cfg.SilenceFloorDB {
			metrics.FramesSilent.Inc()
			return
		}
		e.mu.RLock()
		embedder := e.embedder
		e.mu.RUnlock()
		emb = embedder.Embed(f.Samples, f.SampleRate)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	dur := math.Max(0, f.End-f.Start)

	best, ambiguous := e.match(emb)
	if best == nil {
		best = e.create()
	}
	e.clock++
	best.lastActive = e.clock

	switch {
	case len(best.centroid) == 0:
		best.centroid = append([]float64(nil), emb...)
	case len(best.centroid) == len(emb):
		w := float64(min(best.SampleCount, e.cfg.MaxCentroidWeight))
		for i := range best.centroid {
			best.centroid[i] += (emb[i] - best.centroid[i]) / (w + 1)
		}
	}
	best.SampleCount++
	best.TotalDuration += dur

	if ambiguous {
		metrics.FramesAmbiguous.Inc()
		best.Confidence += (initialConfidence - best.Confidence) * e.cfg.ConfidenceDecay
	} else if best.SampleCount > 1 {
		best.Confidence += (1 - best.Confidence) * e.cfg.ConfidenceGrowth
	}
	metrics.FramesObserved.Inc()

	e.current, e.hasCurrent = best.ID, true
	e.history = append(e.history, attribution{start: f.Start, end: f.End, id: best.ID})
	e.pruneHistory(f.End)
}

// match returns the profile emb belongs to, or nil when a new profile is
// needed. An unseeded profile (created by Attribute before any audio) absorbs
// the first unmatched frame. Must be called with the write lock held.
func (e *Engine) match(emb []float64) (*profile, bool) {
	var best, second *profile
	var bestSim, secondSim float64 = math.Inf(-1), math.Inf(-1)
	var unseeded *profile

	for _, p := range e.profiles {
		if p.retired {
			continue
		}
		if len(p.centroid) == 0 {
			if unseeded == nil {
				unseeded = p
			}
			continue
		}
		sim := cosine(emb, p.centroid)
		switch {
		case best == nil || sim > bestSim+tieEpsilon ||
			(math.Abs(sim-bestSim) <= tieEpsilon && p.lastActive > best.lastActive):
			second, secondSim = best, bestSim
			best, bestSim = p, sim
		case second == nil || sim > secondSim:
			second, secondSim = p, sim
		}
	}

	if best == nil || bestSim < e.cfg.SimilarityThreshold {
		return unseeded, false
	}
	ambiguous := second != nil && secondSim >= e.cfg.SimilarityThreshold &&
		bestSim-secondSim < e.cfg.AmbiguityMargin
	return best, ambiguous
}

// create appends a new profile to the arena. Must be called with the write
// lock held.
func (e *Engine) create() *profile {
	id := asr.SpeakerID(len(e.profiles))
	p := &profile{VoiceProfile: VoiceProfile{
		ID:           id,
		DisplayLabel: DefaultLabel(id),
		ColorTag:     DefaultColor(id),
		Confidence:   initialConfidence,
	}}
	e.profiles = append(e.profiles, p)
	metrics.ProfilesActive.Inc()
	e.log.Log(diaglog.LogEntry{
		Event:     diaglog.EventSpeakerCreated,
		SessionID: e.sessionID,
		Payload:   map[string]interface{}{"id": int(id), "label": p.DisplayLabel},
	})
	return p
}

func (e *Engine) pruneHistory(now float64) {
	cutoff := now - e.cfg.HistorySeconds
	i := 0
	for i < len(e.history) && e.history[i].end < cutoff {
		i++
	}
	if i > 0 {
		e.history = append(e.history[:0], e.history[i:]...)
	}
}

// Attribute returns the speaker for the time range [start, end] and a
// confidence in [0, 1]. Overlapping frames vote by overlap duration after
// alias resolution; ties go to the most recently active profile. With no
// overlapping frames the current speaker is returned. The first call of a
// session with no profiles creates profile 0.
func (e *Engine) Attribute(start, end float64) (asr.SpeakerID, float64) {
	if end < start {
		start, end = end, start
	}

	e.mu.RLock()
	if len(e.profiles) == 0 {
		e.mu.RUnlock()
		e.mu.Lock()
		if len(e.profiles) == 0 {
			e.create()
		}
		e.mu.Unlock()
		e.mu.RLock()
	}
	defer e.mu.RUnlock()

	votes := make(map[asr.SpeakerID]float64)
	var total float64
	for _, a := range e.history {
		if a.end < start || a.start > end {
			continue
		}
		w := math.Min(a.end, end) - math.Max(a.start, start)
		if w <= 0 {
			// point lookups and zero-length frames still count
			w = 1e-3
		}
		votes[e.resolve(a.id)] += w
		total += w
	}

	if total == 0 {
		id := asr.SpeakerID(0)
		if e.hasCurrent {
			id = e.current
		}
		p := e.profiles[e.resolve(id)]
		return p.ID, p.Confidence
	}

	var winner *profile
	var winnerVotes float64
	for id, v := range votes {
		p := e.profiles[id]
		if winner == nil || v > winnerVotes+tieEpsilon ||
			(math.Abs(v-winnerVotes) <= tieEpsilon && p.lastActive > winner.lastActive) {
			winner, winnerVotes = p, v
		}
	}
	return winner.ID, winner.Confidence * winnerVotes / total
}

// CurrentSpeakerID returns the resolved speaker of the most recent frame.
func (e *Engine) CurrentSpeakerID() (asr.SpeakerID, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.hasCurrent {
		return 0, false
	}
	return e.resolve(e.current), true
}

// Speakers returns the live profiles in first-detected order. Merged-away
// profiles are not listed.
func (e *Engine) Speakers() []VoiceProfile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]VoiceProfile, 0, len(e.profiles))
	for _, p := range e.profiles {
		if !p.retired {
			out = append(out, p.VoiceProfile)
		}
	}
	return out
}

// GetSpeaker returns the profile id resolves to. A merged-away id yields its
// merge target.
func (e *Engine) GetSpeaker(id asr.SpeakerID) (VoiceProfile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.known(id) {
		return VoiceProfile{}, false
	}
	return e.profiles[e.resolve(id)].VoiceProfile, true
}

// Resolve maps id through the alias table. Unknown ids are returned as is.
func (e *Engine) Resolve(id asr.SpeakerID) asr.SpeakerID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.resolve(id)
}

func (e *Engine) resolve(id asr.SpeakerID) asr.SpeakerID {
	for {
		t, ok := e.alias[id]
		if !ok {
			return id
		}
		id = t
	}
}

func (e *Engine) known(id asr.SpeakerID) bool {
	return id >= 0 && int(id) < len(e.profiles)
}

// Rename replaces the display label of id. Clustering state is untouched.
func (e *Engine) Rename(id asr.SpeakerID, label string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.known(id) {
		return fmt.Errorf("%w: %d", ErrUnknownSpeaker, id)
	}
	p := e.profiles[id]
	if p.retired {
		return fmt.Errorf("%w: %d", ErrRetired, id)
	}
	old := p.DisplayLabel
	p.DisplayLabel = label
	e.log.Log(diaglog.LogEntry{
		Event:     diaglog.EventSpeakerRenamed,
		SessionID: e.sessionID,
		Payload:   map[string]interface{}{"id": int(id), "from": old, "to": label},
	})
	return nil
}

// Merge folds source into target. Counts add up, confidence becomes the
// sample-weighted average, and source is retired: every past and future
// attribution to source resolves to target. Merge cannot be undone.
func (e *Engine) Merge(source, target asr.SpeakerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.known(source) {
		return fmt.Errorf("%w: %d", ErrUnknownSpeaker, source)
	}
	if !e.known(target) {
		return fmt.Errorf("%w: %d", ErrUnknownSpeaker, target)
	}
	src := e.profiles[source]
	if src.retired {
		return fmt.Errorf("%w: %d", ErrRetired, source)
	}
	dst := e.profiles[e.resolve(target)]
	if dst.ID == src.ID {
		return fmt.Errorf("%w: %d", ErrSameSpeaker, source)
	}

	sn, dn := float64(src.SampleCount), float64(dst.SampleCount)
	if sn+dn > 0 {
		dst.Confidence = (dst.Confidence*dn + src.Confidence*sn) / (sn + dn)
	}
	switch {
	case len(dst.centroid) == 0:
		dst.centroid = src.centroid
	case len(src.centroid) == len(dst.centroid) && sn+dn > 0:
		for i := range dst.centroid {
			dst.centroid[i] = (dst.centroid[i]*dn + src.centroid[i]*sn) / (sn + dn)
		}
	}
	dst.SampleCount += src.SampleCount
	dst.TotalDuration += src.TotalDuration
	if src.lastActive > dst.lastActive {
		dst.lastActive = src.lastActive
	}

	src.retired = true
	src.centroid = nil
	e.alias[src.ID] = dst.ID
	// keep every redirect one hop deep
	for from, to := range e.alias {
		if to == src.ID {
			e.alias[from] = dst.ID
		}
	}
	if e.hasCurrent && e.current == src.ID {
		e.current = dst.ID
	}

	metrics.SpeakerMerges.Inc()
	metrics.ProfilesActive.Dec()
	e.log.Log(diaglog.LogEntry{
		Event:     diaglog.EventSpeakerMerged,
		SessionID: e.sessionID,
		Payload:   map[string]interface{}{"source": int(src.ID), "target": int(dst.ID)},
	})
	return nil
}

// Export captures all profiles and aliases for persistence.
func (e *Engine) Export() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Snapshot{Profiles: make([]ProfileRecord, 0, len(e.profiles))}
	for _, p := range e.profiles {
		s.Profiles = append(s.Profiles, p.record(e.alias))
	}
	return s
}

// Restore replaces the engine state with s. Attribution history and the
// current speaker are cleared; the next observed frame re-establishes them.
func (e *Engine) Restore(s Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.activeCount()
	e.profiles = make([]*profile, 0, len(s.Profiles))
	e.alias = make(map[asr.SpeakerID]asr.SpeakerID)
	for _, r := range s.Profiles {
		p := &profile{
			VoiceProfile: r.VoiceProfile,
			centroid:     append([]float64(nil), r.Centroid...),
		}
		if r.AliasOf != nil {
			p.retired = true
			p.centroid = nil
			e.alias[r.ID] = *r.AliasOf
		}
		e.profiles = append(e.profiles, p)
	}
	e.history = nil
	e.hasCurrent = false
	e.current = 0
	e.clock = 0
	metrics.ProfilesActive.Add(float64(e.activeCount() - before))
	return nil
}

func (e *Engine) activeCount() int {
	n := 0
	for _, p := range e.profiles {
		if !p.retired {
			n++
		}
	}
	return n
}
