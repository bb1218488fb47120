// Package curation scores memory-family nodes and applies retention
// decisions. Scoring is additive over independent signals with a safety
// multiplier that makes protected nodes effectively untouchable; the four
// scheduled passes (rapid, standard, hourly, deep) translate scores into
// actions at different cadences and depths.
package curation

import (
	"math"
	"time"

	"github.com/Danservfinn/kurultai-sub006/internal/graph"
)

// typeWeights anchors the score by node kind. Beliefs and learned
// capabilities are the system's long-term substance; notifications and
// session contexts are churn.
var typeWeights = map[string]float64{
	"Belief":            10.0,
	"LearnedCapability": 9.0,
	"Reflection":        8.0,
	"Synthesis":         7.0,
	"Analysis":          6.0,
	"Research":          5.0,
	"CompressedContext": 3.0,
	"SessionContext":    1.5,
	"Notification":      0.5,
}

// defaultTypeWeight applies to labels not in the table.
const defaultTypeWeight = 4.0

// recencyHalfLives: how fast each kind's recency signal decays.
var recencyHalfLives = map[string]time.Duration{
	"Belief":         180 * 24 * time.Hour,
	"Reflection":     90 * 24 * time.Hour,
	"SessionContext": 24 * time.Hour,
}

// defaultHalfLife applies to labels not in the table.
const defaultHalfLife = 30 * 24 * time.Hour

// tokenTarget is the size above which the bloat penalty starts accruing.
const tokenTarget = 2000

// safetyMultiplier inflates protected nodes out of every deletion band.
const safetyMultiplier = 100.0

// protectionAge: nothing younger than this is ever pruned, regardless of
// score.
const protectionAge = 24 * time.Hour

// Protected reports whether a node is exempt from destructive actions.
func Protected(e graph.MemoryEntry, now time.Time) bool {
	if now.Sub(e.CreatedAt) < protectionAge {
		return true
	}
	if e.Label == "Belief" && e.Confidence >= 0.9 {
		return true
	}
	return false
}

// Score computes the memory value score for one entry at a point in time.
//
//	score = (type + recency + frequency + quality + centrality + cross_agent - bloat) * safety
//
// Every term is individually bounded, so an unprotected score lives in a
// small, predictable range and the action thresholds stay meaningful.
func Score(e graph.MemoryEntry, now time.Time) float64 {
	tw, ok := typeWeights[e.Label]
	if !ok {
		tw = defaultTypeWeight
	}

	half, ok := recencyHalfLives[e.Label]
	if !ok {
		half = defaultHalfLife
	}
	age := now.Sub(e.LastAccessed)
	if e.LastAccessed.IsZero() {
		age = now.Sub(e.CreatedAt)
	}
	if age < 0 {
		age = 0
	}
	recency := 3.0 * math.Pow(0.5, age.Hours()/half.Hours())

	// log-scaled access frequency, saturating at 100 accesses/week.
	n := float64(e.AccessCount7d)
	if n > 100 {
		n = 100
	}
	frequency := 2.0 * math.Log10(1+n) / math.Log10(101)

	quality := 2.0 * clamp01(e.Confidence)

	centrality := math.Min(1.5, 0.1*float64(e.RelationshipCount))

	crossAgent := math.Min(2.0, 0.5*float64(e.DistinctAgents7d))

	bloat := math.Min(1.5, math.Max(0, float64(e.Tokens-tokenTarget)/1000.0))

	score := tw + recency + frequency + quality + centrality + crossAgent - bloat
	if Protected(e, now) {
		score *= safetyMultiplier
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Action thresholds. The bands are half-open: [8,inf) keep, [5,8) compress
// when oversized, [3,5) improve or merge, [1.5,3) demote, [0.5,1.5) prune
// via tombstone, below 0.5 immediate removal for throwaway kinds.
const (
	keepAt     = 8.0
	compressAt = 5.0
	improveAt  = 3.0
	demoteAt   = 1.5
	pruneAt    = 0.5
)

// Decide maps a score to the action for an entry. Protected entries always
// keep (their multiplied score clears every band).
func Decide(e graph.MemoryEntry, score float64) graph.CurationAction {
	switch {
	case score >= keepAt:
		return graph.ActionKeep
	case score >= compressAt:
		if e.Tokens > tokenTarget {
			return graph.ActionCompress
		}
		return graph.ActionKeep
	case score >= improveAt:
		if len(e.Embedding) > 0 {
			return graph.ActionMerge
		}
		return graph.ActionImprove
	case score >= demoteAt:
		return graph.ActionDemote
	default:
		return graph.ActionPrune
	}
}

// immediateDelete reports whether a below-threshold entry may skip the
// tombstone and be removed at once. Only churn kinds qualify.
func immediateDelete(e graph.MemoryEntry, score float64) bool {
	if score >= pruneAt {
		return false
	}
	return e.Label == "Notification" || e.Label == "SessionContext"
}

// CosineSimilarity between two embedding vectors. Zero for mismatched or
// empty vectors.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
