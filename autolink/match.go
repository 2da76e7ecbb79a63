package autolink

import (
	"math"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/core"
)

// matchThreshold is the minimum combined score for a link to be written.
const matchThreshold = 0.4

// temporalWindow is how far apart two records may be created and still
// count as temporally related.
const temporalWindow = 30 * 24 * time.Hour

// Signal weights. Participant overlap is the strongest signal; creation
// proximity alone can never clear the threshold.
const (
	participantWeight = 0.6
	nameWeight        = 0.3
	temporalWeight    = 0.1
)

// stopTokens are name tokens too generic to indicate a relationship.
var stopTokens = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "new": true,
	"project": true, "opportunity": true, "deal": true, "doc": true,
	"notes": true, "draft": true, "v1": true, "v2": true, "final": true,
}

// matchScore combines participant overlap, name token overlap, and creation
// proximity into one confidence score. The boolean reports whether the
// score clears the link threshold.
func matchScore(record, target *core.Shard) (float64, bool) {
	score := participantWeight*participantOverlap(record, target) +
		nameWeight*nameOverlap(record.Name, target.Name) +
		temporalWeight*temporalProximity(record.CreatedAt, target.CreatedAt)

	// Proximity is a tiebreaker, not evidence on its own.
	if participantOverlap(record, target) == 0 && nameOverlap(record.Name, target.Name) == 0 {
		return 0, false
	}
	return score, score >= matchThreshold
}

// participantOverlap is the Jaccard overlap of the two records' participant
// lists.
func participantOverlap(a, b *core.Shard) float64 {
	pa := a.StringsField(core.FieldParticipants)
	pb := b.StringsField(core.FieldParticipants)
	if len(pa) == 0 || len(pb) == 0 {
		return 0
	}

	set := make(map[string]bool, len(pa))
	for _, p := range pa {
		set[strings.ToLower(strings.TrimSpace(p))] = true
	}
	shared := 0
	union := len(set)
	for _, p := range pb {
		key := strings.ToLower(strings.TrimSpace(p))
		if set[key] {
			shared++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// nameOverlap is the Jaccard overlap of significant name tokens.
func nameOverlap(a, b string) float64 {
	ta := nameTokens(a)
	tb := nameTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	shared := 0
	union := len(ta)
	for token := range tb {
		if ta[token] {
			shared++
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}

func nameTokens(name string) map[string]bool {
	tokens := make(map[string]bool)
	for _, token := range strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(token) < 3 || stopTokens[token] {
			continue
		}
		tokens[token] = true
	}
	return tokens
}

// temporalProximity decays linearly from 1 (same instant) to 0 (window edge
// or beyond).
func temporalProximity(a, b time.Time) float64 {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	gap := math.Abs(a.Sub(b).Hours())
	window := temporalWindow.Hours()
	if gap >= window {
		return 0
	}
	return 1 - gap/window
}
