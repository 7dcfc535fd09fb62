// Package similarity scores (orphan, candidate-parent) pairs with a
// weighted heuristic combining temporal proximity, keyword overlap,
// thread affinity, and role alternation.
package similarity

import (
	"sort"
	"strings"
	"time"

	"github.com/conv-log/logrepair/internal/dag"
	"github.com/conv-log/logrepair/internal/record"
)

// Weights holds the per-factor contribution to the total score; the
// defaults are the fixed weights listed in SPEC_FULL.md §4.5, not
// calibrated against data.
type Weights struct {
	Temporal       float64
	Keyword        float64
	ThreadAffinity float64
	RoleCompat     float64
}

// DefaultWeights sums to 1.0.
var DefaultWeights = Weights{Temporal: 0.35, Keyword: 0.40, ThreadAffinity: 0.15, RoleCompat: 0.10}

// DefaultTopK is the default number of candidates considered per orphan.
const DefaultTopK = 5

// Breakdown exposes each factor's contribution so a caller can render a
// human-readable reason string.
type Breakdown struct {
	Temporal       float64
	Keyword        float64
	ThreadAffinity float64
	RoleCompat     float64
}

// Candidate is one scored (orphan, parent) pair.
type Candidate struct {
	ParentUUID string
	Score      float64
	Breakdown  Breakdown
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "to": true, "of": true,
	"in": true, "on": true, "for": true, "it": true, "this": true, "that": true,
	"with": true, "as": true, "at": true, "by": true, "be": true, "i": true,
	"you": true, "we": true,
}

// TopCandidates returns up to k candidates for orphanUUID, selected as the
// k closest-in-time-before records in the session, ordered by descending
// score. Ties in selection break by smaller Δt, then by earlier uuid.
// Ties in the returned order break the same way, so the result is
// deterministic for identical inputs.
func TopCandidates(d *dag.ConversationDAG, orphanUUID string, k int, weights Weights) ([]Candidate, error) {
	orphan, ok := d.Get(orphanUUID)
	if !ok {
		return nil, &UnknownRecordError{UUID: orphanUUID}
	}
	if k <= 0 {
		k = DefaultTopK
	}

	type proximate struct {
		uuid string
		dt   time.Duration
	}
	var pool []proximate
	for _, r := range d.AllRecords() {
		if r.UUID == orphanUUID {
			continue
		}
		if r.Timestamp.After(orphan.Timestamp) {
			continue
		}
		pool = append(pool, proximate{uuid: r.UUID, dt: orphan.Timestamp.Sub(r.Timestamp)})
	}
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].dt != pool[j].dt {
			return pool[i].dt < pool[j].dt
		}
		return pool[i].uuid < pool[j].uuid
	})
	if len(pool) > k {
		pool = pool[:k]
	}

	reference := referenceAncestor(d, orphan)

	candidates := make([]Candidate, 0, len(pool))
	for _, p := range pool {
		candidateRecord, _ := d.Get(p.uuid)
		score, breakdown := Score(orphan, candidateRecord, d, reference, weights)
		candidates = append(candidates, Candidate{
			ParentUUID: p.uuid,
			Score:      score,
			Breakdown:  breakdown,
		})
	}

	// Stable sort: equal scores keep pool order (smaller Δt, then uuid).
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	return candidates, nil
}

// UnknownRecordError is returned when a uuid does not resolve in the DAG.
type UnknownRecordError struct{ UUID string }

func (e *UnknownRecordError) Error() string { return "similarity: unknown record " + e.UUID }

// referenceAncestor picks the single closest-in-time-before, non-orphan
// record to orphan; its thread membership is the reference point the
// thread-affinity factor compares candidates against, standing in for
// an ancestor an orphan record has none of in the DAG to walk from.
func referenceAncestor(d *dag.ConversationDAG, orphan *record.Record) (uuid string) {
	var best *record.Record
	var bestDelta time.Duration
	for _, r := range d.AllRecords() {
		if r.UUID == orphan.UUID || r.IsOrphan {
			continue
		}
		if r.Timestamp.After(orphan.Timestamp) {
			continue
		}
		delta := orphan.Timestamp.Sub(r.Timestamp)
		if best == nil || delta < bestDelta || (delta == bestDelta && r.UUID < best.UUID) {
			best = r
			bestDelta = delta
		}
	}
	if best == nil {
		return ""
	}
	return best.UUID
}

// Score computes the weighted similarity between orphan and candidate.
func Score(orphan, candidate *record.Record, d *dag.ConversationDAG, referenceUUID string, weights Weights) (float64, Breakdown) {
	var b Breakdown
	b.Temporal = temporalScore(orphan, candidate, d.Percentile95Gap)
	b.Keyword = keywordScore(orphan, candidate)
	b.ThreadAffinity = threadAffinityScore(d, candidate.UUID, referenceUUID)
	b.RoleCompat = roleCompatScore(orphan, candidate)

	total := weights.Temporal*b.Temporal +
		weights.Keyword*b.Keyword +
		weights.ThreadAffinity*b.ThreadAffinity +
		weights.RoleCompat*b.RoleCompat

	if total < 0 {
		total = 0
	}
	if total > 1 {
		total = 1
	}
	return total, b
}

func temporalScore(orphan, candidate *record.Record, maxGap time.Duration) float64 {
	delta := orphan.Timestamp.Sub(candidate.Timestamp)
	if delta < 0 {
		return 0
	}
	if maxGap <= 0 {
		maxGap = 60 * time.Second
	}
	score := 1 - float64(delta)/float64(maxGap)
	if score < 0 {
		return 0
	}
	return score
}

func keywordScore(orphan, candidate *record.Record) float64 {
	pText, ok1 := candidate.LastTextBlock()
	oText, ok2 := orphan.FirstTextBlock()
	if !ok1 || !ok2 {
		return 0
	}
	pTokens := tokenize(pText)
	oTokens := tokenize(oText)
	if len(pTokens) == 0 || len(oTokens) == 0 {
		return 0
	}
	return jaccard(pTokens, oTokens)
}

func tokenize(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if f == "" || stopWords[f] {
			continue
		}
		set[f] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func threadAffinityScore(d *dag.ConversationDAG, candidateUUID, referenceUUID string) float64 {
	kind, root, ok := d.ThreadMembership(candidateUUID)
	if !ok {
		return 0
	}
	if kind == dag.ThreadMain {
		return 1
	}
	if referenceUUID == "" {
		return 0
	}
	_, refRoot, ok := d.ThreadMembership(referenceUUID)
	if ok && refRoot == root {
		return 0.5
	}
	return 0
}

func roleCompatScore(orphan, candidate *record.Record) float64 {
	a := strings.ToLower(candidate.Role)
	b := strings.ToLower(orphan.Role)
	if (a == "assistant" && b == "user") || (a == "user" && b == "assistant") {
		return 1
	}
	return 0
}
