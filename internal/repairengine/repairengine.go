// Package repairengine produces validated, ranked repair proposals for
// orphaned records. It never mutates state; persisting a proposal is the
// job of a provider (internal/provider).
package repairengine

import (
	"fmt"

	"github.com/conv-log/logrepair/internal/dag"
	"github.com/conv-log/logrepair/internal/similarity"
)

const (
	DefaultMinScore = 0.15
	DefaultTopK     = 5
)

// RepairOperation is a proposed, not-yet-applied change to one field of one
// record. Field is kept generic ("parent_uuid" today) so future repair
// kinds can reuse the same shape.
type RepairOperation struct {
	TargetUUID      string
	Field           string
	OldValue        any
	NewValue        any
	SimilarityScore float64
	Reason          string
	Operator        string
}

// CandidateRejected carries why a scored candidate was not promoted to a
// RepairOperation; collected rather than aborting the whole proposal batch.
type CandidateRejected struct {
	CandidateUUID string
	Reason        string
}

func (e *CandidateRejected) Error() string {
	return fmt.Sprintf("repairengine: candidate %s rejected: %s", e.CandidateUUID, e.Reason)
}

// Options configures Propose; zero values fall back to package defaults.
type Options struct {
	MinScore float64
	TopK     int
	Operator string
	Weights  similarity.Weights
}

func (o Options) withDefaults() Options {
	if o.MinScore == 0 {
		o.MinScore = DefaultMinScore
	}
	if o.TopK == 0 {
		o.TopK = DefaultTopK
	}
	if o.Operator == "" {
		o.Operator = "system"
	}
	if o.Weights == (similarity.Weights{}) {
		o.Weights = similarity.DefaultWeights
	}
	return o
}

// Propose returns up to TopK ranked RepairOperations for orphanUUID, plus
// the rejected candidates and why, so a caller can explain a candidate's
// absence rather than being left to guess.
func Propose(d *dag.ConversationDAG, orphanUUID string, opts Options) ([]RepairOperation, []CandidateRejected, error) {
	opts = opts.withDefaults()

	target, ok := d.Get(orphanUUID)
	if !ok {
		return nil, nil, fmt.Errorf("repairengine: unknown target %s", orphanUUID)
	}

	candidates, err := similarity.TopCandidates(d, orphanUUID, opts.TopK, opts.Weights)
	if err != nil {
		return nil, nil, err
	}

	var proposals []RepairOperation
	var rejected []CandidateRejected

	for _, c := range candidates {
		parent, ok := d.Get(c.ParentUUID)
		if !ok {
			rejected = append(rejected, CandidateRejected{CandidateUUID: c.ParentUUID, Reason: "candidate parent does not exist"})
			continue
		}
		if parent.Timestamp.After(target.Timestamp) {
			rejected = append(rejected, CandidateRejected{CandidateUUID: c.ParentUUID, Reason: "parent timestamp is after target timestamp"})
			continue
		}
		if d.WouldCycle(target.UUID, parent.UUID) {
			rejected = append(rejected, CandidateRejected{CandidateUUID: c.ParentUUID, Reason: "would introduce a cycle"})
			continue
		}
		if c.Score < opts.MinScore {
			rejected = append(rejected, CandidateRejected{CandidateUUID: c.ParentUUID, Reason: fmt.Sprintf("similarity score %.3f below minimum %.3f", c.Score, opts.MinScore)})
			continue
		}

		proposals = append(proposals, RepairOperation{
			TargetUUID:      target.UUID,
			Field:           "parent_uuid",
			OldValue:        target.ParentUUID,
			NewValue:        parent.UUID,
			SimilarityScore: c.Score,
			Reason:          reasonFor(c.Breakdown),
			Operator:        opts.Operator,
		})
	}

	return proposals, rejected, nil
}

func reasonFor(b similarity.Breakdown) string {
	reason := ""
	add := func(label string) {
		if reason != "" {
			reason += "+"
		}
		reason += label
	}
	if b.Temporal >= 0.5 {
		add("temporal")
	}
	if b.Keyword >= 0.3 {
		add("keyword")
	}
	if b.ThreadAffinity > 0 {
		add("thread-affinity")
	}
	if b.RoleCompat > 0 {
		add("role-compatibility")
	}
	if reason == "" {
		reason = "low-confidence match"
	}
	return reason
}
