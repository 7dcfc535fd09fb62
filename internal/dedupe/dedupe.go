// Package dedupe detects and removes duplicate tool-reply content blocks
// within a single record, following the "keep the first occurrence" rule
// the broader tooling applies to whole-record deduplication, narrowed here
// to one record's content array.
package dedupe

import (
	"fmt"

	"github.com/conv-log/logrepair/internal/record"
)

const defaultMaxBytes = 32 * 1024 * 1024 // 32 MiB per record

// Category classifies why a block was flagged, separately from whether it
// was dropped.
type Category string

const (
	CategoryDuplicate Category = "duplicate"
	CategoryMissingID Category = "missing_id"
)

// Diagnostic records one flagged block; only CategoryDuplicate blocks are
// actually removed from Kept.
type Diagnostic struct {
	Index     int
	Category  Category
	ToolUseID string
}

// OversizeError is returned when a record's content exceeds the configured
// byte bound, to prevent unbounded memory use on a single malformed
// record.
type OversizeError struct {
	Bytes, MaxBytes int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("dedupe: record content is %d bytes, exceeds bound of %d", e.Bytes, e.MaxBytes)
}

// StructuralWarning is returned alongside a no-op result when content is
// not a list (an empty Result.Kept is never produced for this reason).
type StructuralWarning struct {
	Detail string
}

func (e *StructuralWarning) Error() string { return "dedupe: " + e.Detail }

// Result bundles the deduplicated content alongside accounting the caller
// can surface to an operator or test.
type Result struct {
	Kept             []record.ContentBlock
	RemovedCount     int
	KeptFirstIndices []int
	Diagnostics      []Diagnostic
}

// Dedupe drops tool_result blocks whose tool_use_id has already been seen
// earlier in content, keeping the first occurrence of each id. Id-less
// tool_result blocks are diagnosed but kept, not dropped. Dedupe is
// idempotent: Dedupe(Dedupe(c).Kept) reports RemovedCount == 0 and an
// unchanged Kept slice.
//
// Empty content (including an absent content field) is a no-op with no
// warning. Otherwise contentIsList must be the record's own ContentIsList:
// a record whose raw content field was not itself a JSON array (a bare
// string or a single scalar/object) is a structural edge case, not
// something to dedupe block-by-block, so that case is a no-op returning
// *StructuralWarning rather than running the loop below.
func Dedupe(content []record.ContentBlock, contentIsList bool, maxBytes int) (Result, error) {
	if len(content) == 0 {
		return Result{}, nil
	}
	if !contentIsList {
		return Result{Kept: content}, &StructuralWarning{Detail: "content field is not a JSON array"}
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	total := 0
	for _, b := range content {
		total += len(b.Raw)
	}
	if total > maxBytes {
		return Result{}, &OversizeError{Bytes: total, MaxBytes: maxBytes}
	}

	seen := make(map[string]int, len(content))
	kept := make([]record.ContentBlock, 0, len(content))
	var diags []Diagnostic
	var keptFirstIdx []int
	removed := 0

	for i, b := range content {
		if b.Type != record.BlockToolResult {
			kept = append(kept, b)
			continue
		}
		if b.ToolUseID == "" {
			diags = append(diags, Diagnostic{Index: i, Category: CategoryMissingID})
			kept = append(kept, b)
			continue
		}
		if _, dup := seen[b.ToolUseID]; dup {
			diags = append(diags, Diagnostic{Index: i, Category: CategoryDuplicate, ToolUseID: b.ToolUseID})
			removed++
			continue
		}
		seen[b.ToolUseID] = i
		keptFirstIdx = append(keptFirstIdx, i)
		kept = append(kept, b)
	}

	return Result{
		Kept:             kept,
		RemovedCount:     removed,
		KeptFirstIndices: keptFirstIdx,
		Diagnostics:      diags,
	}, nil
}
