// Package record defines the typed representation of a single conversation
// log line: its identity, its content blocks, and the fields derived from
// DAG analysis (orphan flag, corruption score).
package record

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Kind classifies the producer of a record.
type Kind string

const (
	KindUser               Kind = "user"
	KindAssistant          Kind = "assistant"
	KindSystem             Kind = "system"
	KindSummary            Kind = "summary"
	KindFileHistory        Kind = "file-history-snapshot"
)

// BlockType discriminates a ContentBlock's variant.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockSummary    BlockType = "summary"
	BlockOther      BlockType = "other"
)

// ContentBlock is one element of a record's content array. Only the fields
// relevant to its Type are meaningful; Raw always holds the original bytes
// for that element so unrecognized shapes round-trip byte-for-byte.
type ContentBlock struct {
	Type BlockType

	Text string // BlockText

	ToolUseID string          // BlockToolUse: the id it introduces; BlockToolResult: the id it replies to
	Name      string          // BlockToolUse
	Input     json.RawMessage // BlockToolUse

	Output json.RawMessage // BlockToolResult

	Raw json.RawMessage // original bytes of this block, always populated
}

// ParseError signals a line that could not be interpreted as a record at
// all: not JSON, or missing a uuid.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Record is one line of a conversation log.
type Record struct {
	UUID       string
	ParentUUID string // empty means "no parent declared"
	SessionID  string
	Kind       Kind
	Role       string
	Timestamp  time.Time
	Content    []ContentBlock

	// ContentIsList records whether the wire content field was itself a
	// JSON array (the normal shape); false for a bare string, a single
	// opaque scalar/object, or an absent field, so a caller deciding
	// whether to flag a record's content as structurally malformed doesn't
	// have to re-inspect raw bytes that FromJSONLine has already consumed.
	ContentIsList bool

	// Derived, set by the DAG builder; zero values until then.
	IsOrphan        bool
	CorruptionScore float64

	// raw preserves the original line, and fields its top-level fields
	// keyed by their JSON name, so a record that is never repaired rewrites
	// identically and a repaired record keeps every unchanged field's value
	// byte-for-byte; a repaired line's top-level keys are written back in
	// sorted order, not their original order.
	raw     json.RawMessage
	fields  map[string]json.RawMessage
	dirty   map[string]any
	hasLine bool
}

type wireRecord struct {
	UUID        string          `json:"uuid"`
	ParentUUID  *string         `json:"parentUuid"`
	SessionID   string          `json:"sessionId"`
	Type        string          `json:"type"`
	Role        string          `json:"role"`
	Timestamp   string          `json:"timestamp"`
	Message     *wireMessage    `json:"message"`
	Content     json.RawMessage `json:"content"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// FromJSONLine parses one JSONL line leniently: missing optional fields
// default to their zero value; the line fails only when it is not JSON or
// when uuid is absent, per the parsing contract.
func FromJSONLine(lineNumber int, line []byte) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Record{}, &ParseError{Line: lineNumber, Err: err}
	}

	var w wireRecord
	if err := json.Unmarshal(line, &w); err != nil {
		return Record{}, &ParseError{Line: lineNumber, Err: err}
	}
	if w.UUID == "" {
		return Record{}, &ParseError{Line: lineNumber, Err: fmt.Errorf("missing uuid")}
	}

	r := Record{
		UUID:      w.UUID,
		SessionID: w.SessionID,
		Kind:      Kind(w.Type),
		Role:      w.Role,
		raw:       append(json.RawMessage(nil), line...),
		fields:    fields,
		hasLine:   true,
	}
	if w.ParentUUID != nil {
		r.ParentUUID = *w.ParentUUID
	}
	if w.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, w.Timestamp); err == nil {
			r.Timestamp = ts
		} else if ts, err := time.Parse(time.RFC3339, w.Timestamp); err == nil {
			r.Timestamp = ts
		}
	}

	// Role can live at top level or nested in message.role, and content
	// likewise; prefer the nested message shape when present, matching the
	// source's sessionLine/lineMessage fallback in data.go.
	rawContent := w.Content
	if w.Message != nil {
		if w.Message.Role != "" {
			r.Role = w.Message.Role
		}
		if len(w.Message.Content) > 0 {
			rawContent = w.Message.Content
		}
	}

	blocks, isList, err := parseContent(rawContent)
	if err != nil {
		return Record{}, &ParseError{Line: lineNumber, Err: err}
	}
	r.Content = blocks
	r.ContentIsList = isList

	return r, nil
}

// parseContent normalizes a content field that may be a bare string, an
// array of content blocks, or absent altogether, falling back through
// each shape in turn rather than failing on the first mismatch. The
// returned bool reports whether raw was itself a JSON array.
func parseContent(raw json.RawMessage) ([]ContentBlock, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil, false, nil
		}
		return []ContentBlock{{Type: BlockText, Text: asString, Raw: raw}}, false, nil
	}

	var rawBlocks []json.RawMessage
	if err := json.Unmarshal(raw, &rawBlocks); err != nil {
		// Neither a string nor an array: keep as a single opaque block
		// rather than failing the whole record.
		return []ContentBlock{{Type: BlockOther, Raw: raw}}, false, nil
	}

	blocks := make([]ContentBlock, 0, len(rawBlocks))
	for _, rb := range rawBlocks {
		blocks = append(blocks, parseBlock(rb))
	}
	return blocks, true, nil
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

func parseBlock(raw json.RawMessage) ContentBlock {
	var wb wireBlock
	if err := json.Unmarshal(raw, &wb); err != nil {
		return ContentBlock{Type: BlockOther, Raw: raw}
	}
	switch BlockType(wb.Type) {
	case BlockText:
		return ContentBlock{Type: BlockText, Text: wb.Text, Raw: raw}
	case BlockToolUse:
		return ContentBlock{Type: BlockToolUse, ToolUseID: wb.ID, Name: wb.Name, Input: wb.Input, Raw: raw}
	case BlockToolResult:
		return ContentBlock{Type: BlockToolResult, ToolUseID: wb.ToolUseID, Output: wb.Content, Raw: raw}
	case BlockSummary:
		return ContentBlock{Type: BlockSummary, Text: wb.Text, Raw: raw}
	default:
		return ContentBlock{Type: BlockOther, Raw: raw}
	}
}

// SetParentUUID records a repair to the parent_uuid field without
// disturbing any other field of the original line.
func (r *Record) SetParentUUID(newParent string) {
	r.ParentUUID = newParent
	if r.dirty == nil {
		r.dirty = make(map[string]any)
	}
	r.dirty["parentUuid"] = newParent
}

// ToJSONLine renders the record back to a single JSONL line. When the
// record carries no pending field changes, the original bytes are returned
// verbatim (ignoring only a trailing newline), satisfying the byte-exact
// round-trip property for untouched records. When fields were changed via
// Set*, only those fields are overwritten in the original field map before
// re-marshaling, so the rest of the line's data survives unknown to this
// package.
func (r *Record) ToJSONLine() ([]byte, error) {
	if len(r.dirty) == 0 && r.hasLine {
		return trimTrailingNewline(r.raw), nil
	}

	fields := make(map[string]json.RawMessage, len(r.fields)+1)
	for k, v := range r.fields {
		fields[k] = v
	}
	for k, v := range r.dirty {
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
		fields[k] = encoded
	}
	if !r.hasLine {
		// Constructed in memory rather than parsed; synthesize the
		// canonical field set.
		fields = r.synthesizeFields()
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte("{")
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, fields[k]...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func (r *Record) synthesizeFields() map[string]json.RawMessage {
	fields := map[string]json.RawMessage{}
	put := func(k string, v any) {
		b, err := json.Marshal(v)
		if err == nil {
			fields[k] = b
		}
	}
	put("uuid", r.UUID)
	if r.ParentUUID != "" {
		put("parentUuid", r.ParentUUID)
	} else {
		fields["parentUuid"] = json.RawMessage("null")
	}
	put("sessionId", r.SessionID)
	put("type", string(r.Kind))
	put("role", r.Role)
	if !r.Timestamp.IsZero() {
		put("timestamp", r.Timestamp.Format(time.RFC3339Nano))
	}
	return fields
}

func trimTrailingNewline(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		return b[:len(b)-1]
	}
	return b
}

// FirstTextBlock returns the text of the first BlockText block, if any.
func (r *Record) FirstTextBlock() (string, bool) {
	for _, b := range r.Content {
		if b.Type == BlockText {
			return b.Text, true
		}
	}
	return "", false
}

// LastTextBlock returns the text of the last BlockText block, if any.
func (r *Record) LastTextBlock() (string, bool) {
	for i := len(r.Content) - 1; i >= 0; i-- {
		if r.Content[i].Type == BlockText {
			return r.Content[i].Text, true
		}
	}
	return "", false
}
