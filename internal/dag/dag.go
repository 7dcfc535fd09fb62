// Package dag builds the parent/child adjacency over a session's records,
// classifies threads, flags orphans, and scores corruption.
package dag

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/conv-log/logrepair/internal/record"
)

// ErrCycleDetected is returned (wrapped in *CycleError) when the declared
// parent_uuid edges contain a cycle.
var ErrCycleDetected = errors.New("dag: cycle detected")

// CycleError names the records involved in a detected back-edge.
type CycleError struct {
	UUIDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dag: cycle detected involving %v", e.UUIDs)
}

func (e *CycleError) Is(target error) bool { return target == ErrCycleDetected }

// ThreadKind classifies a connected subtree of the DAG.
type ThreadKind string

const (
	ThreadMain     ThreadKind = "main"
	ThreadSide     ThreadKind = "side"
	ThreadOrphaned ThreadKind = "orphaned"
)

// Thread is a maximal connected subtree under a root.
type Thread struct {
	RootUUID string
	Kind     ThreadKind
	Members  []string // in discovery order
}

// ConversationDAG is the graph built over one session's records.
type ConversationDAG struct {
	SessionID string
	Children  map[string][]string // parent uuid -> child uuids, valid edges only
	Parents   map[string]string   // uuid -> declared parent uuid ("" if none)
	Roots     []string            // uuids with no parent or orphaned, timestamp order
	Threads   []Thread

	OrphanUUIDs      []string
	CorruptionScores map[string]float64

	byUUID map[string]*record.Record

	// Percentile95Gap is the session's 95th-percentile inter-record
	// timestamp gap, floored at 60s; consumed by the similarity scorer.
	Percentile95Gap time.Duration
}

// Get returns the record for uuid, if present in this DAG's session.
func (d *ConversationDAG) Get(uuid string) (*record.Record, bool) {
	r, ok := d.byUUID[uuid]
	return r, ok
}

// AllRecords returns every record indexed by this DAG, in no particular
// order; callers that need determinism sort the result themselves.
func (d *ConversationDAG) AllRecords() []*record.Record {
	out := make([]*record.Record, 0, len(d.byUUID))
	for _, r := range d.byUUID {
		out = append(out, r)
	}
	return out
}

// ThreadOf returns the kind of thread uuid belongs to, if any.
func (d *ConversationDAG) ThreadOf(uuid string) (ThreadKind, bool) {
	kind, _, ok := d.ThreadMembership(uuid)
	return kind, ok
}

// ThreadMembership returns both the kind and the root uuid of the thread
// uuid belongs to, so callers can distinguish "same side thread as X" from
// "merely also a side thread."
func (d *ConversationDAG) ThreadMembership(uuid string) (ThreadKind, string, bool) {
	for _, th := range d.Threads {
		for _, m := range th.Members {
			if m == uuid {
				return th.Kind, th.RootUUID, true
			}
		}
	}
	return "", "", false
}

// Build constructs the DAG over records (assumed to belong to one session;
// callers group by session_id before calling). Returns *CycleError if the
// declared edges contain a cycle.
func Build(records []record.Record) (*ConversationDAG, error) {
	d := &ConversationDAG{
		Children:         make(map[string][]string),
		Parents:          make(map[string]string),
		CorruptionScores: make(map[string]float64),
		byUUID:           make(map[string]*record.Record, len(records)),
	}
	if len(records) > 0 {
		d.SessionID = records[0].SessionID
	}

	for i := range records {
		r := &records[i]
		d.byUUID[r.UUID] = r
		d.Parents[r.UUID] = r.ParentUUID
	}

	// Pass 2: orphan flag + valid children edges.
	for i := range records {
		r := &records[i]
		if r.ParentUUID == "" {
			r.IsOrphan = false
			continue
		}
		if _, exists := d.byUUID[r.ParentUUID]; !exists {
			r.IsOrphan = true
			d.OrphanUUIDs = append(d.OrphanUUIDs, r.UUID)
			continue
		}
		r.IsOrphan = false
		d.Children[r.ParentUUID] = append(d.Children[r.ParentUUID], r.UUID)
	}
	sort.Strings(d.OrphanUUIDs)

	for parent := range d.Children {
		children := d.Children[parent]
		sort.Slice(children, func(i, j int) bool {
			return lessByTimeThenUUID(d.byUUID[children[i]], d.byUUID[children[j]])
		})
		d.Children[parent] = children
	}

	if err := detectCycle(d); err != nil {
		return nil, err
	}

	d.Roots = computeRoots(records)
	d.Percentile95Gap = percentile95Gap(records)
	d.Threads = classifyThreads(d)
	scoreCorruption(d)

	return d, nil
}

func lessByTimeThenUUID(a, b *record.Record) bool {
	if a == nil || b == nil {
		return false
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.UUID < b.UUID
}

func computeRoots(records []record.Record) []string {
	var roots []string
	for i := range records {
		r := &records[i]
		if r.ParentUUID == "" || r.IsOrphan {
			roots = append(roots, r.UUID)
		}
	}
	byUUID := make(map[string]*record.Record, len(records))
	for i := range records {
		byUUID[records[i].UUID] = &records[i]
	}
	sort.Slice(roots, func(i, j int) bool {
		return lessByTimeThenUUID(byUUID[roots[i]], byUUID[roots[j]])
	})
	return roots
}

// detectCycle walks from every not-yet-visited uuid (in sorted order, so a
// cycle with no root is still reached) via DFS with a grey/black coloring;
// any back-edge into a grey node is a cycle.
func detectCycle(d *ConversationDAG) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(d.byUUID))
	var stack []string

	var visit func(uuid string) error
	visit = func(uuid string) error {
		color[uuid] = grey
		stack = append(stack, uuid)
		for _, child := range d.Children[uuid] {
			switch color[child] {
			case white:
				if err := visit(child); err != nil {
					return err
				}
			case grey:
				return &CycleError{UUIDs: append(append([]string{}, stack...), child)}
			}
		}
		stack = stack[:len(stack)-1]
		color[uuid] = black
		return nil
	}

	uuids := make([]string, 0, len(d.byUUID))
	for u := range d.byUUID {
		uuids = append(uuids, u)
	}
	sort.Strings(uuids)
	for _, u := range uuids {
		if color[u] == white {
			if err := visit(u); err != nil {
				return err
			}
		}
	}
	return nil
}

// longestPath returns, for every uuid reachable in the children graph, the
// number of nodes on the longest downward path starting at that uuid.
func longestPath(d *ConversationDAG) map[string]int {
	memo := make(map[string]int)
	var compute func(uuid string) int
	compute = func(uuid string) int {
		if v, ok := memo[uuid]; ok {
			return v
		}
		best := 1
		for _, child := range d.Children[uuid] {
			if v := compute(child); v+1 > best {
				best = v + 1
			}
		}
		memo[uuid] = best
		return best
	}
	for u := range d.byUUID {
		compute(u)
	}
	return memo
}

func classifyThreads(d *ConversationDAG) []Thread {
	if len(d.Roots) == 0 {
		return nil
	}
	depth := longestPath(d)
	visited := make(map[string]bool, len(d.byUUID))

	var threads []Thread

	mainRoot := d.Roots[0]
	mainMembers := walkMain(d, mainRoot, depth, visited)
	threads = append(threads, Thread{RootUUID: mainRoot, Kind: ThreadMain, Members: mainMembers})

	// Branches hanging off the main thread: any child of a main-thread
	// node that wasn't chosen as the continuation.
	mainSet := make(map[string]bool, len(mainMembers))
	for _, m := range mainMembers {
		mainSet[m] = true
	}
	for _, m := range mainMembers {
		for _, child := range d.Children[m] {
			if visited[child] {
				continue
			}
			members := walkSubtree(d, child, visited)
			threads = append(threads, Thread{RootUUID: child, Kind: ThreadSide, Members: members})
		}
	}

	// Remaining roots: side if non-orphan, orphaned if orphan.
	for _, root := range d.Roots[1:] {
		if visited[root] {
			continue
		}
		members := walkSubtree(d, root, visited)
		kind := ThreadSide
		if r, ok := d.Get(root); ok && r.IsOrphan {
			kind = ThreadOrphaned
		}
		threads = append(threads, Thread{RootUUID: root, Kind: kind, Members: members})
	}

	return threads
}

// walkMain greedily descends from root choosing, at each step, the child
// with the longest remaining path, tie-broken by earliest child timestamp
// (children are already sorted by timestamp then uuid).
func walkMain(d *ConversationDAG, root string, depth map[string]int, visited map[string]bool) []string {
	var members []string
	cur := root
	for {
		visited[cur] = true
		members = append(members, cur)
		children := d.Children[cur]
		if len(children) == 0 {
			break
		}
		best := children[0]
		bestDepth := depth[best]
		for _, c := range children[1:] {
			if depth[c] > bestDepth {
				best = c
				bestDepth = depth[c]
			}
		}
		cur = best
	}
	return members
}

func walkSubtree(d *ConversationDAG, root string, visited map[string]bool) []string {
	var members []string
	var stack []string
	stack = append(stack, root)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		members = append(members, n)
		children := append([]string{}, d.Children[n]...)
		sort.Sort(sort.Reverse(sort.StringSlice(children)))
		stack = append(stack, children...)
	}
	return members
}

// percentile95Gap computes the 95th percentile of consecutive-in-time
// inter-record gaps across the session, floored at 60 seconds.
func percentile95Gap(records []record.Record) time.Duration {
	const floor = 60 * time.Second
	if len(records) < 2 {
		return floor
	}
	sorted := make([]record.Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return lessByTimeThenUUID(&sorted[i], &sorted[j])
	})
	gaps := make([]time.Duration, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gap := sorted[i].Timestamp.Sub(sorted[i-1].Timestamp)
		if gap < 0 {
			gap = 0
		}
		gaps = append(gaps, gap)
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	idx := int(float64(len(gaps)-1) * 0.95)
	if idx < 0 {
		idx = 0
	}
	p95 := gaps[idx]
	if p95 < floor {
		return floor
	}
	return p95
}

// scoreCorruption fills d.CorruptionScores per the weighted formula:
// 0.5·orphan + 0.3·dangling-child-of-orphan + 0.2·unusual-gap, clamped.
func scoreCorruption(d *ConversationDAG) {
	orphanSet := make(map[string]bool, len(d.OrphanUUIDs))
	for _, u := range d.OrphanUUIDs {
		orphanSet[u] = true
	}
	for uuid, r := range d.byUUID {
		score := 0.0
		if r.IsOrphan {
			score += 0.5
		}
		if parent, ok := d.Parents[uuid]; ok && parent != "" && orphanSet[parent] {
			score += 0.3
		}
		if parent, ok := d.byUUID[d.Parents[uuid]]; ok && d.Parents[uuid] != "" {
			gap := r.Timestamp.Sub(parent.Timestamp)
			if gap > d.Percentile95Gap {
				score += 0.2
			}
		}
		if score > 1 {
			score = 1
		}
		d.CorruptionScores[uuid] = score
		r.CorruptionScore = score
	}
}

// WouldCycle reports whether redirecting child's parent to newParent would
// introduce a cycle, by checking reachability from newParent back to child.
func (d *ConversationDAG) WouldCycle(child, newParent string) bool {
	if child == newParent {
		return true
	}
	visited := make(map[string]bool)
	var stack []string
	stack = append(stack, newParent)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == child {
			return true
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		if parent, ok := d.Parents[n]; ok && parent != "" {
			stack = append(stack, parent)
		}
	}
	return false
}
