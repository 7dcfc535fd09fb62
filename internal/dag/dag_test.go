package dag

import (
	"testing"
	"time"

	"github.com/conv-log/logrepair/internal/record"
)

func mk(uuid, parent string, ts time.Time) record.Record {
	line := `{"uuid":"` + uuid + `","sessionId":"s","type":"user","role":"user"`
	if parent != "" {
		line += `,"parentUuid":"` + parent + `"`
	}
	line += `}`
	r, err := record.FromJSONLine(1, []byte(line))
	if err != nil {
		panic(err)
	}
	r.Timestamp = ts
	return r
}

func TestOrphanDetection(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []record.Record{
		mk("A", "", base),
		mk("B", "A", base.Add(time.Minute)),
		mk("C", "ghost", base.Add(2*time.Minute)),
	}
	d, err := Build(records)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(d.OrphanUUIDs) != 1 || d.OrphanUUIDs[0] != "C" {
		t.Fatalf("expected C to be the only orphan, got %v", d.OrphanUUIDs)
	}
	if d.CorruptionScores["C"] < 0.5 {
		t.Fatalf("expected C corruption score >= 0.5, got %v", d.CorruptionScores["C"])
	}
}

func TestCycleDetected(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []record.Record{
		mk("A", "B", base),
		mk("B", "A", base.Add(time.Minute)),
	}
	_, err := Build(records)
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	var cerr *CycleError
	if !asCycleError(err, &cerr) {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}
}

func asCycleError(err error, target **CycleError) bool {
	ce, ok := err.(*CycleError)
	if ok {
		*target = ce
	}
	return ok
}

func TestMainThreadIsLongestPathFromEarliestRoot(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []record.Record{
		mk("A", "", base),
		mk("B", "A", base.Add(time.Minute)),
		mk("C", "B", base.Add(2*time.Minute)),
		mk("D", "A", base.Add(90*time.Second)), // shorter branch off A
	}
	d, err := Build(records)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var main *Thread
	for i := range d.Threads {
		if d.Threads[i].Kind == ThreadMain {
			main = &d.Threads[i]
		}
	}
	if main == nil {
		t.Fatalf("no main thread found")
	}
	if len(main.Members) != 3 || main.Members[0] != "A" || main.Members[2] != "C" {
		t.Fatalf("unexpected main thread: %v", main.Members)
	}
}

func TestWouldCycle(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []record.Record{
		mk("A", "", base),
		mk("B", "A", base.Add(time.Minute)),
		mk("C", "B", base.Add(2*time.Minute)),
	}
	d, err := Build(records)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !d.WouldCycle("A", "C") {
		t.Fatalf("expected redirecting A's parent to its own descendant C to be a cycle")
	}
	if d.WouldCycle("C", "A") {
		t.Fatalf("did not expect cycle when reattaching C to A")
	}
}

func TestOldestRecordItselfOrphaned(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []record.Record{
		mk("A", "ghost", base),
		mk("B", "A", base.Add(time.Minute)),
	}
	d, err := Build(records)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.Roots[0] != "A" {
		t.Fatalf("expected A (oldest, orphaned) to be the first root, got %v", d.Roots)
	}
}
