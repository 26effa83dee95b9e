package evidence

import "testing"

func TestComputeFindingID_StableUnderReordering(t *testing.T) {
	key := []byte("test-key")
	a := []Evidence{
		{Path: "$.permissions[0]", Snippet: RedactedValue{Value: "read"}},
		{Path: "$.permissions[1]", Snippet: RedactedValue{Value: "write"}},
	}
	b := []Evidence{
		{Path: "$.permissions[1]", Snippet: RedactedValue{Value: "write"}},
		{Path: "$.permissions[0]", Snippet: RedactedValue{Value: "read"}},
	}

	idA := ComputeFindingID(key, "MD-001", a)
	idB := ComputeFindingID(key, "MD-001", b)

	if idA != idB {
		t.Fatalf("FindingID not stable under evidence reordering: %s != %s", idA, idB)
	}
	if len(idA) != 32 {
		t.Fatalf("FindingID length = %d, want 32 hex chars (16 bytes)", len(idA))
	}
}

func TestComputeFindingID_DiffersByRule(t *testing.T) {
	key := []byte("test-key")
	ev := []Evidence{{Path: "$.x", Snippet: RedactedValue{Value: "v"}}}

	id1 := ComputeFindingID(key, "MD-001", ev)
	id2 := ComputeFindingID(key, "MD-002", ev)

	if id1 == id2 {
		t.Fatalf("expected different FindingIDs for different rule IDs, got %s for both", id1)
	}
}

func TestComputeFindingID_DiffersByValue(t *testing.T) {
	key := []byte("test-key")
	ev1 := []Evidence{{Path: "$.x", Snippet: RedactedValue{Value: "a"}}}
	ev2 := []Evidence{{Path: "$.x", Snippet: RedactedValue{Value: "b"}}}

	id1 := ComputeFindingID(key, "MD-001", ev1)
	id2 := ComputeFindingID(key, "MD-001", ev2)

	if id1 == id2 {
		t.Fatalf("expected different FindingIDs for different evidence values")
	}
}

func TestSeverityRank(t *testing.T) {
	if SeverityBlock.Rank() <= SeverityWarn.Rank() {
		t.Fatalf("BLOCK must outrank WARN")
	}
	if SeverityWarn.Rank() <= SeverityPass.Rank() {
		t.Fatalf("WARN must outrank PASS")
	}
}
