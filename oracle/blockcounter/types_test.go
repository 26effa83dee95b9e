package blockcounter

import (
	"testing"
	"time"
)

func TestHourStampFloorsToBucketBoundaryUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	at := time.Date(2026, 3, 15, 16, 45, 59, 0, loc) // 14:45:59 UTC

	if got := hourStamp(at); got != "2026-03-15-14" {
		t.Fatalf("hourStamp = %q, want 2026-03-15-14", got)
	}
}

func TestBucketKeyLayout(t *testing.T) {
	at := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)
	got := bucketKey("MD-001", "ab12cd34", at)
	want := "MD-001#ab12cd34#2026-03-15-14"
	if got != want {
		t.Fatalf("bucketKey = %q, want %q", got, want)
	}
}

func TestSameHourSharesBucketKey(t *testing.T) {
	early := time.Date(2026, 3, 15, 14, 1, 0, 0, time.UTC)
	late := time.Date(2026, 3, 15, 14, 59, 0, 0, time.UTC)
	if bucketKey("MD-001", "h", early) != bucketKey("MD-001", "h", late) {
		t.Fatal("expected the same hour to share one bucket key")
	}
}
