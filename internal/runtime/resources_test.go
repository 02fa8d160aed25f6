package runtime

import (
	"testing"
	"time"
)

func TestResourceTrackerSnapshot(t *testing.T) {
	tracker := newResourceTracker()

	first := tracker.Snapshot()
	if first.CPUPercent != 0 {
		t.Errorf("first snapshot CPU = %f, want 0", first.CPUPercent)
	}
	if first.MemoryBytes == 0 {
		t.Error("expected non-zero memory bytes")
	}
	if first.Goroutines == 0 {
		t.Error("expected non-zero goroutine count")
	}

	time.Sleep(10 * time.Millisecond)

	if second := tracker.Snapshot(); second.CPUPercent < 0 {
		t.Errorf("CPU = %f, want >= 0", second.CPUPercent)
	}
}

func TestResourceTrackerNil(t *testing.T) {
	var tracker *resourceTracker
	if snap := tracker.Snapshot(); snap != (ResourceUsage{}) {
		t.Errorf("nil tracker snapshot = %+v", snap)
	}
}

func TestResourceTrackerWithoutCPUSample(t *testing.T) {
	tracker := &resourceTracker{}
	snap := tracker.Snapshot()
	if snap.CPUPercent != 0 {
		t.Errorf("CPU = %f, want 0", snap.CPUPercent)
	}
	if snap.MemoryBytes == 0 {
		t.Error("expected memory bytes without a cpu sample")
	}
}
