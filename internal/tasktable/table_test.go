package tasktable

import (
	"fmt"
	"testing"
	"time"
)

func newTestTask(id int64, sig string) *CaptureTask {
	return &CaptureTask{
		CaptureID: id,
		Key:       fmt.Sprintf("key-%d", id),
		Signature: sig,
		SID:       SID(sig, time.Now()),
		Status:    Pending,
	}
}

func TestAddRejectsDuplicateActiveSignature(t *testing.T) {
	tbl := New()
	id1 := tbl.NextCaptureID()
	if err := tbl.Add(newTestTask(id1, "sig-a")); err != nil {
		t.Fatalf("unexpected error on first add: %v", err)
	}

	id2 := tbl.NextCaptureID()
	if err := tbl.Add(newTestTask(id2, "sig-a")); err == nil {
		t.Fatal("expected error adding duplicate active signature")
	}
}

func TestAddAllowsSameSignatureAfterTerminal(t *testing.T) {
	tbl := New()
	id1 := tbl.NextCaptureID()
	task1 := newTestTask(id1, "sig-b")
	if err := tbl.Add(task1); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := tbl.UpdateStatus(id1, Completed); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	id2 := tbl.NextCaptureID()
	task2 := newTestTask(id2, "sig-b")
	task2.Key = "key-other"
	if err := tbl.Add(task2); err != nil {
		t.Fatalf("expected add to succeed once prior task is terminal: %v", err)
	}
}

func TestQueryIsPureBetweenUpdates(t *testing.T) {
	tbl := New()
	id := tbl.NextCaptureID()
	if err := tbl.Add(newTestTask(id, "sig-c")); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	s1, ok := tbl.Query(id)
	if !ok {
		t.Fatal("expected task to be found")
	}
	s2, ok := tbl.Query(id)
	if !ok {
		t.Fatal("expected task to be found")
	}
	if s1.Status != s2.Status || s1.CaptureID != s2.CaptureID {
		t.Fatal("expected two reads without intervening updates to be identical")
	}
}

func TestStatsMatchTableSize(t *testing.T) {
	tbl := New()
	for i := 0; i < 5; i++ {
		id := tbl.NextCaptureID()
		if err := tbl.Add(newTestTask(id, fmt.Sprintf("sig-%d", i))); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}

	stats := tbl.Stats()
	total := stats.Pending + stats.Resolving + stats.Running + stats.Completed + stats.Failed + stats.Stopped
	if int(total) != tbl.Size() {
		t.Fatalf("expected sum(status counters) == table size, got %d vs %d", total, tbl.Size())
	}
}

func TestSignatureIsDeterministic(t *testing.T) {
	in := SignatureInput{Mode: "interface", Iface: "eth0", PortFilter: 53}
	if Signature(in) != Signature(in) {
		t.Fatal("expected deterministic signature for identical input")
	}
}
