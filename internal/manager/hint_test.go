package manager

import (
	"testing"

	"icc.tech/capture-agent/internal/tasktable"
)

func TestParseCaptureHintProcess(t *testing.T) {
	h, err := parseCaptureHint("process:nginx, port=8080, duration_sec:30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.mode != tasktable.ModeProcess || h.procName != "nginx" {
		t.Fatalf("got mode=%v proc=%q", h.mode, h.procName)
	}
	if h.portFilter != 8080 {
		t.Fatalf("got port=%d", h.portFilter)
	}
	if h.durationSec != 30 {
		t.Fatalf("got duration=%d", h.durationSec)
	}
}

func TestParseCaptureHintQuotedValue(t *testing.T) {
	h, err := parseCaptureHint(`iface:"eth0"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.iface != "eth0" {
		t.Fatalf("got iface=%q", h.iface)
	}
}

func TestParseCaptureHintSingleKV(t *testing.T) {
	h, err := parseCaptureHint("pid:4242")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.mode != tasktable.ModePID || h.pid != 4242 {
		t.Fatalf("got mode=%v pid=%d", h.mode, h.pid)
	}
}

func TestParseCaptureHintNoTargetRejected(t *testing.T) {
	if _, err := parseCaptureHint("port:80"); err == nil {
		t.Fatalf("expected error for hint with no target")
	}
}

func TestBuildKeyDeterministic(t *testing.T) {
	k1 := buildKey(tasktable.ModeInterface, "eth0", "", "default", "")
	k2 := buildKey(tasktable.ModeInterface, "eth0", "", "default", "")
	if k1 != k2 {
		t.Fatalf("expected deterministic key, got %q vs %q", k1, k2)
	}
}

func TestBuildKeyDistinguishesContainers(t *testing.T) {
	k1 := buildKey(tasktable.ModeContainer, "eth0", "", "default", "container-a")
	k2 := buildKey(tasktable.ModeContainer, "eth0", "", "default", "container-b")
	if k1 == k2 {
		t.Fatalf("expected distinct keys for distinct containers, got %q for both", k1)
	}
}
