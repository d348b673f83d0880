package outpath

import (
	"strings"
	"testing"
	"time"
)

func TestExpandBasicTokens(t *testing.T) {
	ctx := Context{Iface: "eth0", ProcName: "nginx", Port: 443, Category: "default", Seq: 1,
		At: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	got := Expand("/var/captures", "{category}/{iface}_{date}_{seq}.pcap", ctx)
	want := "/var/captures/default/eth0_202601020304_0001-p443.pcap"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestExpandMissingPortDefaultsToAny(t *testing.T) {
	ctx := Context{Iface: "eth0", Port: 0, Category: "c", Seq: 1}
	got := Expand("/base", "{category}/{iface}_{port}.pcap", ctx)
	if !strings.Contains(got, "_any.pcap") {
		t.Fatalf("expected port token to resolve to 'any', got %q", got)
	}
}

func TestExpandInsertsPortSuffixWhenPatternLacksToken(t *testing.T) {
	ctx := Context{Iface: "eth0", Port: 53, Category: "c", Seq: 1}
	got := Expand("/base", "{iface}.pcap", ctx)
	if !strings.Contains(got, "-p53.pcap") {
		t.Fatalf("expected inserted port suffix, got %q", got)
	}
}

func TestExpandUnknownTokenPassesThrough(t *testing.T) {
	got := Expand("/base", "{unknown}.pcap", Context{})
	if !strings.Contains(got, "{unknown}.pcap") {
		t.Fatalf("expected unknown token to remain literal, got %q", got)
	}
}

func TestExpandCollapsesSlashes(t *testing.T) {
	got := Expand("/base", "a//{category}//b.pcap", Context{Category: ""})
	if strings.Contains(got, "//") {
		t.Fatalf("expected collapsed slashes, got %q", got)
	}
}
