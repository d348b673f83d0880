package manager

import (
	"fmt"
	"strconv"
	"strings"

	"icc.tech/capture-agent/internal/tasktable"
)

// captureHint is the parsed form of a sampler trigger's capture_hint string
// (spec.md §4.8.1).
type captureHint struct {
	mode        tasktable.Mode
	iface       string
	procName    string
	pid         int
	containerID string
	bpf         string
	protocol    string
	ipFilter    string
	portFilter  int
	category    string
	durationSec int
	maxBytes    int64
	maxPackets  int64
}

var hintTargetKeys = map[string]bool{
	"process": true, "proc": true,
	"pid":               true,
	"container":         true,
	"container_id":      true,
	"iface":             true,
	"interface":         true,
}

// parseCaptureHint splits hint on whitespace/comma/semicolon into key:value
// or key=value tokens (spec.md §4.8.1). Values may be quoted with ' or ".
func parseCaptureHint(hint string) (captureHint, error) {
	tokens := tokenizeHint(hint)
	if len(tokens) == 0 {
		return captureHint{}, fmt.Errorf("manager: empty capture hint")
	}

	hasTarget := false
	for _, tok := range tokens {
		k, _, ok := splitKV(tok)
		if ok && hintTargetKeys[strings.ToLower(k)] {
			hasTarget = true
			break
		}
	}

	var parsed []kv
	if hasTarget {
		for _, tok := range tokens {
			if k, v, ok := splitKV(tok); ok {
				parsed = append(parsed, kv{k, v})
			}
		}
	} else {
		k, v, ok := splitKV(hint)
		if !ok {
			return captureHint{}, fmt.Errorf("manager: no target identifiable in hint %q", hint)
		}
		parsed = []kv{{k, v}}
	}

	var h captureHint
	foundTarget := false
	for _, p := range parsed {
		key := strings.ToLower(p.key)
		val := unquote(p.value)
		switch key {
		case "process", "proc":
			h.mode = tasktable.ModeProcess
			h.procName = val
			foundTarget = true
		case "pid":
			h.mode = tasktable.ModePID
			if n, err := strconv.Atoi(val); err == nil {
				h.pid = n
			}
			foundTarget = true
		case "container", "container_id":
			h.mode = tasktable.ModeContainer
			h.containerID = val
			foundTarget = true
		case "iface", "interface":
			h.mode = tasktable.ModeInterface
			h.iface = val
			foundTarget = true
		case "netns":
			// accepted so the keyword is not rejected; the value is discarded
			// (neither the hint nor the task records it).
		case "filter":
			h.bpf = val
		case "protocol", "protocol_filter":
			h.protocol = val
		case "ip", "ip_filter":
			h.ipFilter = val
		case "port", "port_filter":
			if n, err := strconv.Atoi(val); err == nil {
				h.portFilter = n
			}
		case "category":
			h.category = val
		case "duration", "duration_sec":
			if n, err := strconv.Atoi(val); err == nil {
				h.durationSec = n
			}
		case "max_bytes":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				h.maxBytes = n
			}
		case "max_packets":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				h.maxPackets = n
			}
		}
	}
	if !foundTarget {
		return captureHint{}, fmt.Errorf("manager: no target identifiable in hint %q", hint)
	}
	return h, nil
}

type kv struct {
	key, value string
}

func tokenizeHint(hint string) []string {
	return strings.FieldsFunc(hint, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ',' || r == ';'
	})
}

func splitKV(tok string) (key, value string, ok bool) {
	if i := strings.IndexAny(tok, ":="); i >= 0 {
		return tok[:i], tok[i+1:], true
	}
	return "", "", false
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '\'' && v[len(v)-1] == '\'') || (v[0] == '"' && v[len(v)-1] == '"') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
