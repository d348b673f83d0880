// Package procinfo resolves process-mode and pid-mode capture targets by
// walking /proc directly (spec.md §4.3.1 step 1) — necessarily built on the
// standard library since no example repo in the retrieval pack wraps /proc
// introspection behind a third-party client; os/bufio string scanning is the
// idiomatic Go shape for this regardless of ecosystem.
package procinfo

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ListeningPort is a resolved TCP listening socket for a matched pid.
type ListeningPort struct {
	PID  int
	Port int
}

// MatchProcesses returns every pid in /proc whose comm equals pattern, whose
// comm contains pattern, whose cmdline contains pattern, or whose executable
// basename matches pattern (spec.md §4.3.1 step 1).
func MatchProcesses(pattern string) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("procinfo: read /proc: %w", err)
	}

	var matched []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if matchesProcess(pid, pattern) {
			matched = append(matched, pid)
		}
	}
	sort.Ints(matched)
	return matched, nil
}

func matchesProcess(pid int, pattern string) bool {
	comm := readComm(pid)
	if comm == pattern || strings.Contains(comm, pattern) {
		return true
	}

	cmdline := readCmdline(pid)
	if strings.Contains(cmdline, pattern) {
		return true
	}

	exe := readExeBasename(pid)
	if exe == pattern {
		return true
	}
	return false
}

func readComm(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readCmdline(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return ""
	}
	return strings.ReplaceAll(string(data), "\x00", " ")
}

func readExeBasename(pid int) string {
	target, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// ListeningPortsForPID resolves pid's listening TCP ports by cross
// referencing its open socket inodes against /proc/net/tcp{,6} rows in
// state LISTEN (0A) (spec.md §4.3.1 step 1).
func ListeningPortsForPID(pid int) ([]int, error) {
	inodes, err := socketInodes(pid)
	if err != nil {
		return nil, err
	}
	if len(inodes) == 0 {
		return nil, nil
	}

	ports := map[int]struct{}{}
	for _, netFile := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		rows, err := parseNetTCP(netFile)
		if err != nil {
			continue
		}
		for _, row := range rows {
			if row.State != "0A" {
				continue
			}
			if _, ok := inodes[row.Inode]; ok {
				ports[row.LocalPort] = struct{}{}
			}
		}
	}

	out := make([]int, 0, len(ports))
	for p := range ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}

func socketInodes(pid int) (map[string]struct{}, error) {
	fdDir := fmt.Sprintf("/proc/%d/fd", pid)
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return nil, fmt.Errorf("procinfo: read %s: %w", fdDir, err)
	}

	inodes := map[string]struct{}{}
	for _, e := range entries {
		link, err := os.Readlink(filepath.Join(fdDir, e.Name()))
		if err != nil {
			continue
		}
		if strings.HasPrefix(link, "socket:[") && strings.HasSuffix(link, "]") {
			inode := link[len("socket:[") : len(link)-1]
			inodes[inode] = struct{}{}
		}
	}
	return inodes, nil
}

type netTCPRow struct {
	LocalPort int
	State     string
	Inode     string
}

// parseNetTCP parses the fixed-width /proc/net/tcp[6] table format:
// "sl local_address rem_address st ... inode ...".
func parseNetTCP(path string) ([]netTCPRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []netTCPRow
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header line
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		localAddr := fields[1]
		state := fields[3]
		inode := fields[9]

		parts := strings.Split(localAddr, ":")
		if len(parts) != 2 {
			continue
		}
		portVal, err := strconv.ParseInt(parts[1], 16, 32)
		if err != nil {
			continue
		}
		rows = append(rows, netTCPRow{LocalPort: int(portVal), State: strings.ToUpper(state), Inode: inode})
	}
	return rows, scanner.Err()
}

// BuildAutoBPF synthesizes "port P1 or port P2 or ..." from a set of
// listening ports (spec.md §4.3.1 step 2).
func BuildAutoBPF(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = fmt.Sprintf("port %d", p)
	}
	return strings.Join(parts, " or ")
}

// PortsFromBPF extracts distinct "port N" tokens from a BPF filter string
// (spec.md §4.3.1 step 3). It returns the tokens in first-seen order.
func PortsFromBPF(bpf string) []int {
	fields := strings.Fields(bpf)
	seen := map[int]bool{}
	var ports []int
	for i := 0; i < len(fields)-1; i++ {
		if strings.EqualFold(fields[i], "port") {
			if p, err := strconv.Atoi(fields[i+1]); err == nil {
				if !seen[p] {
					seen[p] = true
					ports = append(ports, p)
				}
			}
		}
	}
	return ports
}
