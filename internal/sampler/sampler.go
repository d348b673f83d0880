// Package sampler implements the periodic resource sampler (spec.md §4.8):
// it parses /proc/stat, /proc/meminfo, and /proc/net/dev on a timer,
// evaluates per-module thresholds, and publishes SampleAlert to the
// manager. Built on the standard library for the same reason
// internal/procinfo is — no example repo in the retrieval pack wraps /proc
// sampling behind a third-party client.
package sampler

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"icc.tech/capture-agent/internal/bus"
	"icc.tech/capture-agent/internal/config"
	"icc.tech/capture-agent/internal/messages"
	"icc.tech/capture-agent/internal/metrics"
)

const minInterval = 1 * time.Second

// cpuSnapshot is one /proc/stat "cpu " line's jiffy counters.
type cpuSnapshot struct {
	total, idle uint64
}

// netSnapshot is the summed rx/tx byte counters across all non-loopback
// interfaces.
type netSnapshot struct {
	rxBytes, txBytes uint64
	at               time.Time
}

// Actor is the process-global sampler.
type Actor struct {
	self        bus.Dest
	managerDest bus.Dest
	b           *bus.Bus
	logger      *slog.Logger

	strategy *config.StrategyConfig
	lastCPU  cpuSnapshot
	lastNet  netSnapshot
}

// New constructs the sampler. strategy is replaced via Refresh, which the
// reload actor calls when the strategy file changes.
func New(b *bus.Bus, managerDest bus.Dest, strategy *config.StrategyConfig, logger *slog.Logger) *Actor {
	return &Actor{
		self:        bus.Dest{Actor: bus.ActorSampler},
		managerDest: managerDest,
		b:           b,
		strategy:    strategy,
		logger:      logger,
	}
}

// Run samples on a fixed interval until ctx is cancelled, draining and
// ignoring whatever arrives on its own mailbox.
func (a *Actor) Run(ctx context.Context) error {
	mailbox, err := a.b.Register(a.self)
	if err != nil {
		return fmt.Errorf("sampler: register: %w", err)
	}
	defer a.b.Unregister(a.self)

	interval := intervalFromStrategy(a.strategy)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-mailbox:
			if !ok {
				return nil
			}
			// the sampler currently has no inbound message types of its own;
			// strategy updates arrive via Refresh, called directly by the
			// reload actor since both run in the same process.
		case <-ticker.C:
			a.sample()
		}
	}
}

// Refresh swaps in a newly parsed strategy file (spec.md §4.9 reload path).
func (a *Actor) Refresh(strategy *config.StrategyConfig) {
	a.strategy = strategy
}

func intervalFromStrategy(s *config.StrategyConfig) time.Duration {
	return minInterval * 15 // default 15s; strategy carries threshold fields only, interval is a daemon-level constant (spec.md §4.8)
}

func (a *Actor) sample() {
	now := time.Now()

	cpuPct, cpu, err := readCPUPct(a.lastCPU)
	if err != nil {
		a.logger.Warn("sampler: read cpu", "err", err)
	} else {
		a.lastCPU = cpu
	}

	memPct, err := readMemPct()
	if err != nil {
		a.logger.Warn("sampler: read mem", "err", err)
	}

	rxKbps, txKbps, net, err := readNetKbps(a.lastNet, now)
	if err != nil {
		a.logger.Warn("sampler: read net", "err", err)
	} else {
		a.lastNet = net
	}

	a.evaluate(now, cpuPct, memPct, rxKbps, txKbps)
}

// evaluate implements spec.md §4.8's threshold-evaluation rule: iterate
// configured modules, or fall back to an implicit "default" module using the
// global thresholds when none are configured.
func (a *Actor) evaluate(now time.Time, cpuPct, memPct, rxKbps, txKbps float64) {
	if a.strategy == nil {
		return
	}
	s := a.strategy.Sample

	if len(s.Triggers) == 0 {
		a.checkModule(now, "default", s.CPUPctGT, s.MemPctGT, s.NetRxKbpsGT, cpuPct, memPct, rxKbps, txKbps, "", 0, 0)
		return
	}
	for _, m := range s.Triggers {
		a.checkModule(now, m.Name, m.CPUPctGT, m.MemPctGT, m.NetRxKbpsGT, cpuPct, memPct, rxKbps, txKbps, m.TriggerCapture, m.CaptureDurationS, m.CooldownSec)
	}
}

func (a *Actor) checkModule(now time.Time, module string, cpuThresh, memThresh, netThresh, cpuPct, memPct, rxKbps, txKbps float64, hint string, durationSec, cooldownSec int) {
	hitCPU := cpuThresh > 0 && cpuPct > cpuThresh
	hitMem := memThresh > 0 && memPct > memThresh
	hitNet := netThresh > 0 && rxKbps > netThresh
	if !hitCPU && !hitMem && !hitNet {
		return
	}
	if hitCPU {
		metrics.SampleAlertsTotal.WithLabelValues(module, "cpu").Inc()
	}
	if hitMem {
		metrics.SampleAlertsTotal.WithLabelValues(module, "mem").Inc()
	}
	if hitNet {
		metrics.SampleAlertsTotal.WithLabelValues(module, "net").Inc()
	}

	_ = a.b.Send(a.self, a.managerDest, messages.SampleAlert{
		Timestamp:   now,
		CPUPct:      cpuPct,
		MemPct:      memPct,
		RxKbps:      rxKbps,
		TxKbps:      txKbps,
		Module:      module,
		HitCPU:      hitCPU,
		HitMem:      hitMem,
		HitNet:      hitNet,
		CaptureHint: hint,
		DurationSec: durationSec,
		CooldownSec: cooldownSec,
	})
}

// readCPUPct parses the aggregate "cpu " line of /proc/stat (spec.md §4.8).
func readCPUPct(prev cpuSnapshot) (float64, cpuSnapshot, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, prev, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, prev, fmt.Errorf("sampler: empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, prev, fmt.Errorf("sampler: unexpected /proc/stat format")
	}

	var vals [4]uint64
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return 0, prev, err
		}
		vals[i] = v
	}
	user, nice, system, idle := vals[0], vals[1], vals[2], vals[3]
	total := user + nice + system + idle
	cur := cpuSnapshot{total: total, idle: idle}

	if prev.total == 0 {
		return 0, cur, nil
	}
	deltaTotal := total - prev.total
	deltaIdle := idle - prev.idle
	if deltaTotal == 0 {
		return 0, cur, nil
	}
	pct := float64(deltaTotal-deltaIdle) / float64(deltaTotal) * 100
	return pct, cur, nil
}

// readMemPct parses MemTotal/MemAvailable from /proc/meminfo (spec.md §4.8).
func readMemPct() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoValue(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoValue(line)
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("sampler: MemTotal not found")
	}
	return float64(total-available) / float64(total) * 100, nil
}

func parseMeminfoValue(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}

// readNetKbps sums rx/tx bytes across every interface except lo in
// /proc/net/dev and divides the delta by the elapsed interval (spec.md
// §4.8).
func readNetKbps(prev netSnapshot, now time.Time) (rxKbps, txKbps float64, cur netSnapshot, err error) {
	f, err := os.Open("/proc/net/dev")
	if err != nil {
		return 0, 0, prev, err
	}
	defer f.Close()

	var rxTotal, txTotal uint64
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= 2 {
			continue // header lines
		}
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		iface := strings.TrimSpace(parts[0])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(parts[1])
		if len(fields) < 9 {
			continue
		}
		rx, _ := strconv.ParseUint(fields[0], 10, 64)
		tx, _ := strconv.ParseUint(fields[8], 10, 64)
		rxTotal += rx
		txTotal += tx
	}

	cur = netSnapshot{rxBytes: rxTotal, txBytes: txTotal, at: now}
	if prev.at.IsZero() {
		return 0, 0, cur, nil
	}
	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0, 0, cur, nil
	}
	rxKbps = float64(rxTotal-prev.rxBytes) / 1024 / elapsed
	txKbps = float64(txTotal-prev.txBytes) / 1024 / elapsed
	return rxKbps, txKbps, cur, nil
}
