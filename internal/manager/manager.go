// Package manager implements the capture manager actor (spec.md §4.3): it
// accepts start/stop/query requests, resolves targets, dedups and
// capacity-gates new captures, dispatches to workers round-robin, and folds
// every worker/cleanup lifecycle event back into the task table. Grounded on
// the teacher's internal/task manager CRUD surface, adapted from its
// mutex-guarded map onto icc.tech/capture-agent/internal/tasktable's
// double-buffered design.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"icc.tech/capture-agent/internal/bus"
	"icc.tech/capture-agent/internal/captureerr"
	"icc.tech/capture-agent/internal/config"
	"icc.tech/capture-agent/internal/messages"
	"icc.tech/capture-agent/internal/metrics"
	"icc.tech/capture-agent/internal/pdef"
	"icc.tech/capture-agent/internal/procinfo"
	"icc.tech/capture-agent/internal/tasktable"
)

// Actor is the process-global capture manager.
type Actor struct {
	self        bus.Dest
	cleanupDest bus.Dest
	eventDest   *bus.Dest // optional: set via SetEventExportDest
	b           *bus.Bus
	table       *tasktable.Table
	pdefCache   *pdef.Cache
	logger      *slog.Logger

	cfg       atomic.Pointer[config.Snapshot]
	workers   []bus.Dest
	rrIndex   int
	cooldowns map[string]time.Time // module -> last trigger, manager-local (spec.md §4.8.1)
}

// New constructs the manager. workers is the fixed pool of worker bus.Dests
// addressed round-robin (spec.md §4.3.1 step 9).
func New(b *bus.Bus, cleanupDest bus.Dest, table *tasktable.Table, pdefCache *pdef.Cache, workers []bus.Dest, initial *config.Snapshot, logger *slog.Logger) *Actor {
	a := &Actor{
		self:        bus.Dest{Actor: bus.ActorManager},
		cleanupDest: cleanupDest,
		b:           b,
		table:       table,
		pdefCache:   pdefCache,
		workers:     workers,
		cooldowns:   make(map[string]time.Time),
		logger:      logger,
	}
	a.cfg.Store(initial)
	return a
}

// SetEventExportDest wires an optional lifecycle-event sink (spec.md §4.3's
// audit export, implemented by internal/eventexport). Unset by default: a
// deployment without a configured event-export broker gets no LifecycleEvent
// traffic at all.
func (a *Actor) SetEventExportDest(dest bus.Dest) {
	a.eventDest = &dest
}

func (a *Actor) emitLifecycle(ev messages.LifecycleEvent) {
	if a.eventDest == nil {
		return
	}
	ev.At = time.Now()
	_ = a.b.Send(a.self, *a.eventDest, ev)
}

// Self is the bus.Dest callers (HTTP handlers, sampler) address requests to.
func (a *Actor) Self() bus.Dest { return a.self }

// Run drains the manager's mailbox until ctx is cancelled (spec.md §5:
// "each actor drains its mailbox between iterations").
func (a *Actor) Run(ctx context.Context) error {
	mailbox, err := a.b.Register(a.self)
	if err != nil {
		return fmt.Errorf("manager: register: %w", err)
	}
	defer a.b.Unregister(a.self)

	idleTicker := time.NewTicker(5 * time.Second)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-mailbox:
			if !ok {
				return nil
			}
			a.dispatch(env.Body)
		case <-idleTicker.C:
			a.table.CleanupPendingDeletes()
		}
	}
}

func (a *Actor) dispatch(body any) {
	switch m := body.(type) {
	case messages.StartCapture:
		a.handleStart(m)
	case messages.StopCapture:
		a.handleStop(m)
	case messages.QueryCapture:
		a.handleQuery(m)
	case messages.CaptureStarted:
		a.handleStarted(m)
	case messages.CaptureProgress:
		a.handleProgress(m)
	case messages.CaptureFileReady:
		a.handleFileReady(m)
	case messages.CaptureFinished:
		a.handleFinished(m)
	case messages.CaptureFailed:
		a.handleFailed(m)
	case messages.CleanCompressDone:
		a.handleCompressDone(m)
	case messages.CleanCompressFailed:
		a.handleCompressFailed(m)
	case messages.SampleAlert:
		a.handleSampleAlert(m)
	case messages.ConfigRefresh:
		a.cfg.Store(m.Snapshot)
	}
}

// handleStart implements spec.md §4.3.1 steps 1-10.
func (a *Actor) handleStart(req messages.StartCapture) {
	cfg := a.cfg.Load()
	reply := messages.StartReply{}

	mode := req.Mode
	var resolvedIface, procName string
	var matchedPIDs []int
	var err error

	switch mode {
	case tasktable.ModeProcess, tasktable.ModePID:
		procName = req.ProcName
		matchedPIDs, err = a.resolveProcessTargets(req)
		if err != nil || len(matchedPIDs) == 0 {
			reply.HTTPStatus = 404
			reply.Error = "process not found"
			metrics.CaptureRequestsRejectedTotal.WithLabelValues("process_not_found").Inc()
			req.Reply <- reply
			return
		}
	}

	bpf := req.BPF
	portFilter := req.PortFilter
	if mode == tasktable.ModeProcess || mode == tasktable.ModePID {
		ports := collectListeningPorts(matchedPIDs)
		if bpf == "" && len(ports) > 0 {
			bpf = procinfo.BuildAutoBPF(ports)
			if len(ports) == 1 {
				portFilter = ports[0]
			}
		}
	}
	if portFilter == 0 && bpf != "" {
		inferred := procinfo.PortsFromBPF(bpf)
		if len(inferred) == 1 {
			portFilter = inferred[0]
		}
	}

	resolvedIface = req.Iface
	if resolvedIface == "" {
		resolvedIface = cfg.DefaultInterface
		if resolvedIface == "" {
			resolvedIface = "any"
		}
	}
	duration := req.DurationSec
	if duration <= 0 {
		duration = cfg.DefaultDuration
		if duration <= 0 {
			duration = 60
		}
	}

	sortedPIDs := append([]int(nil), matchedPIDs...)
	sigInput := tasktable.SignatureInput{
		Mode:           mode.String(),
		Iface:          req.Iface,
		ResolvedIface:  resolvedIface,
		Category:       req.Category,
		FilePattern:    req.FilePattern,
		OutputDir:      cfg.BaseDir,
		BPF:            bpf,
		ProtocolFilter: req.Protocol,
		IPFilter:       req.IPFilter,
		PortFilter:     portFilter,
		DurationSec:    duration,
		MaxBytes:       req.MaxBytes,
		MaxPackets:     req.MaxPackets,
		Snaplen:        262144,
		NetnsPath:      "",
		ProcName:       procName,
		ContainerID:    req.ContainerID,
		SortedPIDs:     sortedPIDs,
	}
	signature := tasktable.Signature(sigInput)
	now := time.Now()
	sid := tasktable.SID(signature, now)
	key := buildKey(mode, resolvedIface, procName, req.Category, req.ContainerID)

	if existing, ok := a.table.QueryBySignature(signature); ok && !existing.Status.IsTerminal() {
		reply.HTTPStatus = 409
		reply.Error = "duplicate capture"
		reply.Key = existing.Key
		reply.SID = existing.SID
		reply.ExistingCaptureID = existing.CaptureID
		reply.Status = existing.Status.String()
		metrics.CaptureRequestsRejectedTotal.WithLabelValues("duplicate").Inc()
		req.Reply <- reply
		return
	}
	if existing, ok := a.table.QueryByKey(key); ok && !existing.Status.IsTerminal() {
		reply.HTTPStatus = 409
		reply.Error = "duplicate capture"
		reply.Key = existing.Key
		reply.SID = existing.SID
		reply.ExistingCaptureID = existing.CaptureID
		reply.Status = existing.Status.String()
		metrics.CaptureRequestsRejectedTotal.WithLabelValues("duplicate").Inc()
		req.Reply <- reply
		return
	}

	stats := a.table.Stats()
	maxConcurrent := cfg.MaxConcurrentCaptures
	if maxConcurrent > 0 && stats.Running+stats.Resolving >= int64(maxConcurrent) {
		reply.HTTPStatus = 429
		reply.Error = "too many concurrent captures"
		metrics.CaptureRequestsRejectedTotal.WithLabelValues("capacity").Inc()
		req.Reply <- reply
		return
	}

	captureID := a.table.NextCaptureID()
	task := &tasktable.CaptureTask{
		CaptureID:      captureID,
		Key:            key,
		Signature:      signature,
		SID:            sid,
		Mode:           mode,
		RequestedIface: req.Iface,
		ResolvedIface:  resolvedIface,
		ProcName:       procName,
		MatchedPIDs:    matchedPIDs,
		ContainerID:    req.ContainerID,
		BPF:            bpf,
		ProtocolFilter: req.Protocol,
		IPFilter:       req.IPFilter,
		PortFilter:     portFilter,
		Category:       firstNonEmpty(req.Category, cfg.DefaultCategory),
		FilePattern:    firstNonEmpty(req.FilePattern, cfg.FilePattern),
		Duration:       duration,
		MaxBytes:       req.MaxBytes,
		MaxPackets:     req.MaxPackets,
		Status:         tasktable.Pending,
		ClientID:       req.ClientIP,
		UserLabel:      req.RequestUser,
	}
	if err := a.table.Add(task); err != nil {
		reply.HTTPStatus = 409
		reply.Error = err.Error()
		metrics.CaptureRequestsRejectedTotal.WithLabelValues("table_add_conflict").Inc()
		req.Reply <- reply
		return
	}
	a.refreshTaskStatusMetric()

	var protocol *pdef.Protocol
	if req.ProtocolFilterInline != "" {
		if p, err := a.pdefCache.LoadInline(req.ProtocolFilterInline); err == nil {
			protocol = p
		} else {
			a.logger.Warn("manager: inline protocol parse failed", "err", err)
		}
	} else if path, ok := cfg.Protocols[req.Protocol]; ok && path != "" {
		if p, err := a.pdefCache.LoadFile(path); err == nil {
			protocol = p
		} else {
			a.logger.Warn("manager: protocol parse failed", "path", path, "err", err)
		}
	}

	workerIndex := 0
	if len(a.workers) > 0 {
		workerIndex = a.rrIndex % len(a.workers)
	}
	worker := a.nextWorker()
	_ = a.table.Update(captureID, func(c *tasktable.CaptureTask) {
		c.Status = tasktable.Resolving
		c.WorkerThreadIndex = workerIndex
	})
	a.refreshTaskStatusMetric()
	_ = a.b.Send(a.self, worker, messages.CaptureStart{
		CaptureID: captureID,
		Spec:      *task,
		Config:    cfg,
		Protocol:  protocol,
	})

	metrics.CapturesStartedTotal.WithLabelValues(mode.String()).Inc()

	reply.HTTPStatus = 200
	reply.CaptureID = captureID
	reply.Status = "started"
	reply.Mode = mode.String()
	reply.Key = key
	reply.SID = sid
	reply.MatchedPIDs = matchedPIDs
	reply.Port = portFilter
	req.Reply <- reply
}

func (a *Actor) resolveProcessTargets(req messages.StartCapture) ([]int, error) {
	if req.Mode == tasktable.ModePID {
		return []int{req.PID}, nil
	}
	return procinfo.MatchProcesses(req.ProcName)
}

func collectListeningPorts(pids []int) []int {
	seen := map[int]bool{}
	var out []int
	for _, pid := range pids {
		ports, err := procinfo.ListeningPortsForPID(pid)
		if err != nil {
			continue
		}
		for _, p := range ports {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// buildKey mirrors original_source/rxcapturemanagerthread.cpp's
// generate_task_key(): the case-3 (container) key folds in the container
// identity, since two container-mode captures on the same host otherwise
// share the same interface/proc-name/category tuple and would collide.
func buildKey(mode tasktable.Mode, iface, procName, category, containerID string) string {
	if mode == tasktable.ModeContainer {
		return fmt.Sprintf("%s|%s|%s|%s|%s", mode.String(), iface, procName, category, containerID)
	}
	return fmt.Sprintf("%s|%s|%s|%s", mode.String(), iface, procName, category)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func (a *Actor) nextWorker() bus.Dest {
	if len(a.workers) == 0 {
		return bus.Dest{Actor: bus.ActorWorker, ObjectID: "0"}
	}
	w := a.workers[a.rrIndex%len(a.workers)]
	a.rrIndex++
	return w
}

// handleStop implements spec.md §4.3.3.
func (a *Actor) handleStop(req messages.StopCapture) {
	task, ok := a.lookupStop(req)
	reply := messages.StopReply{}
	if !ok {
		reply.HTTPStatus = 404
		reply.Error = "capture not found"
		req.Reply <- reply
		return
	}

	reply.CaptureID = task.CaptureID
	reply.Key = task.Key
	reply.SID = task.SID

	if task.Status.IsTerminal() {
		reply.HTTPStatus = 200
		reply.Status = task.Status.String()
		reply.Dispatched = false
		req.Reply <- reply
		return
	}

	_ = a.table.Update(task.CaptureID, func(c *tasktable.CaptureTask) {
		c.StopRequested = true
	})

	dispatched := false
	if task.WorkerThreadIndex >= 0 && task.WorkerThreadIndex < len(a.workers) {
		workerSession := bus.Dest{Actor: bus.ActorWorker, ObjectID: fmt.Sprintf("%d", task.CaptureID)}
		if sendErr := a.b.Send(a.self, workerSession, messages.CaptureStop{CaptureID: task.CaptureID}); sendErr == nil {
			dispatched = true
		}
	}
	if !dispatched {
		_ = a.table.UpdateStatus(task.CaptureID, tasktable.Stopped)
		a.refreshTaskStatusMetric()
	}

	reply.HTTPStatus = 200
	reply.Status = task.Status.String()
	reply.Dispatched = dispatched
	req.Reply <- reply
}

// refreshTaskStatusMetric republishes the per-status task gauge from the
// table's live counters (spec.md §4.2 get_stats), called after every
// status transition so TaskStatus always reflects the table.
func (a *Actor) refreshTaskStatusMetric() {
	stats := a.table.Stats()
	metrics.TaskStatus.WithLabelValues(tasktable.Pending.String()).Set(float64(stats.Pending))
	metrics.TaskStatus.WithLabelValues(tasktable.Resolving.String()).Set(float64(stats.Resolving))
	metrics.TaskStatus.WithLabelValues(tasktable.Running.String()).Set(float64(stats.Running))
	metrics.TaskStatus.WithLabelValues(tasktable.Completed.String()).Set(float64(stats.Completed))
	metrics.TaskStatus.WithLabelValues(tasktable.Failed.String()).Set(float64(stats.Failed))
	metrics.TaskStatus.WithLabelValues(tasktable.Stopped.String()).Set(float64(stats.Stopped))
}

func (a *Actor) lookupStop(req messages.StopCapture) (*tasktable.Snapshot, bool) {
	if req.SID != "" {
		return a.table.QueryBySID(req.SID)
	}
	return a.table.Query(req.CaptureID)
}

// handleQuery implements spec.md §4.3.3's query path.
func (a *Actor) handleQuery(req messages.QueryCapture) {
	var task *tasktable.Snapshot
	var ok bool
	if req.SID != "" {
		task, ok = a.table.QueryBySID(req.SID)
	} else {
		task, ok = a.table.Query(req.CaptureID)
	}
	if !ok {
		req.Reply <- messages.QueryReply{HTTPStatus: 404, Error: "capture not found"}
		return
	}
	req.Reply <- messages.QueryReply{HTTPStatus: 200, Task: task}
}

func (a *Actor) handleStarted(m messages.CaptureStarted) {
	_ = a.table.Update(m.CaptureID, func(c *tasktable.CaptureTask) {
		c.Status = tasktable.Running
		c.StartTime = m.StartTime
	})
	a.refreshTaskStatusMetric()
	if task, ok := a.table.Query(m.CaptureID); ok {
		a.emitLifecycle(messages.LifecycleEvent{
			CaptureID: task.CaptureID,
			Key:       task.Key,
			SID:       task.SID,
			Status:    task.Status.String(),
			Mode:      task.Mode.String(),
			Iface:     task.ResolvedIface,
			ProcName:  task.ProcName,
		})
	}
}

func (a *Actor) handleProgress(m messages.CaptureProgress) {
	_ = a.table.Update(m.CaptureID, func(c *tasktable.CaptureTask) {
		c.Packets = m.Packets
		c.Bytes = m.Bytes
	})
}

func (a *Actor) handleFileReady(m messages.CaptureFileReady) {
	task, ok := a.table.Query(m.CaptureID)
	if !ok {
		return
	}
	_ = a.table.Update(m.CaptureID, func(c *tasktable.CaptureTask) {
		c.CapturedFiles = append(c.CapturedFiles, m.File)
	})
	_ = a.b.Send(a.self, a.cleanupDest, messages.FileEnqueue{
		CaptureID: m.CaptureID,
		Key:       task.Key,
		SID:       task.SID,
		File:      m.File,
		Config:    a.cfg.Load(),
	})
}

// handleFinished implements spec.md §4.3.2's terminal transition, including
// clearing any module cooldown recorded for this capture's originating
// sampler trigger.
func (a *Actor) handleFinished(m messages.CaptureFinished) {
	status := tasktable.Completed
	var errMsg string
	switch m.ExitCode {
	case captureerr.None:
		status = tasktable.Completed
	case captureerr.RunCancelled:
		status = tasktable.Stopped
	default:
		status = tasktable.Failed
		errMsg = m.ExitCode.String()
	}

	task, _ := a.table.Query(m.CaptureID)
	_ = a.table.Update(m.CaptureID, func(c *tasktable.CaptureTask) {
		c.Status = status
		c.EndTime = m.EndTime
		c.Packets = m.Packets
		c.Bytes = m.Bytes
		if errMsg != "" {
			c.Error = errMsg
		}
	})
	a.refreshTaskStatusMetric()
	if task != nil {
		a.clearCooldownFor(task.UserLabel)
		a.emitLifecycle(messages.LifecycleEvent{
			CaptureID: task.CaptureID,
			Key:       task.Key,
			SID:       task.SID,
			Status:    status.String(),
			Mode:      task.Mode.String(),
			Iface:     task.ResolvedIface,
			ProcName:  task.ProcName,
			Packets:   m.Packets,
			Bytes:     m.Bytes,
			Error:     errMsg,
		})
	}
}

func (a *Actor) handleFailed(m messages.CaptureFailed) {
	task, _ := a.table.Query(m.CaptureID)
	_ = a.table.Update(m.CaptureID, func(c *tasktable.CaptureTask) {
		c.Status = tasktable.Failed
		c.Error = m.Message
		c.EndTime = time.Now()
	})
	a.refreshTaskStatusMetric()
	if task != nil {
		a.clearCooldownFor(task.UserLabel)
		a.emitLifecycle(messages.LifecycleEvent{
			CaptureID: task.CaptureID,
			Key:       task.Key,
			SID:       task.SID,
			Status:    tasktable.Failed.String(),
			Mode:      task.Mode.String(),
			Iface:     task.ResolvedIface,
			ProcName:  task.ProcName,
			Error:     m.Message,
		})
	}
}

func (a *Actor) clearCooldownFor(userLabel string) {
	const prefix = "module:"
	if !strings.HasPrefix(userLabel, prefix) {
		return
	}
	delete(a.cooldowns, strings.TrimPrefix(userLabel, prefix))
}

func (a *Actor) handleCompressDone(m messages.CleanCompressDone) {
	_ = a.table.Update(m.CaptureID, func(c *tasktable.CaptureTask) {
		c.Archives = append(c.Archives, m.Archive)
		merged := make([]tasktable.CapturedFile, 0, len(c.CapturedFiles))
		updatedByPath := map[string]tasktable.CapturedFile{}
		for _, f := range m.Files {
			updatedByPath[f.FilePath] = f
		}
		for _, f := range c.CapturedFiles {
			if u, ok := updatedByPath[f.FilePath]; ok {
				merged = append(merged, u)
			} else {
				merged = append(merged, f)
			}
		}
		c.CapturedFiles = merged
	})
}

func (a *Actor) handleCompressFailed(m messages.CleanCompressFailed) {
	a.logger.Warn("manager: batch compression failed, retrying next cycle", "capture_id", m.CaptureID, "code", m.Code, "message", m.Message)
}

// handleSampleAlert implements spec.md §4.8.1: parse the hint, check
// cooldown, and synthesize a StartCapture on fire.
func (a *Actor) handleSampleAlert(m messages.SampleAlert) {
	if m.CaptureHint == "" {
		return
	}
	if last, ok := a.cooldowns[m.Module]; ok {
		if time.Since(last) < time.Duration(m.CooldownSec)*time.Second {
			return
		}
	}

	hint, err := parseCaptureHint(m.CaptureHint)
	if err != nil {
		a.logger.Warn("manager: capture hint rejected", "module", m.Module, "hint", m.CaptureHint, "err", err)
		return
	}
	a.cooldowns[m.Module] = time.Now()

	req := messages.StartCapture{
		Mode:                 hint.mode,
		Iface:                hint.iface,
		ProcName:             hint.procName,
		PID:                  hint.pid,
		ContainerID:          hint.containerID,
		BPF:                  hint.bpf,
		Protocol:             hint.protocol,
		ProtocolFilterInline: "",
		IPFilter:             hint.ipFilter,
		PortFilter:           hint.portFilter,
		Category:             firstNonEmpty(hint.category, m.Module),
		DurationSec:          firstPositive(hint.durationSec, m.DurationSec),
		MaxBytes:             hint.maxBytes,
		MaxPackets:           hint.maxPackets,
		RequestUser:          "module:" + m.Module,
		Reply:                make(chan messages.StartReply, 1),
	}
	a.handleStart(req)
	a.emitLifecycle(messages.LifecycleEvent{
		Status: "sampler_triggered",
		Module: m.Module,
	})
}

func firstPositive(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}
