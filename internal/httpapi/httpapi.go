// Package httpapi implements the HTTP control plane (spec.md §6.1): start,
// stop, status, PDEF upload/list/get, and health. Grounded on
// marmos91-dittofs's internal/controlplane/api/handlers package for the
// go-chi/chi router shape and handler-struct-over-a-store-interface pattern,
// adapted so the "store" is the capture manager's request/reply bus
// messages instead of a database-backed store.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"icc.tech/capture-agent/internal/bus"
	"icc.tech/capture-agent/internal/messages"
	"icc.tech/capture-agent/internal/pdef"
	"icc.tech/capture-agent/internal/tasktable"
)

const maxPdefUploadBytes = 2 * 1024 * 1024

// Handler wires the control-plane endpoints to the manager over the bus.
type Handler struct {
	b              *bus.Bus
	managerDest    bus.Dest
	logger         *slog.Logger
	protocolsDir   string
	pdefScratchDir string
	cache          *pdef.Cache
}

// New constructs the HTTP handler.
func New(b *bus.Bus, managerDest bus.Dest, protocolsDir, pdefScratchDir string, cache *pdef.Cache, logger *slog.Logger) *Handler {
	return &Handler{
		b:              b,
		managerDest:    managerDest,
		logger:         logger,
		protocolsDir:   protocolsDir,
		pdefScratchDir: pdefScratchDir,
		cache:          cache,
	}
}

// Router builds the chi router for the control plane (spec.md §6.1).
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/capture/start", h.handleStart)
	r.Post("/api/capture/stop", h.handleStop)
	r.Get("/api/capture/status", h.handleStatus)
	r.Post("/api/pdef/upload", h.handleUpload)
	r.Get("/api/pdef/list", h.handleList)
	r.Get("/api/pdef/get", h.handleGet)
	r.Get("/health", h.handleHealth)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type startRequestBody struct {
	Mode                 string `json:"mode"`
	Iface                string `json:"iface"`
	ProcName             string `json:"proc_name"`
	PID                  int    `json:"pid"`
	TargetPID            int    `json:"target_pid"`
	ContainerID          string `json:"container_id"`
	Filter               string `json:"filter"`
	BPF                  string `json:"bpf"`
	Protocol             string `json:"protocol"`
	ProtocolFilter       string `json:"protocol_filter"`
	ProtocolFilterInline string `json:"protocol_filter_inline"`
	IP                   string `json:"ip"`
	IPFilter             string `json:"ip_filter"`
	Port                 int    `json:"port"`
	PortFilter           int    `json:"port_filter"`
	Category             string `json:"category"`
	File                 string `json:"file"`
	FilePattern          string `json:"file_pattern"`
	Duration             int    `json:"duration"`
	DurationSec          int    `json:"duration_sec"`
	MaxBytes             int64  `json:"max_bytes"`
	MaxPackets           int64  `json:"max_packets"`
	ClientIP             string `json:"client_ip"`
	User                 string `json:"user"`
	RequestUser          string `json:"request_user"`
}

// handleStart implements POST /api/capture/start (spec.md §6.1).
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}

	mode := parseMode(body.Mode, body.ProcName, body.PID+body.TargetPID)
	pid := body.PID
	if pid == 0 {
		pid = body.TargetPID
	}

	reply := make(chan messages.StartReply, 1)
	req := messages.StartCapture{
		Mode:                 mode,
		Iface:                body.Iface,
		ProcName:             body.ProcName,
		PID:                  pid,
		ContainerID:          body.ContainerID,
		BPF:                  firstNonEmpty(body.Filter, body.BPF),
		Protocol:             firstNonEmpty(body.Protocol, body.ProtocolFilter),
		ProtocolFilterInline: body.ProtocolFilterInline,
		IPFilter:             firstNonEmpty(body.IP, body.IPFilter),
		PortFilter:           firstPositiveInt(body.Port, body.PortFilter),
		Category:             body.Category,
		FilePattern:          firstNonEmpty(body.File, body.FilePattern),
		DurationSec:          firstPositiveInt(body.Duration, body.DurationSec),
		MaxBytes:             body.MaxBytes,
		MaxPackets:           body.MaxPackets,
		ClientIP:             firstNonEmpty(body.ClientIP, r.RemoteAddr),
		RequestUser:          firstNonEmpty(body.User, body.RequestUser),
		Reply:                reply,
	}

	enqueueStart := time.Now()
	if err := h.b.Send(bus.Dest{}, h.managerDest, req); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "manager unavailable"})
		return
	}
	result := <-reply
	replyAt := time.Now()

	w.Header().Set("X-Enqueue-Ms", strconv.FormatInt(enqueueStart.UnixMilli(), 10))
	w.Header().Set("X-Reply-Ms", strconv.FormatInt(replyAt.UnixMilli(), 10))
	w.Header().Set("X-Delta-Ms", strconv.FormatInt(replyAt.Sub(enqueueStart).Milliseconds(), 10))

	if result.HTTPStatus != http.StatusOK {
		body := map[string]any{"error": result.Error}
		if result.Key != "" {
			body["key"] = result.Key
			body["sid"] = result.SID
			body["existing_capture_id"] = result.ExistingCaptureID
			body["status"] = result.Status
		}
		writeJSON(w, result.HTTPStatus, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capture_id":   result.CaptureID,
		"duplicate":    result.Duplicate,
		"status":       result.Status,
		"mode":         result.Mode,
		"key":          result.Key,
		"sid":          result.SID,
		"matched_pids": result.MatchedPIDs,
		"port":         result.Port,
	})
}

func parseMode(explicit, procName string, pidHint int) tasktable.Mode {
	switch strings.ToLower(explicit) {
	case "process":
		return tasktable.ModeProcess
	case "pid":
		return tasktable.ModePID
	case "container":
		return tasktable.ModeContainer
	case "interface":
		return tasktable.ModeInterface
	}
	if procName != "" {
		return tasktable.ModeProcess
	}
	if pidHint != 0 {
		return tasktable.ModePID
	}
	return tasktable.ModeInterface
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstPositiveInt(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

// handleStop implements POST /api/capture/stop?id=N|sid=S (spec.md §6.1).
func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	id, sid, err := captureLookupParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	reply := make(chan messages.StopReply, 1)
	if err := h.b.Send(bus.Dest{}, h.managerDest, messages.StopCapture{CaptureID: id, SID: sid, Reply: reply}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "manager unavailable"})
		return
	}
	result := <-reply
	if result.HTTPStatus != http.StatusOK {
		writeJSON(w, result.HTTPStatus, map[string]string{"error": result.Error})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capture_id": result.CaptureID,
		"key":        result.Key,
		"sid":        result.SID,
		"status":     result.Status,
		"dispatched": result.Dispatched,
	})
}

// handleStatus implements GET /api/capture/status?id=N|sid=S (spec.md §6.1).
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, sid, err := captureLookupParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	reply := make(chan messages.QueryReply, 1)
	if err := h.b.Send(bus.Dest{}, h.managerDest, messages.QueryCapture{CaptureID: id, SID: sid, Reply: reply}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "manager unavailable"})
		return
	}
	result := <-reply
	if result.HTTPStatus != http.StatusOK {
		writeJSON(w, result.HTTPStatus, map[string]string{"error": result.Error})
		return
	}
	writeJSON(w, http.StatusOK, taskSnapshotJSON(result.Task))
}

func captureLookupParams(r *http.Request) (id int64, sid string, err error) {
	if s := r.URL.Query().Get("sid"); s != "" {
		return 0, s, nil
	}
	idStr := r.URL.Query().Get("id")
	if idStr == "" {
		return 0, "", errors.New("missing id or sid query parameter")
	}
	n, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, "", errors.New("invalid id query parameter")
	}
	return n, "", nil
}

// taskSnapshotJSON renders the status snapshot schema (spec.md §6.1).
func taskSnapshotJSON(t *tasktable.Snapshot) map[string]any {
	out := map[string]any{
		"capture_id":     t.CaptureID,
		"status":         t.Status.String(),
		"mode":           t.Mode.String(),
		"key":            t.Key,
		"sid":            t.SID,
		"start_time":     t.StartTime,
		"end_time":       t.EndTime,
		"packets":        t.Packets,
		"bytes":          t.Bytes,
		"worker":         t.WorkerThreadIndex,
		"stop_requested": t.StopRequested,
		"client_ip":      t.ClientID,
		"request_user":   t.UserLabel,
	}
	if t.ResolvedIface != "" {
		out["iface"] = t.ResolvedIface
	}
	if t.ProcName != "" {
		out["proc_name"] = t.ProcName
	}
	if t.BPF != "" {
		out["filter"] = t.BPF
	}
	if len(t.MatchedPIDs) > 0 {
		out["pid"] = t.MatchedPIDs
	}
	if t.PortFilter != 0 {
		out["port"] = t.PortFilter
	}
	if t.Error != "" {
		out["error"] = t.Error
	}
	if len(t.CapturedFiles) > 0 {
		files := make([]map[string]any, 0, len(t.CapturedFiles))
		for _, f := range t.CapturedFiles {
			entry := map[string]any{
				"path":       f.FilePath,
				"size":       f.ByteSize,
				"segment":    f.Segment,
				"segments":   f.Segments,
				"compressed": f.Compressed,
			}
			if f.ArchivePath != "" {
				entry["archive"] = f.ArchivePath
				entry["compressed_at"] = f.CompressedAt
			}
			if f.MetadataPath != "" {
				entry["record"] = f.MetadataPath
			}
			files = append(files, entry)
		}
		out["files"] = files
	}
	if len(t.Archives) > 0 {
		archives := make([]map[string]any, 0, len(t.Archives))
		for _, a := range t.Archives {
			archives = append(archives, map[string]any{
				"path":          a.ArchivePath,
				"size":          a.ByteSize,
				"compressed_at": a.CompressedAt,
				"files":         a.Files,
			})
		}
		out["archives"] = archives
	}
	return out
}

// handleUpload implements POST /api/pdef/upload (spec.md §6.1).
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPdefUploadBytes)
	data := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := r.Body.Read(buf)
		data = append(data, buf[:n]...)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "pdef body exceeds 2 MiB"})
				return
			}
			break
		}
		if len(data) > maxPdefUploadBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "pdef body exceeds 2 MiB"})
			return
		}
	}

	if _, err := pdef.Parse(string(data), ""); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now()
	name := fmt.Sprintf("rxtracenetcap_pdef_%d_%d_%d.pdef", now.Unix(), now.Nanosecond()/1000, now.UnixNano()%100000)
	if err := os.MkdirAll(h.pdefScratchDir, 0o755); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "scratch dir unavailable"})
		return
	}
	path := filepath.Join(h.pdefScratchDir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "write failed"})
		return
	}

	sum := fnv.New64a()
	sum.Write(data)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"path":      path,
		"size":      len(data),
		"checksum":  fmt.Sprintf("%016x", sum.Sum64()),
		"validated": true,
	})
}

type pdefListing struct {
	Name  string    `json:"name"`
	Path  string    `json:"path"`
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
}

// handleList implements GET /api/pdef/list (spec.md §6.1).
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	var out []pdefListing
	for _, dir := range []string{h.protocolsDir, h.pdefScratchDir} {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".pdef") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, pdefListing{
				Name:  e.Name(),
				Path:  filepath.Join(dir, e.Name()),
				Size:  info.Size(),
				MTime: info.ModTime(),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pdefs": out})
}

// handleGet implements GET /api/pdef/get?path=P|name=N (spec.md §6.1).
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")
	name := q.Get("name")
	if path == "" && name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing path or name"})
		return
	}
	if path == "" {
		path = filepath.Join(h.protocolsDir, name)
	}
	if !h.pathAllowed(path) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "path not allowed"})
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if info.Size() > maxPdefUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "file too large"})
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"path":    path,
		"size":    info.Size(),
		"mtime":   info.ModTime(),
		"content": string(content),
	})
}

// pathAllowed enforces spec.md §6.1's "safe only if it lies under one of the
// allowed PDEF dirs and contains no .." rule.
func (h *Handler) pathAllowed(path string) bool {
	if strings.Contains(path, "..") {
		return false
	}
	clean := filepath.Clean(path)
	for _, dir := range []string{h.protocolsDir, h.pdefScratchDir} {
		if dir == "" {
			continue
		}
		rel, err := filepath.Rel(filepath.Clean(dir), clean)
		if err == nil && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}

// handleHealth implements GET /health (spec.md §6.1).
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
