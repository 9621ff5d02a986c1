package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"pkt.systems/rpcbridge/internal/handoff"
)

// StatusDocument is the body of the status route.
type StatusDocument struct {
	Bridge       string       `json:"bridge"`
	Available    bool         `json:"available"`
	Availability string       `json:"availability"`
	PID          int          `json:"pid"`
	Version      string       `json:"version,omitempty"`
	Uptime       string       `json:"uptime"`
	RSSBytes     uint64       `json:"rss_bytes,omitempty"`
	Waiting      int64        `json:"waiting"`
	Pending      bool         `json:"pending"`
	Served       ServedCounts `json:"served"`
}

// ServedCounts are the outcome counters since the handler was created.
type ServedCounts struct {
	handoff.Stats
	Rejected uint64 `json:"rejected"`
}

// Status builds the current status document.
func (h *Handler) Status(ctx context.Context) StatusDocument {
	state := h.slot.Gate().Load()
	bridge := "running"
	if state == handoff.ShuttingDown {
		bridge = "stopping"
	}
	doc := StatusDocument{
		Bridge:       bridge,
		Available:    state == handoff.Available,
		Availability: state.String(),
		PID:          h.process.pid,
		Version:      h.version,
		Uptime:       time.Since(h.started).Truncate(time.Second).String(),
		Waiting:      h.slot.Waiting(),
		Pending:      h.slot.Pending(),
		Served: ServedCounts{
			Stats:    h.slot.Stats(),
			Rejected: h.Rejected(),
		},
	}
	if rss, ok := h.process.rss(ctx); ok {
		doc.RSSBytes = rss
	}
	return doc
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	h.setCORS(w, statusMethods)
	ctx := r.Context()
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return nil
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", statusMethods)
		w.Header().Set("Content-Type", contentTypeText)
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, err := io.WriteString(w, "Method Not Allowed. Use GET for status.")
		return err
	}
	if !h.authorized(r) {
		h.reportUnauthorized(ctx, r)
		w.Header().Set("WWW-Authenticate", "Bearer")
		w.Header().Set("Content-Type", contentTypeText)
		w.WriteHeader(http.StatusUnauthorized)
		_, err := io.WriteString(w, msgUnauthorized)
		return err
	}
	body, err := json.Marshal(h.Status(ctx))
	if err != nil {
		return err
	}
	w.Header().Set("Cache-Control", "no-store")
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", contentTypeJSON)
		w.WriteHeader(http.StatusOK)
		return nil
	}
	return writeEnvelope(w, http.StatusOK, body)
}

// processStats samples the bridge process through gopsutil. The handle is
// opened lazily and reused.
type processStats struct {
	pid  int
	once sync.Once
	proc *process.Process
}

func newProcessStats() *processStats {
	return &processStats{pid: os.Getpid()}
}

func (p *processStats) rss(ctx context.Context) (uint64, bool) {
	p.once.Do(func() {
		p.proc, _ = process.NewProcessWithContext(ctx, int32(p.pid))
	})
	if p.proc == nil {
		return 0, false
	}
	info, err := p.proc.MemoryInfoWithContext(ctx)
	if err != nil || info == nil {
		return 0, false
	}
	return info.RSS, true
}
