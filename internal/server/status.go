package server

import (
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/wesm/offlinesales/internal/db"
	"github.com/wesm/offlinesales/internal/sync"
)

const sseHeartbeat = 30 * time.Second

type queueStatus struct {
	Phase      sync.Phase   `json:"phase"`
	LastResult *sync.Result `json:"last_result,omitempty"`
}

type statusResponse struct {
	Online    bool               `json:"online"`
	Counts    db.OperationCounts `json:"counts"`
	LastSync  string             `json:"last_sync,omitempty"`
	Orders    queueStatus        `json:"orders"`
	Writeoffs queueStatus        `json:"writeoffs"`
}

type stockLevel struct {
	ProductID string `json:"productId"`
	Stock     int    `json:"stock"`
	Available int    `json:"available"`
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

type connectivityResponse struct {
	Online bool `json:"online"`
}

type syncResponse struct {
	Orders    sync.Result `json:"orders"`
	Writeoffs sync.Result `json:"writeoffs"`
	Error     string      `json:"error,omitempty"`
}

func newSyncResponse(orders, writeoffs sync.Result) syncResponse {
	var msgs []string
	for _, err := range []error{orders.Err, writeoffs.Err} {
		if err != nil && !slices.Contains(msgs, err.Error()) {
			msgs = append(msgs, err.Error())
		}
	}
	return syncResponse{
		Orders:    orders,
		Writeoffs: writeoffs,
		Error:     strings.Join(msgs, "; "),
	}
}

func (s *Server) online() bool {
	if s.deps.Monitor == nil {
		return true
	}
	return s.deps.Monitor.Online()
}

func (s *Server) queueStatus(typ db.OperationType) queueStatus {
	qs := queueStatus{Phase: s.deps.Engine.Phase(typ)}
	if res, ok := s.deps.Engine.LastResult(typ); ok {
		qs.LastResult = &res
	}
	return qs
}

func (s *Server) handleStatus(
	w http.ResponseWriter, r *http.Request,
) {
	counts, err := s.deps.Queue.Counts(r.Context())
	if err != nil {
		if s.handleContextError(w, err) {
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := statusResponse{
		Online:    s.online(),
		Counts:    counts,
		Orders:    s.queueStatus(db.TypeCreateOrder),
		Writeoffs: s.queueStatus(db.TypeCreateWriteoff),
	}
	if last := s.deps.Engine.LastSync(); !last.IsZero() {
		resp.LastSync = last.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStock(
	w http.ResponseWriter, r *http.Request,
) {
	if s.deps.Baseline == nil {
		s.writeError(w, http.StatusNotFound, "no stock baseline")
		return
	}
	levels := s.deps.Baseline.Levels()
	avail, err := s.deps.Queue.AvailableStock(r.Context(), levels)
	if err != nil {
		if s.handleContextError(w, err) {
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]stockLevel, 0, len(levels))
	for pid, qty := range levels {
		out = append(out, stockLevel{
			ProductID: pid, Stock: qty, Available: avail[pid],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProductID < out[j].ProductID
	})
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConnectivity(
	w http.ResponseWriter, r *http.Request,
) {
	if s.deps.Monitor == nil {
		s.writeError(w, http.StatusNotFound, "connectivity is not monitored")
		return
	}
	var req connectivityRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Online == nil {
		s.writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	s.deps.Monitor.Set(*req.Online)
	// With a debounce the new state is not published yet.
	s.writeJSON(w, http.StatusAccepted, connectivityResponse{
		Online: s.deps.Monitor.Online(),
	})
}

func (s *Server) handleTriggerSync(
	w http.ResponseWriter, r *http.Request,
) {
	if s.deps.Remote == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no backend configured")
		return
	}
	if wantsEventStream(r) && s.deps.Progress != nil {
		s.streamSync(w, r)
		return
	}

	orders, writeoffs := s.deps.Engine.SyncAll(r.Context(), s.deps.Remote)
	status := http.StatusOK
	switch {
	case orders.Offline && writeoffs.Offline:
		status = http.StatusServiceUnavailable
	case orders.InProgress && writeoffs.InProgress:
		status = http.StatusConflict
	}
	s.writeJSON(w, status, newSyncResponse(orders, writeoffs))
}

// streamSync runs a pass and streams its progress, ending with
// a "done" event carrying the results.
func (s *Server) streamSync(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := s.deps.Progress.Subscribe()
	defer unsubscribe()

	stream, err := NewSSEStream(w, s.log)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	done := make(chan syncResponse, 1)
	go func() {
		orders, writeoffs := s.deps.Engine.SyncAll(r.Context(), s.deps.Remote)
		done <- newSyncResponse(orders, writeoffs)
	}()

	for {
		select {
		case p := <-events:
			stream.SendJSON("progress", p)
		case resp := <-done:
			for drained := false; !drained; {
				select {
				case p := <-events:
					stream.SendJSON("progress", p)
				default:
					drained = true
				}
			}
			stream.SendJSON("done", resp)
			return
		}
	}
}

func (s *Server) handleSyncEvents(
	w http.ResponseWriter, r *http.Request,
) {
	if s.deps.Progress == nil {
		s.writeError(w, http.StatusNotFound, "progress events are not enabled")
		return
	}
	events, unsubscribe := s.deps.Progress.Subscribe()
	defer unsubscribe()

	stream, err := NewSSEStream(w, s.log)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case p := <-events:
			if !stream.SendJSON("progress", p) {
				return
			}
		case <-heartbeat.C:
			if !stream.Send("heartbeat", time.Now().UTC().Format(time.RFC3339)) {
				s.log.Debug("sync events client gone")
				return
			}
		}
	}
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
