package server

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/wesm/offlinesales/internal/db"
	"github.com/wesm/offlinesales/internal/payload"
	"github.com/wesm/offlinesales/internal/queue"
)

type operationsResponse struct {
	Operations []db.Operation `json:"operations"`
}

type requeuedResponse struct {
	Requeued int `json:"requeued"`
}

func (s *Server) handleCreateOrder(
	w http.ResponseWriter, r *http.Request,
) {
	var order payload.Order
	if err := decodeBody(w, r, &order); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid order: "+err.Error())
		return
	}

	validate := true
	if v := r.URL.Query().Get("validate"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid validate parameter")
			return
		}
		validate = b
	}

	var opts queue.SaveOptions
	if s.deps.Baseline != nil {
		opts.Baseline = s.deps.Baseline.Levels()
	}
	// Without known levels every product would read as out of
	// stock.
	opts.Validate = validate && len(opts.Baseline) > 0

	res, err := s.deps.Queue.SaveOrder(r.Context(), order, opts)
	if err != nil {
		if s.handleContextError(w, err) {
			return
		}
		s.log.Error("saving order", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "order not captured")
		return
	}

	switch {
	case res.Success:
		s.writeJSON(w, http.StatusCreated, res)
	case len(res.Shortfalls) > 0:
		s.writeJSON(w, http.StatusConflict, res)
	default:
		s.writeJSON(w, http.StatusUnprocessableEntity, res)
	}
}

func (s *Server) handleCreateWriteoff(
	w http.ResponseWriter, r *http.Request,
) {
	var wo payload.Writeoff
	if err := decodeBody(w, r, &wo); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid write-off: "+err.Error())
		return
	}

	op, err := s.deps.Queue.SaveWriteoff(r.Context(), wo)
	if err != nil {
		if errors.Is(err, payload.ErrInvalid) {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if s.handleContextError(w, err) {
			return
		}
		s.log.Error("saving write-off", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "write-off not captured")
		return
	}
	s.writeJSON(w, http.StatusCreated, op)
}

func (s *Server) handleListOperations(
	w http.ResponseWriter, r *http.Request,
) {
	q := r.URL.Query()
	status := db.StatusPending
	if v := q.Get("status"); v != "" {
		status = db.Status(v)
	}
	typ, err := db.ParseOperationType(q.Get("type"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch status {
	case db.StatusPending, db.StatusFailed, db.StatusCompleted:
	default:
		s.writeError(w, http.StatusBadRequest, "status must be pending, failed, or completed")
		return
	}

	ops, err := s.deps.Queue.List(r.Context(), status, typ)
	if err != nil {
		if s.handleContextError(w, err) {
			return
		}
		s.log.Error("listing operations", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ops == nil {
		ops = []db.Operation{}
	}
	s.writeJSON(w, http.StatusOK, operationsResponse{Operations: ops})
}

func (s *Server) handleGetOperation(
	w http.ResponseWriter, r *http.Request,
) {
	op, err := s.deps.Queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if s.handleContextError(w, err) {
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if op == nil {
		s.writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleCancelOperation(
	w http.ResponseWriter, r *http.Request,
) {
	if err := s.deps.Queue.Cancel(r.PathValue("id")); err != nil {
		s.writeOperationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryOperation(
	w http.ResponseWriter, r *http.Request,
) {
	id := r.PathValue("id")
	if err := s.deps.Queue.RetryOne(id, s.maxAttempts); err != nil {
		s.writeOperationError(w, err)
		return
	}
	op, err := s.deps.Queue.Get(r.Context(), id)
	if err != nil || op == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleRetryFailed(
	w http.ResponseWriter, _ *http.Request,
) {
	n, err := s.deps.Engine.RetryFailed()
	if err != nil {
		s.log.Error("requeueing failed operations", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, requeuedResponse{Requeued: n})
}

type discardRequest struct {
	IDs []string `json:"ids"`
}

type discardedResponse struct {
	Discarded int `json:"discarded"`
}

// handleDiscardFailed deletes failed operations: the ones named
// in ids, or all of them when the body is empty or has no ids.
func (s *Server) handleDiscardFailed(
	w http.ResponseWriter, r *http.Request,
) {
	var req discardRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest,
				"invalid request: "+err.Error())
			return
		}
		if req.IDs != nil && len(req.IDs) == 0 {
			s.writeError(w, http.StatusBadRequest,
				"ids must not be empty; omit it to discard all")
			return
		}
	}
	n, err := s.deps.Queue.DiscardFailed(req.IDs...)
	if err != nil {
		s.log.Error("discarding failed operations", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, discardedResponse{Discarded: n})
}

// writeOperationError maps store errors for a single operation
// to HTTP statuses.
func (s *Server) writeOperationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, db.ErrNotPending),
		errors.Is(err, db.ErrInvalidTransition),
		errors.Is(err, db.ErrAttemptsExhausted):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("updating operation", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
