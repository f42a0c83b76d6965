package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/FranksOps/prospect/internal/export"
	"github.com/FranksOps/prospect/internal/pipeline"
	"github.com/FranksOps/prospect/internal/planner"
	"github.com/FranksOps/prospect/internal/report"
	"github.com/FranksOps/prospect/internal/scheduler"
	"github.com/FranksOps/prospect/internal/storage"
)

type submitRequest struct {
	Text string `json:"text"`
}

type updateRequest struct {
	CheckFrequency *string `json:"check_frequency"`
}

type refreshRequest struct {
	QueryID string `json:"query_id"`
}

type queryResponse struct {
	Query   *storage.Query       `json:"query"`
	State   scheduler.State      `json:"state"`
	LastRun *pipeline.RunSummary `json:"last_run,omitempty"`
}

type statusResponse struct {
	QueryID string              `json:"query_id"`
	Status  storage.QueryStatus `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		s.respondWithError(w, r, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}

	res, err := s.svc.Submit(r.Context(), req.Text)
	var perr *planner.PlanningError
	switch {
	case errors.As(err, &perr):
		s.respondWithError(w, r, http.StatusBadRequest, "planning_error", perr.Error())
		return
	case err != nil:
		s.internalError(w, r, "submit query", err)
		return
	}
	s.respondWithJSON(w, http.StatusAccepted, res)
}

// handleListQueries serves stored queries, oldest first, narrowed by
// ?status=, ?limit= and ?offset=.
func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	status, err := storage.ParseQueryStatus(params.Get("status"))
	if err != nil {
		s.respondWithError(w, r, http.StatusBadRequest, "invalid_status", err.Error())
		return
	}
	filter := storage.QueryFilter{Status: status}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := params.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondWithError(w, r, http.StatusBadRequest, "invalid_paging", name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	queries, err := s.svc.ListQueries(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "list queries", err)
		return
	}
	if queries == nil {
		queries = []*storage.Query{}
	}
	s.respondWithJSON(w, http.StatusOK, queries)
}

// handleUpdateQuery changes a query's check frequency, given as a Go
// duration string such as "12h".
func (s *Server) handleUpdateQuery(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		s.respondWithError(w, r, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	if req.CheckFrequency == nil {
		s.respondWithError(w, r, http.StatusBadRequest, "invalid_body", "check_frequency is required")
		return
	}
	freq, err := time.ParseDuration(*req.CheckFrequency)
	if err != nil || freq <= 0 {
		s.respondWithError(w, r, http.StatusBadRequest, "invalid_frequency", "check_frequency must be a positive duration such as 12h")
		return
	}

	q, err := s.svc.SetCheckFrequency(r.Context(), chi.URLParam(r, "id"), freq)
	if err != nil {
		s.lifecycleError(w, r, "set check frequency", err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, q)
}

func (s *Server) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q, err := s.svc.Query(r.Context(), id)
	if err != nil {
		s.lifecycleError(w, r, "get query", err)
		return
	}
	state, err := s.svc.State(r.Context(), id)
	if err != nil {
		s.lifecycleError(w, r, "get query state", err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, queryResponse{Query: q, State: state, LastRun: s.svc.LastSummary(id)})
}

// handleLeads serves the lead list as JSON, or in the format named by
// ?format=csv|ndjson|html|text.
func (s *Server) handleLeads(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	leads, err := s.svc.Leads(r.Context(), id)
	if err != nil {
		s.lifecycleError(w, r, "list leads", err)
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	switch format {
	case "", "json":
		s.respondWithJSON(w, http.StatusOK, leads)
	case "html", "text":
		q, err := s.svc.Query(r.Context(), id)
		if err != nil {
			s.lifecycleError(w, r, "get query", err)
			return
		}
		lr := report.LeadReport{Query: q, Leads: leads, GeneratedAt: time.Now().UTC()}
		if format == "html" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			err = report.WriteLeadsHTML(w, lr)
		} else {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			err = report.WriteLeadsText(w, lr)
		}
		if err != nil {
			s.logger.Error("render leads", "query_id", id, "err", err)
		}
	default:
		f, err := export.ParseFormat(format)
		if err != nil {
			s.respondWithError(w, r, http.StatusBadRequest, "invalid_format", err.Error())
			return
		}
		if f == export.FormatCSV {
			w.Header().Set("Content-Type", "text/csv")
		} else {
			w.Header().Set("Content-Type", "application/x-ndjson")
		}
		if err := export.Write(w, f, leads); err != nil {
			s.logger.Error("export leads", "query_id", id, "err", err)
		}
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.respondWithError(w, r, http.StatusBadRequest, "invalid_body", "Invalid request body")
			return
		}
	}

	res, err := s.svc.Trigger(r.Context(), req.QueryID)
	if err != nil {
		s.lifecycleError(w, r, "trigger refresh", err)
		return
	}
	s.respondWithJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	s.changeStatus(w, r, storage.QueryArchived, s.svc.Archive)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.changeStatus(w, r, storage.QueryPaused, s.svc.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.changeStatus(w, r, storage.QueryActive, s.svc.Resume)
}

func (s *Server) changeStatus(w http.ResponseWriter, r *http.Request, status storage.QueryStatus, op func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		s.lifecycleError(w, r, "set status "+string(status), err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, statusResponse{QueryID: id, Status: status})
}

// lifecycleError maps scheduler and store errors to status codes.
func (s *Server) lifecycleError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respondWithError(w, r, http.StatusNotFound, "not_found", "Query not found")
	case errors.Is(err, scheduler.ErrArchived):
		s.respondWithError(w, r, http.StatusConflict, "archived", "Query is archived")
	case errors.Is(err, scheduler.ErrInvalidFrequency):
		s.respondWithError(w, r, http.StatusBadRequest, "invalid_frequency", err.Error())
	default:
		s.internalError(w, r, op, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op, "err", err, "request_id", middleware.GetReqID(r.Context()))
	s.respondWithError(w, r, http.StatusInternalServerError, "internal", "Internal error")
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var e apiError
	e.Error.Code = code
	e.Error.Message = message
	e.Error.RequestID = middleware.GetReqID(r.Context())
	s.respondWithJSON(w, status, e)
}

func (s *Server) respondWithJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", "err", err)
	}
}
