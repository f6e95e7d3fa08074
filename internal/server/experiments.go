package server

import (
	"errors"
	"net/http"

	"github.com/fractal-lba/ragguard/internal/abtest"
	"github.com/fractal-lba/ragguard/internal/api"
)

type AssignResponse struct {
	ExperimentID string `json:"experiment_id"`
	VariantID    string `json:"variant_id"`
}

type RecordRequest struct {
	VariantID string         `json:"variant_id"`
	Result    api.EvalResult `json:"result"`
}

// experimentStatus maps engine errors to HTTP status codes.
func experimentStatus(err error) int {
	switch {
	case errors.Is(err, abtest.ErrExperimentNotFound), errors.Is(err, abtest.ErrVariantNotFound):
		return http.StatusNotFound
	case errors.Is(err, abtest.ErrCannotStart), errors.Is(err, abtest.ErrCannotPause),
		errors.Is(err, abtest.ErrCannotCancel), errors.Is(err, abtest.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, abtest.ErrTooFewVariants), errors.Is(err, abtest.ErrInvalidTrafficSplit),
		errors.Is(err, abtest.ErrInvalidVariant), errors.Is(err, abtest.ErrDuplicateVariant),
		errors.Is(err, abtest.ErrInvalidResult):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func experimentError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), experimentStatus(err))
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var spec abtest.NewExperiment
	if !decode(w, r, &spec) {
		return
	}
	exp, err := s.deps.Engine.CreateExperiment(spec)
	if err != nil {
		experimentError(w, err)
		return
	}
	respond(w, http.StatusCreated, exp)
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.Engine.ListExperiments())
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.deps.Engine.GetExperiment(r.PathValue("id"))
	if err != nil {
		experimentError(w, err)
		return
	}
	respond(w, http.StatusOK, exp)
}

// handleTransition applies a lifecycle change and returns the updated
// experiment.
func (s *Server) handleTransition(apply func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := apply(id); err != nil {
			experimentError(w, err)
			return
		}
		s.handleGetExperiment(w, r)
	}
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	variant, err := s.deps.Engine.AssignVariant(id, r.URL.Query().Get("user_id"))
	if err != nil {
		experimentError(w, err)
		return
	}
	respond(w, http.StatusOK, AssignResponse{ExperimentID: id, VariantID: variant})
}

func (s *Server) handleRecordResult(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Engine.RecordResult(r.PathValue("id"), req.VariantID, req.Result); err != nil {
		experimentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Engine.GenerateReport(r.PathValue("id"))
	if err != nil {
		experimentError(w, err)
		return
	}
	respond(w, http.StatusOK, report)
}
