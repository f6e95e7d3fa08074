package server

import (
	"errors"
	"net/http"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/internal/confidence"
	"github.com/fractal-lba/ragguard/internal/eval"
	"github.com/fractal-lba/ragguard/internal/grader"
	"github.com/fractal-lba/ragguard/internal/retrieval"
	"github.com/fractal-lba/ragguard/internal/selfrag"
)

// AnswerRequest asks for a Self-RAG answer. Supplied documents replace the
// configured retriever.
type AnswerRequest struct {
	Query          string               `json:"query"`
	Documents      []api.ScoredDocument `json:"documents,omitempty"`
	WithConfidence bool                 `json:"with_confidence,omitempty"`
}

type AnswerResponse struct {
	Result     api.SelfRAGResult    `json:"result"`
	Confidence *api.ConfidenceScore `json:"confidence,omitempty"`
}

type GradeRequest struct {
	Query     string               `json:"query"`
	Documents []api.ScoredDocument `json:"documents"`
}

type ConfidenceRequest struct {
	Query     string               `json:"query"`
	Answer    string               `json:"answer"`
	Documents []api.ScoredDocument `json:"documents"`
	Deep      *bool                `json:"deep,omitempty"`
}

// EvaluateRequest scores an answer produced elsewhere against one case.
type EvaluateRequest struct {
	eval.TestCase
	Answer    string               `json:"answer"`
	Documents []api.ScoredDocument `json:"documents"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	if err := api.ValidateDocuments(req.Documents); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var retrieve selfrag.RetrieveFunc
	switch {
	case len(req.Documents) > 0:
		retrieve = retrieval.Static(req.Documents)
	case s.deps.Retrieve != nil:
		retrieve = s.deps.Retrieve
	default:
		http.Error(w, "no retriever configured; supply documents", http.StatusBadRequest)
		return
	}

	result, err := s.deps.Orchestrator.Run(r.Context(), req.Query, retrieve)
	if err != nil {
		s.logger.Warn("answer aborted", "error", err)
		http.Error(w, "Request cancelled", http.StatusServiceUnavailable)
		return
	}
	resp := AnswerResponse{Result: result}
	if req.WithConfidence && s.deps.Scorer != nil && result.Answer != selfrag.FailedAnswer {
		score, err := s.deps.Scorer.ScoreResult(r.Context(), req.Query, result, s.deps.DeepConfidence)
		if err == nil {
			resp.Confidence = &score
		}
	}
	respond(w, http.StatusOK, resp)
}

func (s *Server) handleGrade(w http.ResponseWriter, r *http.Request) {
	var req GradeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	if err := api.ValidateDocuments(req.Documents); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	corr, err := s.deps.Grader.Correct(r.Context(), req.Query, req.Documents)
	if err != nil {
		http.Error(w, "Request cancelled", http.StatusServiceUnavailable)
		return
	}
	respond(w, http.StatusOK, gradeResponse(corr))
}

// GradeResponse is the wire form of a grader.Correction.
type GradeResponse struct {
	Action             api.RetrievalAction  `json:"action"`
	Query              string               `json:"query"`
	Relevant           []api.ScoredDocument `json:"relevant"`
	Irrelevant         []api.ScoredDocument `json:"irrelevant"`
	Grades             []api.RetrievalGrade `json:"grades"`
	AvgScore           float64              `json:"avg_score"`
	NeedsMoreRetrieval bool                 `json:"needs_more_retrieval"`
}

func gradeResponse(c grader.Correction) GradeResponse {
	grades := make([]api.RetrievalGrade, len(c.Batch.Graded))
	for i, g := range c.Batch.Graded {
		grades[i] = g.Grade
	}
	return GradeResponse{
		Action:             c.Action,
		Query:              c.Query,
		Relevant:           c.Batch.Relevant,
		Irrelevant:         c.Batch.Irrelevant,
		Grades:             grades,
		AvgScore:           c.Batch.AvgScore,
		NeedsMoreRetrieval: c.Batch.NeedsMoreRetrieval,
	}
}

func (s *Server) handleConfidence(w http.ResponseWriter, r *http.Request) {
	var req ConfidenceRequest
	if !decode(w, r, &req) {
		return
	}
	deep := s.deps.DeepConfidence
	if req.Deep != nil {
		deep = *req.Deep
	}
	score, err := s.deps.Scorer.Score(r.Context(), req.Query, req.Answer, req.Documents, deep)
	if errors.Is(err, confidence.ErrEmptyAnswer) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "Scoring failed", http.StatusInternalServerError)
		return
	}
	respond(w, http.StatusOK, score)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = "adhoc"
	}
	result, err := s.deps.Evaluator.EvaluateAnswer(r.Context(), req.TestCase, req.Answer, req.Documents)
	if errors.Is(err, eval.ErrEmptyQuery) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Warn("evaluation aborted", "case_id", req.ID, "error", err)
		http.Error(w, "Evaluation timed out", http.StatusServiceUnavailable)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleKPIs(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.KPI.Report())
}
