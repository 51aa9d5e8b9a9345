package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"genflow/internal/domain"
	"genflow/internal/orchestrator"
)

type generateRequest struct {
	N       *int               `json:"n"`
	Weights map[string]float64 `json:"weights"`
	Mode    string             `json:"mode"`
	Context json.RawMessage    `json:"context"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid json body: %v", domain.ErrInvalidInput, err))
		return
	}
	if req.N == nil {
		writeError(w, fmt.Errorf("%w: n is required", domain.ErrInvalidInput))
		return
	}
	weights, err := parseWeights(req.Weights)
	if err != nil {
		writeError(w, err)
		return
	}

	job, err := s.jobs.Submit(r.Context(), orchestrator.SubmitInput{
		N:       *req.N,
		Weights: weights,
		Mode:    domain.JobMode(strings.TrimSpace(req.Mode)),
		Context: req.Context,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// parseWeights accepts either no weights at all or every dimension. A partial
// set is rejected rather than filled with zeros.
func parseWeights(raw map[string]float64) (*domain.Weights, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var w domain.Weights
	known := map[string]*float64{
		"aesthetic":      &w.Aesthetic,
		"sustainability": &w.Sustainability,
		"cost":           &w.Cost,
		"accessibility":  &w.Accessibility,
		"emotion":        &w.Emotion,
	}
	for key, value := range raw {
		dst, ok := known[key]
		if !ok {
			return nil, fmt.Errorf("%w: unknown weight %q", domain.ErrInvalidInput, key)
		}
		*dst = value
	}
	for _, key := range w.Keys() {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("%w: weight %q is required", domain.ErrInvalidInput, key)
		}
	}
	return &w, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ListJobs(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	items, err := s.jobs.ListJobDecisions(r.Context(), r.PathValue("id"), queryInt(r, "limit", 300))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetVariant(w http.ResponseWriter, r *http.Request) {
	variant, err := s.jobs.GetVariant(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, variant)
}

func (s *Server) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	items, err := s.jobs.ListFeedback(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rating  *int   `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid json body: %v", domain.ErrInvalidInput, err))
		return
	}
	if req.Rating == nil {
		writeError(w, fmt.Errorf("%w: rating is required", domain.ErrInvalidInput))
		return
	}
	fb, err := s.jobs.SubmitFeedback(r.Context(), r.PathValue("variant_id"), *req.Rating, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}
