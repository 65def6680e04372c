package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/felixkwasisarpong/sentinel/internal/audit"
	"github.com/felixkwasisarpong/sentinel/internal/backend"
	"github.com/felixkwasisarpong/sentinel/internal/net/ssrf"
	"github.com/felixkwasisarpong/sentinel/internal/pipeline"
)

type proposeRequest struct {
	RunID string         `json:"run_id"`
	Tool  string         `json:"tool"`
	Args  map[string]any `json:"args"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, errMissingField("tool"))
		return
	}

	decision, err := s.pipeline.Propose(r.Context(), req.RunID, req.Tool, req.Args)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type approvalRequest struct {
	Approver string `json:"approver"`
	Note     string `json:"note"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	decision, err := s.pipeline.Approve(r.Context(), r.PathValue("id"), req.Approver, req.Note)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	decision, err := s.pipeline.Deny(r.Context(), r.PathValue("id"), req.Approver, req.Note)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.pipeline.Decisions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(decisions))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.pipeline.Runs(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(runs))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.pipeline.Run(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.pipeline.PendingApprovals(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(pending))
}

type registerServerRequest struct {
	Name             string            `json:"name"`
	Prefix           string            `json:"prefix"`
	Kind             string            `json:"kind"`
	Address          string            `json:"address"`
	Command          []string          `json:"command"`
	Env              map[string]string `json:"env"`
	WorkDir          string            `json:"work_dir"`
	RequestsPerSecond float64          `json:"requests_per_second"`
	Burst            int               `json:"burst"`
	AuthHeader       string            `json:"auth_header"`
	AuthToken        string            `json:"auth_token"`
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var req registerServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || req.Prefix == "" || req.Kind == "" {
		writeError(w, http.StatusBadRequest, errMissingField("name, prefix, and kind"))
		return
	}

	reg, err := s.pipeline.RegisterServer(r.Context(), pipeline.ServerSpec{
		Name:              req.Name,
		Prefix:            req.Prefix,
		Kind:              req.Kind,
		Address:           req.Address,
		Command:           req.Command,
		Env:               req.Env,
		WorkDir:           req.WorkDir,
		RequestsPerSecond: req.RequestsPerSecond,
		Burst:             req.Burst,
		AuthHeader:        req.AuthHeader,
		AuthToken:         req.AuthToken,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.pipeline.Servers(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(servers))
}

func (s *Server) handleDeregisterServer(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.DeregisterServer(r.Context(), r.PathValue("name")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncCatalog(w http.ResponseWriter, r *http.Request) {
	catalog, err := s.pipeline.SyncCatalog(r.Context(), r.PathValue("name"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(catalog))
}

func (s *Server) handleListCatalog(w http.ResponseWriter, r *http.Request) {
	catalog, err := s.pipeline.Catalog(r.Context(), r.PathValue("name"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(catalog))
}

// writeAPIError maps a domain error to an HTTP status: not-found
// lookups become 404, a base address refused by the SSRF guard is a
// 400, approval-state conflicts and prefix overlaps become 409,
// everything else is a 500.
func writeAPIError(w http.ResponseWriter, err error) {
	var blocked *ssrf.SSRFBlockedError
	if errors.As(err, &blocked) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var notFound *audit.ErrNotFound
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if errors.Is(err, pipeline.ErrNotAwaitingApproval) {
		writeError(w, http.StatusConflict, err)
		return
	}
	var overlap *backend.ErrPrefixOverlap
	if errors.As(err, &overlap) {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

type missingFieldError struct{ field string }

func (e *missingFieldError) Error() string { return e.field + " is required" }

func errMissingField(field string) error { return &missingFieldError{field: field} }

// orEmpty ensures a nil slice serializes as [] rather than null, per
// the wire contract for list-valued query responses.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
