package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"deploygate/internal/audit"
	"deploygate/internal/engine"
	"deploygate/internal/policy"
)

// errorBody is the uniform error envelope. The operator hint appears
// only for admin callers.
type errorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	OperatorHint string `json:"operator_hint,omitempty"`
	RequestID    string `json:"request_id"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	perr := policy.AsError(err)
	body := errorBody{
		Code:      perr.Code,
		Message:   perr.Message,
		RequestID: requestIDFrom(r.Context()),
	}
	if identityFrom(r.Context()).IsAdmin() {
		body.OperatorHint = perr.Hint
	}
	s.respondJSON(w, perr.Status, body)
}

// writeDecision forwards a policy decision verbatim. The body bytes are
// exactly what the idempotency ledger stored, so replays match the
// original response byte for byte.
func (s *Server) writeDecision(w http.ResponseWriter, r *http.Request, dec *policy.Decision) {
	if dec.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dec.Status)
	if _, err := w.Write(dec.Body); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// readBody enforces the payload cap and the JSON content type. A nil
// return means the error response was already written.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) []byte {
	if r.ContentLength > MaxPayloadBytes {
		s.writeError(w, r, policy.ErrInvalidRequest.WithMessage("Payload too large"))
		return nil
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		s.writeError(w, r, policy.ErrInvalidRequest.WithMessage("Content-Type must be application/json"))
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes))
	if err != nil {
		s.writeError(w, r, policy.ErrInvalidRequest.WithMessage("Failed to read request body"))
		return nil
	}
	return body
}

func (s *Server) meta(r *http.Request, body []byte) policy.Meta {
	return policy.Meta{
		Identity:       identityFrom(r.Context()),
		RequestID:      requestIDFrom(r.Context()),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Body:           body,
	}
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	body := s.readBody(w, r)
	if body == nil {
		return
	}

	var req struct {
		Service     string `json:"service"`
		Environment string `json:"environment"`
		Version     string `json:"version"`
		RecipeID    string `json:"recipe_id"`
		Summary     string `json:"summary"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, policy.ErrInvalidRequest.WithMessage("Invalid JSON payload"))
		return
	}

	dec, err := s.orch.Deploy(r.Context(), policy.Intent{
		Meta:        s.meta(r, body),
		Service:     req.Service,
		Environment: req.Environment,
		Version:     req.Version,
		RecipeID:    req.RecipeID,
		Summary:     req.Summary,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeDecision(w, r, dec)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "deploymentID")

	body := s.readBody(w, r)
	if body == nil {
		return
	}
	var req struct {
		Summary string `json:"summary"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, r, policy.ErrInvalidRequest.WithMessage("Invalid JSON payload"))
			return
		}
	}

	// The target comes from the URL, so it is folded into the
	// fingerprinted body: the same key against two targets must be a
	// key conflict, not a replay.
	canonical, err := json.Marshal(struct {
		TargetID string `json:"target_id"`
		Summary  string `json:"summary"`
	}{targetID, req.Summary})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	dec, err := s.orch.Rollback(r.Context(), policy.RollbackIntent{
		Meta:     s.meta(r, canonical),
		TargetID: targetID,
		Summary:  req.Summary,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeDecision(w, r, dec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	dec, err := s.orch.Cancel(r.Context(), chi.URLParam(r, "deploymentID"),
		identityFrom(r.Context()), requestIDFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeDecision(w, r, dec)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), chi.URLParam(r, "deploymentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec == nil {
		s.writeError(w, r, policy.ErrDeploymentNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, policy.ViewRecord(rec, identityFrom(r.Context()).IsAdmin()))
}

func (s *Server) handleGroupDeployments(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	snap := s.cfg.Snapshot()
	if _, ok := snap.Groups[groupID]; !ok {
		s.writeError(w, r, policy.ErrGroupNotFound)
		return
	}

	limit := DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, r, policy.ErrInvalidRequest.WithMessage("limit must be a positive integer"))
			return
		}
		if n > MaxListLimit {
			n = MaxListLimit
		}
		limit = n
	}

	recs, err := s.records.RecentByGroup(r.Context(), groupID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	admin := identityFrom(r.Context()).IsAdmin()
	views := make([]policy.RecordView, 0, len(recs))
	for i := range recs {
		views = append(views, policy.ViewRecord(&recs[i], admin))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"group":       groupID,
		"deployments": views,
	})
}

func (s *Server) handleRegisterBuild(w http.ResponseWriter, r *http.Request) {
	body := s.readBody(w, r)
	if body == nil {
		return
	}
	var req struct {
		Service string `json:"service"`
		Version string `json:"version"`
		Digest  string `json:"digest"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, policy.ErrInvalidRequest.WithMessage("Invalid JSON payload"))
		return
	}

	dec, err := s.orch.RegisterBuild(r.Context(), policy.BuildIntent{
		Meta:    s.meta(r, body),
		Service: req.Service,
		Version: req.Version,
		Digest:  req.Digest,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeDecision(w, r, dec)
}

func (s *Server) handleGrantUpload(w http.ResponseWriter, r *http.Request) {
	body := s.readBody(w, r)
	if body == nil {
		return
	}
	var req struct {
		Service string `json:"service"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, policy.ErrInvalidRequest.WithMessage("Invalid JSON payload"))
		return
	}

	dec, err := s.orch.GrantUpload(r.Context(), policy.UploadIntent{
		Meta:    s.meta(r, body),
		Service: req.Service,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeDecision(w, r, dec)
}

// handleKillSwitch flips the runtime mutation freeze. A null "enabled"
// hands control back to the config file.
func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())
	if ident.ActorID == "" {
		s.writeError(w, r, policy.ErrUnauthenticated)
		return
	}
	if !ident.IsAdmin() {
		s.writeError(w, r, policy.ErrRoleForbidden)
		return
	}

	body := s.readBody(w, r)
	if body == nil {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, policy.ErrInvalidRequest.WithMessage("Invalid JSON payload"))
		return
	}

	action := "clear_override"
	if req.Enabled != nil {
		s.cfg.SetKillSwitch(*req.Enabled)
		action = "disable"
		if *req.Enabled {
			action = "enable"
		}
	} else {
		s.cfg.ClearKillSwitchOverride()
	}

	s.sink.Record(r.Context(), audit.Event{
		RequestID: requestIDFrom(r.Context()),
		Actor:     ident.ActorID,
		Role:      ident.Role,
		Operation: "killswitch",
		Decision:  audit.DecisionAllow,
		Code:      "ALLOW",
		Detail:    action,
	})
	s.respondJSON(w, http.StatusOK, map[string]any{
		"kill_switch_active": s.cfg.KillSwitchActive(),
	})
}

// handleEngineCallback lets the engine push phase reports instead of
// waiting for the next poll. Payloads are HMAC-signed with the shared
// callback secret; without a configured secret the endpoint is off.
func (s *Server) handleEngineCallback(w http.ResponseWriter, r *http.Request) {
	secret := s.cfg.Snapshot().Engine.CallbackSecret
	if secret == "" {
		s.writeError(w, r, policy.ErrRoleForbidden.WithMessage("Engine callbacks are not enabled"))
		return
	}

	body := s.readBody(w, r)
	if body == nil {
		return
	}
	if !verifySignature(body, r.Header.Get("X-Engine-Signature"), secret) {
		s.writeError(w, r, policy.ErrRoleForbidden.WithMessage("Invalid callback signature"))
		return
	}

	var req struct {
		Ref    string `json:"ref"`
		Status string `json:"status"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, policy.ErrInvalidRequest.WithMessage("Invalid JSON payload"))
		return
	}

	phase := engine.Phase(req.Status)
	switch phase {
	case engine.PhaseRunning, engine.PhaseActive, engine.PhaseSucceeded, engine.PhaseFailed:
	default:
		s.writeError(w, r, policy.ErrInvalidRequest.WithMessage("Unknown execution status"))
		return
	}

	rec, err := s.records.FindByEngineRef(r.Context(), req.Ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec == nil {
		s.writeError(w, r, policy.ErrDeploymentNotFound.WithMessage("No deployment for this execution reference"))
		return
	}

	terminal, err := s.orch.ApplyEngineStatus(r.Context(), rec.ID, phase, req.Detail)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]any{
		"deployment_id": rec.ID,
		"terminal":      terminal,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Snapshot()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"delivery_groups":    len(snap.Groups),
		"recipes":            len(snap.Recipes),
		"kill_switch_active": s.cfg.KillSwitchActive(),
	})
}

const signaturePrefix = "sha256="

// verifySignature checks an HMAC-SHA256 payload signature of the form
// "sha256=<hex digest>", in constant time.
func verifySignature(payload []byte, signature, secret string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	received := strings.TrimPrefix(signature, signaturePrefix)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(received))
}
