package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/autoflow/backend/internal/actionlog"
	"github.com/autoflow/backend/internal/adapter"
	"github.com/autoflow/backend/internal/core"
	"github.com/autoflow/backend/internal/credentials"
	"github.com/autoflow/backend/internal/rollback"
	"github.com/autoflow/backend/internal/users"
)

// ============================================================================
// AUTH
// ============================================================================

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.users.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrUserExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, user, err := s.users.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  user,
	})
}

// ============================================================================
// CONNECTIONS
// ============================================================================

type connectRequest struct {
	RedirectURI string `json:"redirect_uri"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	service := core.Service(mux.Vars(r)["service"])

	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RedirectURI == "" {
		writeError(w, http.StatusBadRequest, "redirect_uri is required")
		return
	}

	authURL, err := s.tokens.BeginAuthorize(r.Context(), user.ID, service, req.RedirectURI)
	if err != nil {
		if errors.Is(err, adapter.ErrUnknownService) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Printf("begin authorize %s/%s: %v", user.ID, service, err)
		writeError(w, http.StatusInternalServerError, "failed to start authorization")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorize_url": authURL})
}

// handleOAuthCallback completes the authorization code flow. The
// provider redirects the browser here with the state issued by
// BeginAuthorize, so this route is unauthenticated: the state token is
// the proof of who initiated the flow.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		writeError(w, http.StatusBadRequest, "provider denied authorization: "+errCode)
		return
	}
	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "state and code are required")
		return
	}

	conn, err := s.tokens.CompleteAuthorize(r.Context(), state, code)
	if err != nil {
		if errors.Is(err, credentials.ErrStateInvalid) {
			writeError(w, http.StatusBadRequest, "invalid or expired state")
			return
		}
		s.logger.Printf("complete authorize: %v", err)
		writeError(w, http.StatusBadGateway, "code exchange failed")
		return
	}
	writeJSON(w, http.StatusOK, conn.Summary())
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	conns, err := s.tokens.Connections(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": conns})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	service := core.Service(mux.Vars(r)["service"])

	if err := s.tokens.Revoke(r.Context(), user.ID, service); err != nil {
		if errors.Is(err, credentials.ErrNotConnected) {
			writeError(w, http.StatusNotFound, "not connected")
			return
		}
		s.logger.Printf("revoke %s/%s: %v", user.ID, service, err)
		writeError(w, http.StatusInternalServerError, "revoke failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// ============================================================================
// PLANS AND ACTIONS
// ============================================================================

type submitPlanRequest struct {
	Command string          `json:"command"`
	Steps   []core.PlanStep `json:"steps"`
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var req submitPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Steps) == 0 {
		writeError(w, http.StatusBadRequest, "plan has no steps")
		return
	}

	records, err := s.exec.SubmitPlan(r.Context(), user.ID, core.Plan{Command: req.Command, Steps: req.Steps})
	if err != nil {
		s.logger.Printf("submit plan for %s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "plan execution failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": records})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	q := r.URL.Query()

	opts := actionlog.ListOptions{
		ReversibleOnly: q.Get("reversible") == "true",
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = limit
	}

	records, err := s.records.ListByUser(r.Context(), user.ID, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	summaries := make([]actionlog.Summary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, rec.Summarize())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": summaries})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid action id")
		return
	}

	rec, err := s.records.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, actionlog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "action not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load action")
		return
	}
	if rec.UserID != user.ID {
		// Do not leak existence of other users' actions.
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ============================================================================
// ROLLBACK
// ============================================================================

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid action id")
		return
	}

	var req rollbackRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	rec, err := s.rollback.Rollback(r.Context(), user.ID, id, req.Reason)
	if err != nil {
		if rec != nil {
			// The compensating call failed; the record now carries
			// rollback_failed and the provider's error verbatim.
			writeJSON(w, http.StatusBadGateway, rec)
			return
		}
		s.writeRollbackError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type rollbackBatchRequest struct {
	ActionIDs []int64 `json:"action_ids"`
	Reason    string  `json:"reason"`
}

func (s *Server) handleRollbackBatch(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var req rollbackBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.ActionIDs) == 0 {
		writeError(w, http.StatusBadRequest, "action_ids is required")
		return
	}

	records, err := s.rollback.RollbackBatch(r.Context(), user.ID, req.ActionIDs, req.Reason)
	resp := map[string]interface{}{"actions": records}
	if err != nil {
		// Partial progress is still reported: the caller needs to see
		// which actions were undone before the halt.
		resp["error"] = err.Error()
		writeJSON(w, http.StatusConflict, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeRollbackError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, actionlog.ErrNotFound), errors.Is(err, rollback.ErrForbidden):
		writeError(w, http.StatusNotFound, "action not found")
	case errors.Is(err, rollback.ErrIrreversible):
		writeError(w, http.StatusConflict, "action is irreversible")
	case errors.Is(err, actionlog.ErrInvalidRollbackTarget):
		writeError(w, http.StatusConflict, "action is not in a rollback-eligible state")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
