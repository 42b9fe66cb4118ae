package proxy

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/getmodelgate/modelgate/pkg/audit"
	"github.com/getmodelgate/modelgate/pkg/guard"
	"github.com/getmodelgate/modelgate/pkg/store"
	"github.com/getmodelgate/modelgate/pkg/usage"
)

const predictionsGrant = "feature:replicate"

var predictionIDPattern = regexp.MustCompile(`^[a-z0-9]+$`)

// handlePredictionCreate starts a hosted model prediction. Predictions are
// billed per call at a flat configured rate rather than per token, and the
// cost is only charged when the provider accepts the job.
func (s *Server) handlePredictionCreate(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id, ok := identityFromContext(r.Context())
	if !ok {
		writeInternalError(w)
		return
	}
	if !s.predictionsEnabled(r, id.User.ID) {
		s.rejectPredictions(w)
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		s.writeGuardOrInternal(w, err)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		s.failRequest(w, r, id, "replicate/predictions", "", body, started, err)
		return
	}

	model, _ := payload["model"].(string)
	if version, _ := payload["version"].(string); version != "" && model == "" {
		// Pinned versions from older clients map onto model names.
		model = s.cfg.Predictions.VersionAliases[version]
	}
	if model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]any{
				"message": "model is required",
				"type":    "invalid_request_error",
				"code":    "invalid_request_error",
			},
		})
		return
	}
	s.createPrediction(w, r, id, model, payload, started)
}

// handlePredictionModelCreate is the by-model form: the model comes from the
// URL instead of the body.
func (s *Server) handlePredictionModelCreate(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id, ok := identityFromContext(r.Context())
	if !ok {
		writeInternalError(w)
		return
	}
	if !s.predictionsEnabled(r, id.User.ID) {
		s.rejectPredictions(w)
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		s.writeGuardOrInternal(w, err)
		return
	}
	payload := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			s.failRequest(w, r, id, "replicate/predictions", "", body, started, err)
			return
		}
	}
	model := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "model")
	s.createPrediction(w, r, id, model, payload, started)
}

func (s *Server) createPrediction(w http.ResponseWriter, r *http.Request, id store.Identity, model string, payload map[string]any, started time.Time) {
	owner, name, found := strings.Cut(model, "/")
	if !found || owner == "" || name == "" || strings.Contains(name, "/") {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]any{
				"message": "model must be in owner/name form",
				"type":    "invalid_request_error",
				"code":    "invalid_request_error",
			},
		})
		return
	}
	if !s.predictionModelAllowed(model) {
		s.writeGuardOrInternal(w, guard.ModelNotAllowed(model))
		return
	}

	if err := s.spending.Check(r.Context(), id.User); err != nil {
		s.writeGuardOrInternal(w, err)
		return
	}

	delete(payload, "model")
	delete(payload, "version")
	outbound, err := json.Marshal(payload)
	if err != nil {
		s.failRequest(w, r, id, "replicate/predictions", model, nil, started, err)
		return
	}

	status, respBody, err := s.prediction.postBuffered(r.Context(), "/models/"+owner+"/"+name+"/predictions", outbound)
	if err != nil {
		s.failRequest(w, r, id, "replicate/predictions", model, outbound, started, err)
		return
	}
	relayBuffered(w, status, respBody)

	// Only accepted jobs are charged and audited with cost attached.
	var u usage.Usage
	if status >= 200 && status < 300 {
		u = usage.Usage{Cost: s.predCosts.PerCallUSD(model)}
	}
	s.audit.Log(audit.Record{
		APIKeyID:   id.Key.ID,
		UserID:     id.User.ID,
		ExternalID: id.User.ExternalID,
		Endpoint:   "replicate/predictions",
		Model:      model,
		Usage:      u,
		Request:    rawJSON(outbound),
		Response:   rawJSON(respBody),
		Headers:    r.Header,
		IP:         requestClientIP(r),
		Status:     status,
		Duration:   time.Since(started),
	})
}

// handlePredictionGet polls a running prediction. Polls are free and not
// audited.
func (s *Server) handlePredictionGet(w http.ResponseWriter, r *http.Request) {
	s.relayPrediction(w, r, http.MethodGet, "")
}

func (s *Server) handlePredictionCancel(w http.ResponseWriter, r *http.Request) {
	s.relayPrediction(w, r, http.MethodPost, "/cancel")
}

func (s *Server) relayPrediction(w http.ResponseWriter, r *http.Request, method, suffix string) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		writeInternalError(w)
		return
	}
	if !s.predictionsEnabled(r, id.User.ID) {
		s.rejectPredictions(w)
		return
	}
	predID := chi.URLParam(r, "id")
	if !predictionIDPattern.MatchString(predID) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]any{
				"message": "invalid prediction id",
				"type":    "invalid_request_error",
				"code":    "invalid_request_error",
			},
		})
		return
	}

	path := "/predictions/" + predID + suffix
	var status int
	var respBody []byte
	var err error
	if method == http.MethodGet {
		status, respBody, err = s.prediction.get(r.Context(), path)
	} else {
		status, respBody, err = s.prediction.postBuffered(r.Context(), path, []byte("{}"))
	}
	if err != nil {
		s.log.Error("prediction relay failed", "path", path, "error", err)
		writeInternalError(w)
		return
	}
	relayBuffered(w, status, respBody)
}

func (s *Server) predictionsEnabled(r *http.Request, userID string) bool {
	if s.cfg.Predictions.Enabled {
		return true
	}
	ok, err := s.store.HasGrant(r.Context(), userID, predictionsGrant)
	if err != nil {
		s.log.Error("predictions grant lookup failed", "user_id", userID, "error", err)
		return false
	}
	return ok
}

func (s *Server) rejectPredictions(w http.ResponseWriter) {
	guard.WriteJSON(w, &guard.Error{
		Kind:    guard.KindModelNotAllowed,
		Status:  http.StatusForbidden,
		Message: "Hosted predictions are not enabled for this account.",
	})
}

func (s *Server) predictionModelAllowed(model string) bool {
	for _, m := range s.cfg.Predictions.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}
