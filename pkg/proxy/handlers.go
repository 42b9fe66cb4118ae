package proxy

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/getmodelgate/modelgate/pkg/audit"
	"github.com/getmodelgate/modelgate/pkg/store"
	"github.com/getmodelgate/modelgate/pkg/usage"
)

// endpointHandler serves the OpenAI-compatible completion family. All four
// endpoints share the same pipeline: prompt scan, spending gate, model
// resolution, upstream relay and an audit record per request.
func (s *Server) endpointHandler(endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		id, ok := identityFromContext(r.Context())
		if !ok {
			writeInternalError(w)
			return
		}

		body, err := s.readBody(w, r)
		if err != nil {
			s.writeGuardOrInternal(w, err)
			return
		}
		if ge := s.blocklist.CheckPrompt(body); ge != nil {
			s.writeGuardOrInternal(w, ge)
			return
		}
		if err := s.spending.Check(r.Context(), id.User); err != nil {
			s.writeGuardOrInternal(w, err)
			return
		}

		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			s.failRequest(w, r, id, endpoint, "", body, started, fmt.Errorf("decode request body: %w", err))
			return
		}

		requested, _ := payload["model"].(string)
		resolved, err := s.resolver.General(r.Context(), id.User.ID, requested)
		if err != nil {
			s.writeGuardOrInternal(w, err)
			return
		}
		payload["model"] = resolved
		payload["user"] = "user_" + id.User.ID
		if endpoint != "embeddings" {
			payload["usage"] = map[string]any{"include": true}
		}

		outbound, err := json.Marshal(payload)
		if err != nil {
			s.failRequest(w, r, id, endpoint, resolved, body, started, fmt.Errorf("encode upstream body: %w", err))
			return
		}

		stream, _ := payload["stream"].(bool)
		if stream && endpoint != "embeddings" {
			res, err := s.upstream.postStream(r.Context(), w, "/"+endpoint, outbound)
			s.health.RecordProxyResult(res.status, err)
			if err != nil {
				s.failRequest(w, r, id, endpoint, resolved, outbound, started, err)
				return
			}
			s.recordTokens(endpoint, res.usage)
			s.audit.Log(audit.Record{
				APIKeyID:   id.Key.ID,
				UserID:     id.User.ID,
				ExternalID: id.User.ExternalID,
				Endpoint:   endpoint,
				Model:      resolved,
				Usage:      res.usage,
				Request:    rawJSON(outbound),
				Response:   rawJSON([]byte(res.content)),
				Headers:    r.Header,
				IP:         requestClientIP(r),
				Status:     res.status,
				Stream:     true,
				Duration:   time.Since(started),
			})
			return
		}

		status, respBody, err := s.upstream.postBuffered(r.Context(), "/"+endpoint, outbound)
		s.health.RecordProxyResult(status, err)
		if err != nil {
			s.failRequest(w, r, id, endpoint, resolved, outbound, started, err)
			return
		}
		relayBuffered(w, status, respBody)

		var u usage.Usage
		if status >= 200 && status < 300 {
			u = usage.Resolve(respBody)
		}
		s.recordTokens(endpoint, u)
		s.audit.Log(audit.Record{
			APIKeyID:   id.Key.ID,
			UserID:     id.User.ID,
			ExternalID: id.User.ExternalID,
			Endpoint:   endpoint,
			Model:      resolved,
			Usage:      u,
			Request:    rawJSON(outbound),
			Response:   rawJSON(respBody),
			Headers:    r.Header,
			IP:         requestClientIP(r),
			Status:     status,
			Duration:   time.Since(started),
		})
	}
}

// failRequest handles faults past the guard pipeline: the client gets a
// generic 500 and the trail gets a degraded record carrying the error text
// instead of a response body.
func (s *Server) failRequest(w http.ResponseWriter, r *http.Request, id store.Identity, endpoint, model string, reqBody []byte, started time.Time, err error) {
	s.log.Error("proxied request failed", "endpoint", endpoint, "user_id", id.User.ID, "error", err)
	s.audit.Log(audit.Record{
		APIKeyID:   id.Key.ID,
		UserID:     id.User.ID,
		ExternalID: id.User.ExternalID,
		Endpoint:   endpoint,
		Model:      model,
		Request:    rawJSON(reqBody),
		Response:   errJSON(err),
		Headers:    r.Header,
		IP:         requestClientIP(r),
		Status:     http.StatusInternalServerError,
		Duration:   time.Since(started),
	})
	writeInternalError(w)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body over %d bytes: %w", tooLarge.Limit, err)
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}

func (s *Server) recordTokens(endpoint string, u usage.Usage) {
	if u.TotalTokens > 0 {
		s.metrics.tokensTotal.WithLabelValues(endpoint).Add(float64(u.TotalTokens))
	}
}

// rawJSON returns b unchanged when it is already valid JSON, otherwise wraps
// it in a JSON string so it can live in a JSONB column.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, err := json.Marshal(string(b))
	if err != nil {
		return nil
	}
	return json.RawMessage(quoted)
}

func errJSON(err error) json.RawMessage {
	b, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		return nil
	}
	return json.RawMessage(b)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	allow := append(append([]string{}, s.cfg.Models.Language...), s.cfg.Models.Image...)
	s.serveCatalog(w, r, allow)
}

func (s *Server) handleEmbeddingModels(w http.ResponseWriter, r *http.Request) {
	s.serveCatalog(w, r, s.cfg.Models.Embedding)
}

// serveCatalog renders the model list with an ETag so polling clients can
// revalidate cheaply.
func (s *Server) serveCatalog(w http.ResponseWriter, r *http.Request, allow []string) {
	cards, err := s.catalog.View(r.Context(), allow)
	if err != nil {
		s.log.Error("model catalog unavailable", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": map[string]any{
				"message": "Model catalog is temporarily unavailable",
				"type":    "upstream_error",
				"code":    "upstream_error",
			},
		})
		return
	}
	body, err := json.Marshal(map[string]any{"object": "list", "data": cards})
	if err != nil {
		writeInternalError(w)
		return
	}
	etag := fmt.Sprintf("%q", fmt.Sprintf("%x", sha256.Sum256(body))[:32])
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=60")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		writeInternalError(w)
		return
	}
	stats, err := s.store.UserStats(r.Context(), id.User.ID)
	if err != nil {
		s.log.Error("stats lookup failed", "user_id", id.User.ID, "error", err)
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
