package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/getmodelgate/modelgate/pkg/audit"
	"github.com/getmodelgate/modelgate/pkg/guard"
	"github.com/getmodelgate/modelgate/pkg/usage"
)

const ocrGrant = "feature:ocr"

// maxOCRDocumentBytes bounds inline base64 documents; URL documents are
// fetched by the provider and not subject to it.
const maxOCRDocumentBytes = 70 << 20

type ocrDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
	ImageURL    string `json:"image_url"`
}

type ocrRequest struct {
	Model    string      `json:"model"`
	Document ocrDocument `json:"document"`
}

// handleOCR forwards document OCR requests to the dedicated OCR provider.
// The full result goes to the client, but the audit trail only keeps page
// shape metadata: extracted document text never lands in storage.
func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id, ok := identityFromContext(r.Context())
	if !ok {
		writeInternalError(w)
		return
	}

	if !s.ocrEnabled(r, id.User.ID) {
		guard.WriteJSON(w, &guard.Error{
			Kind:    guard.KindModelNotAllowed,
			Status:  http.StatusForbidden,
			Message: "OCR is in closed beta. Contact support to request access.",
		})
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		s.writeGuardOrInternal(w, err)
		return
	}
	if err := s.spending.Check(r.Context(), id.User); err != nil {
		s.writeGuardOrInternal(w, err)
		return
	}

	var req ocrRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.failRequest(w, r, id, "ocr", "", body, started, err)
		return
	}
	if msg := validateOCRDocument(req.Document); msg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]any{
				"message": msg,
				"type":    "invalid_request_error",
				"code":    "invalid_request_error",
			},
		})
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		s.failRequest(w, r, id, "ocr", "", body, started, err)
		return
	}
	payload["model"] = s.cfg.OCR.Model
	outbound, err := json.Marshal(payload)
	if err != nil {
		s.failRequest(w, r, id, "ocr", s.cfg.OCR.Model, body, started, err)
		return
	}

	status, respBody, err := s.ocr.postBuffered(r.Context(), "/ocr", outbound)
	if err != nil {
		s.failRequest(w, r, id, "ocr", s.cfg.OCR.Model, outbound, started, err)
		return
	}
	relayBuffered(w, status, respBody)

	var u usage.Usage
	if status >= 200 && status < 300 {
		u = usage.Resolve(respBody)
	}
	s.audit.Log(audit.Record{
		APIKeyID:   id.Key.ID,
		UserID:     id.User.ID,
		ExternalID: id.User.ExternalID,
		Endpoint:   "ocr",
		Model:      s.cfg.OCR.Model,
		Usage:      u,
		Request:    redactOCRRequest(payload),
		Response:   redactOCRResponse(respBody),
		Headers:    r.Header,
		IP:         requestClientIP(r),
		Status:     status,
		Duration:   time.Since(started),
	})
}

func (s *Server) ocrEnabled(r *http.Request, userID string) bool {
	if s.cfg.OCR.Enabled {
		return true
	}
	ok, err := s.store.HasGrant(r.Context(), userID, ocrGrant)
	if err != nil {
		s.log.Error("ocr grant lookup failed", "user_id", userID, "error", err)
		return false
	}
	return ok
}

func validateOCRDocument(doc ocrDocument) string {
	ref := doc.DocumentURL
	if ref == "" {
		ref = doc.ImageURL
	}
	if strings.TrimSpace(ref) == "" {
		return "document is required"
	}
	if strings.HasPrefix(ref, "data:") {
		if len(ref) > maxOCRDocumentBytes {
			return "inline document is too large"
		}
		return ""
	}
	if !strings.HasPrefix(ref, "https://") {
		return "document URLs must use https"
	}
	return ""
}

// redactOCRRequest keeps the request shape but replaces document payloads,
// which may be huge inline files, with a placeholder.
func redactOCRRequest(payload map[string]any) json.RawMessage {
	redacted := make(map[string]any, len(payload))
	for k, v := range payload {
		redacted[k] = v
	}
	if doc, ok := redacted["document"].(map[string]any); ok {
		docCopy := make(map[string]any, len(doc))
		for k, v := range doc {
			if sv, isStr := v.(string); isStr && (strings.HasPrefix(sv, "data:") || len(sv) > 2048) {
				docCopy[k] = fmt.Sprintf("[redacted %d bytes]", len(sv))
				continue
			}
			docCopy[k] = v
		}
		redacted["document"] = docCopy
	}
	b, err := json.Marshal(redacted)
	if err != nil {
		return nil
	}
	return json.RawMessage(b)
}

// redactOCRResponse reduces each page to its metadata before the response
// enters the trail.
func redactOCRResponse(respBody []byte) json.RawMessage {
	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return rawJSON(respBody)
	}
	pages, ok := parsed["pages"].([]any)
	if !ok {
		return rawJSON(respBody)
	}
	summaries := make([]map[string]any, 0, len(pages))
	for _, p := range pages {
		page, ok := p.(map[string]any)
		if !ok {
			continue
		}
		markdown, _ := page["markdown"].(string)
		images, _ := page["images"].([]any)
		summaries = append(summaries, map[string]any{
			"index":           page["index"],
			"dimensions":      page["dimensions"],
			"markdown_length": len(markdown),
			"images_count":    len(images),
		})
	}
	parsed["pages"] = summaries
	b, err := json.Marshal(parsed)
	if err != nil {
		return rawJSON(respBody)
	}
	return json.RawMessage(b)
}
