package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/getmodelgate/modelgate/pkg/audit"
	"github.com/getmodelgate/modelgate/pkg/usage"
)

// sizeAspectRatios maps the classic DALL-E size parameter onto the aspect
// ratios image-capable chat models understand.
var sizeAspectRatios = map[string]string{
	"1024x1024": "1:1",
	"1792x1024": "16:9",
	"1024x1792": "9:16",
	"512x512":   "1:1",
	"256x256":   "1:1",
}

type imageGenerationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

// handleImageGenerations accepts the images/generations shape and serves it
// through an image-capable chat model: the prompt becomes a user message
// with image output requested, and the generated images come back in the
// images API envelope.
func (s *Server) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
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

	var req imageGenerationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.failRequest(w, r, id, "images/generations", "", body, started, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]any{
				"message": "prompt is required",
				"type":    "invalid_request_error",
				"code":    "invalid_request_error",
			},
		})
		return
	}

	model := s.resolver.Image(req.Model)
	aspect := sizeAspectRatios[req.Size]
	if aspect == "" {
		aspect = "1:1"
	}

	chatBody := map[string]any{
		"model": model,
		"user":  "user_" + id.User.ID,
		"messages": []map[string]any{
			{"role": "user", "content": req.Prompt},
		},
		"modalities":   []string{"image", "text"},
		"image_config": map[string]any{"aspect_ratio": aspect},
		"usage":        map[string]any{"include": true},
	}
	outbound, err := json.Marshal(chatBody)
	if err != nil {
		s.failRequest(w, r, id, "images/generations", model, body, started, err)
		return
	}

	status, respBody, err := s.upstream.postBuffered(r.Context(), "/chat/completions", outbound)
	if err != nil {
		s.failRequest(w, r, id, "images/generations", model, outbound, started, err)
		return
	}

	var u usage.Usage
	var clientStatus int
	var clientBody []byte
	if status >= 200 && status < 300 {
		u = usage.Resolve(respBody)
		clientStatus = http.StatusOK
		clientBody = buildImageEnvelope(respBody, req.ResponseFormat)
	} else {
		clientStatus = status
		clientBody = respBody
	}
	relayBuffered(w, clientStatus, clientBody)

	s.recordTokens("images/generations", u)
	s.audit.Log(audit.Record{
		APIKeyID:   id.Key.ID,
		UserID:     id.User.ID,
		ExternalID: id.User.ExternalID,
		Endpoint:   "images/generations",
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

// buildImageEnvelope pulls the generated images out of the chat response and
// reshapes them into the images API response.
func buildImageEnvelope(chatResp []byte, responseFormat string) []byte {
	var parsed struct {
		Created int64 `json:"created"`
		Choices []struct {
			Message struct {
				Images []struct {
					ImageURL struct {
						URL string `json:"url"`
					} `json:"image_url"`
				} `json:"images"`
			} `json:"message"`
		} `json:"choices"`
	}
	_ = json.Unmarshal(chatResp, &parsed)

	created := parsed.Created
	if created == 0 {
		created = time.Now().UTC().Unix()
	}

	data := make([]map[string]string, 0, 4)
	for _, choice := range parsed.Choices {
		for _, img := range choice.Message.Images {
			url := img.ImageURL.URL
			if url == "" {
				continue
			}
			if responseFormat == "b64_json" {
				// Generated images arrive as data: URLs; the payload after
				// the comma is already base64.
				if _, b64, found := strings.Cut(url, ","); found {
					data = append(data, map[string]string{"b64_json": b64})
				} else {
					data = append(data, map[string]string{"b64_json": url})
				}
				continue
			}
			data = append(data, map[string]string{"url": url})
		}
	}

	out, err := json.Marshal(map[string]any{"created": created, "data": data})
	if err != nil {
		return []byte(`{"created":0,"data":[]}`)
	}
	return out
}
