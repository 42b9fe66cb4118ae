package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestImageGenerationTranslatesToChat(t *testing.T) {
	var upstreamBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&upstreamBody)
		_, _ = w.Write([]byte(`{"created":1700000000,"choices":[{"message":{"images":[{"image_url":{"url":"data:image/png;base64,aGVsbG8="}}]}}],"usage":{"total_tokens":100,"cost":0.01}}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, testConfig(upstream.URL), nil)
	w := env.do(t, http.MethodPost, "/v1/images/generations", "sk-test", `{"prompt":"a red fox","size":"1792x1024"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", w.Code, w.Body.String())
	}

	if got := upstreamBody["model"]; got != "image-default" {
		t.Fatalf("unexpected model: %v", got)
	}
	mods, _ := upstreamBody["modalities"].([]any)
	if len(mods) != 2 || mods[0] != "image" {
		t.Fatalf("unexpected modalities: %v", upstreamBody["modalities"])
	}
	imgCfg, _ := upstreamBody["image_config"].(map[string]any)
	if imgCfg["aspect_ratio"] != "16:9" {
		t.Fatalf("unexpected aspect ratio: %v", imgCfg)
	}

	var resp struct {
		Created int64 `json:"created"`
		Data    []map[string]string
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Created != 1700000000 || len(resp.Data) != 1 {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if !strings.HasPrefix(resp.Data[0]["url"], "data:image/png") {
		t.Fatalf("unexpected image entry: %v", resp.Data[0])
	}
}

func TestImageGenerationB64Format(t *testing.T) {
	resp := buildImageEnvelope([]byte(`{"created":5,"choices":[{"message":{"images":[{"image_url":{"url":"data:image/png;base64,Zm94"}}]}}]}`), "b64_json")
	var parsed struct {
		Data []map[string]string `json:"data"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if len(parsed.Data) != 1 || parsed.Data[0]["b64_json"] != "Zm94" {
		t.Fatalf("unexpected b64 data: %+v", parsed.Data)
	}
}

func TestImageGenerationRequiresPrompt(t *testing.T) {
	env := newTestEnv(t, testConfig("http://unused.invalid"), nil)
	w := env.do(t, http.MethodPost, "/v1/images/generations", "sk-test", `{"size":"1024x1024"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", w.Code)
	}
}

func TestOCRClosedBetaWithoutGrant(t *testing.T) {
	env := newTestEnv(t, testConfig("http://unused.invalid"), nil)
	w := env.do(t, http.MethodPost, "/v1/ocr", "sk-test", `{"document":{"type":"document_url","document_url":"https://example.com/doc.pdf"}}`, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if msg := decodeErrorMessage(t, w); !strings.Contains(msg, "closed beta") {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestOCRRedactsResponseInAuditOnly(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ocr" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "doc-reader-1" {
			t.Errorf("model not pinned: %v", body["model"])
		}
		_, _ = w.Write([]byte(`{"pages":[{"index":0,"dimensions":{"width":800,"height":600},"markdown":"secret document text","images":[{"id":"img-0"}]}],"usage":{"total_tokens":50,"cost":0.002}}`))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.OCR.Enabled = true
	env := newTestEnv(t, cfg, nil)
	w := env.do(t, http.MethodPost, "/v1/ocr", "sk-test", `{"model":"whatever","document":{"type":"document_url","document_url":"https://example.com/doc.pdf"}}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "secret document text") {
		t.Fatal("client should receive the full extraction")
	}

	env.flushAudit()
	logs := env.fake.loggedEntries()
	if len(logs) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(logs))
	}
	stored := string(logs[0].Response)
	if strings.Contains(stored, "secret document text") {
		t.Fatalf("extracted text reached the audit trail: %s", stored)
	}
	if !strings.Contains(stored, "markdown_length") {
		t.Fatalf("page metadata missing from audit trail: %s", stored)
	}
}

func TestOCRGrantEnablesFeature(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pages":[]}`))
	}))
	defer upstream.Close()

	fake := newFakeStore()
	fake.grants["user-1/feature:ocr"] = true
	env := newTestEnv(t, testConfig(upstream.URL), fake)
	w := env.do(t, http.MethodPost, "/v1/ocr", "sk-test", `{"document":{"type":"document_url","document_url":"https://example.com/x.pdf"}}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
}

func TestOCRRejectsPlainHTTPDocument(t *testing.T) {
	cfg := testConfig("http://unused.invalid")
	cfg.OCR.Enabled = true
	env := newTestEnv(t, cfg, nil)
	w := env.do(t, http.MethodPost, "/v1/ocr", "sk-test", `{"document":{"type":"document_url","document_url":"http://example.com/doc.pdf"}}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if msg := decodeErrorMessage(t, w); !strings.Contains(msg, "https") {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestModerationsRelaysWithoutAudit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/moderations" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		body, _ := json.Marshal(map[string]any{"results": []map[string]any{{"flagged": false}}})
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	env := newTestEnv(t, testConfig(upstream.URL), nil)
	w := env.do(t, http.MethodPost, "/v1/moderations", "sk-test", `{"input":"some text"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "flagged") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}

	env.flushAudit()
	if logs := env.fake.loggedEntries(); len(logs) != 0 {
		t.Fatalf("moderations must not be audited, got %d rows", len(logs))
	}
}

func TestModerationsSkipSpendingGate(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer upstream.Close()

	fake := newFakeStore()
	fake.spend["user-1"] = 999
	env := newTestEnv(t, testConfig(upstream.URL), fake)
	w := env.do(t, http.MethodPost, "/v1/moderations", "sk-test", `{"input":"text"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
}

func TestStatsReturnsUserTotals(t *testing.T) {
	fake := newFakeStore()
	fake.stats.Requests = 7
	fake.stats.TotalTokens = 1234
	fake.stats.CostUSD = 0.55
	env := newTestEnv(t, testConfig("http://unused.invalid"), fake)

	w := env.do(t, http.MethodGet, "/v1/stats", "sk-test", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	var stats struct {
		Requests    int64   `json:"total_requests"`
		TotalTokens int64   `json:"total_tokens"`
		CostUSD     float64 `json:"total_cost_usd"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Requests != 7 || stats.TotalTokens != 1234 || stats.CostUSD != 0.55 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDrainingRejectsNewProxyRequests(t *testing.T) {
	env := newTestEnv(t, testConfig("http://unused.invalid"), nil)
	env.srv.draining.Store(true)
	w := env.do(t, http.MethodPost, "/v1/chat/completions", "sk-test", `{}`, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got == "" {
		t.Fatal("expected Retry-After header")
	}

	if w := env.do(t, http.MethodGet, "/healthz", "", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health endpoint should survive draining: %d", w.Code)
	}
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	env := newTestEnv(t, testConfig("http://unused.invalid"), nil)
	// Trigger a guard rejection so the counter exists.
	_ = env.do(t, http.MethodPost, "/v1/chat/completions", "", `{}`, nil)

	w := env.do(t, http.MethodGet, "/metrics", "", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "modelgate_requests_total") {
		t.Fatal("requests counter missing from exposition")
	}
	if !strings.Contains(w.Body.String(), "modelgate_guard_rejections_total") {
		t.Fatal("guard rejection counter missing from exposition")
	}
}
