package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/getmodelgate/modelgate/pkg/config"
)

func predictionsConfig(upstreamURL string) *config.Config {
	cfg := testConfig(upstreamURL)
	cfg.Predictions.Enabled = true
	cfg.Predictions.AllowedModels = []string{"stability-ai/sdxl", "meta/llama-guard"}
	cfg.Predictions.VersionAliases = map[string]string{"abc123def": "stability-ai/sdxl"}
	cfg.Predictions.CostPerCallUSD = map[string]float64{"stability-ai/sdxl": 0.04}
	return cfg
}

func TestPredictionCreateChargesFlatCost(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pred123","status":"starting"}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, predictionsConfig(upstream.URL), nil)
	w := env.do(t, http.MethodPost, "/v1/replicate/predictions", "sk-test", `{"model":"stability-ai/sdxl","input":{"prompt":"fox"}}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body %s", w.Code, w.Body.String())
	}
	if gotPath != "/models/stability-ai/sdxl/predictions" {
		t.Fatalf("unexpected upstream path: %s", gotPath)
	}

	env.flushAudit()
	logs := env.fake.loggedEntries()
	if len(logs) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(logs))
	}
	if logs[0].CostUSD != 0.04 {
		t.Fatalf("unexpected per-call cost: %v", logs[0].CostUSD)
	}
	if logs[0].Model != "stability-ai/sdxl" {
		t.Fatalf("unexpected model: %q", logs[0].Model)
	}
}

func TestPredictionCreateDefaultCostForUnpricedModel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pred1"}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, predictionsConfig(upstream.URL), nil)
	w := env.do(t, http.MethodPost, "/v1/replicate/predictions", "sk-test", `{"model":"meta/llama-guard","input":{}}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	env.flushAudit()
	logs := env.fake.loggedEntries()
	if len(logs) != 1 || logs[0].CostUSD != 0.01 {
		t.Fatalf("expected default flat cost, got %+v", logs)
	}
}

func TestPredictionRejectedJobIsNotCharged(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"invalid input"}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, predictionsConfig(upstream.URL), nil)
	w := env.do(t, http.MethodPost, "/v1/replicate/predictions", "sk-test", `{"model":"stability-ai/sdxl","input":{}}`, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	env.flushAudit()
	logs := env.fake.loggedEntries()
	if len(logs) != 1 || logs[0].CostUSD != 0 {
		t.Fatalf("rejected job must not be charged: %+v", logs)
	}
}

func TestPredictionVersionAliasResolvesModel(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, has := body["version"]; has {
			t.Errorf("version field should be stripped: %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pred1"}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, predictionsConfig(upstream.URL), nil)
	w := env.do(t, http.MethodPost, "/v1/replicate/predictions", "sk-test", `{"version":"abc123def","input":{}}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body %s", w.Code, w.Body.String())
	}
	if gotPath != "/models/stability-ai/sdxl/predictions" {
		t.Fatalf("alias not applied: %s", gotPath)
	}
}

func TestPredictionCreateByModelURL(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pred9"}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, predictionsConfig(upstream.URL), nil)
	w := env.do(t, http.MethodPost, "/v1/replicate/models/meta/llama-guard/predictions", "sk-test", `{"input":{"text":"x"}}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body %s", w.Code, w.Body.String())
	}
	if gotPath != "/models/meta/llama-guard/predictions" {
		t.Fatalf("unexpected upstream path: %s", gotPath)
	}
}

func TestPredictionModelNotAllowed(t *testing.T) {
	env := newTestEnv(t, predictionsConfig("http://unused.invalid"), nil)
	w := env.do(t, http.MethodPost, "/v1/replicate/predictions", "sk-test", `{"model":"evil/miner","input":{}}`, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if msg := decodeErrorMessage(t, w); !strings.Contains(msg, "evil/miner") {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestPredictionMalformedModelName(t *testing.T) {
	env := newTestEnv(t, predictionsConfig("http://unused.invalid"), nil)
	for _, model := range []string{"noslash", "/leading", "trailing/", "a/b/c"} {
		w := env.do(t, http.MethodPost, "/v1/replicate/predictions", "sk-test", `{"model":"`+model+`","input":{}}`, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("model %q: unexpected status %d", model, w.Code)
		}
	}
}

func TestPredictionFeatureGate(t *testing.T) {
	cfg := predictionsConfig("http://unused.invalid")
	cfg.Predictions.Enabled = false
	env := newTestEnv(t, cfg, nil)
	w := env.do(t, http.MethodPost, "/v1/replicate/predictions", "sk-test", `{"model":"stability-ai/sdxl"}`, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("unexpected status: %d", w.Code)
	}
}

func TestPredictionGetValidatesID(t *testing.T) {
	env := newTestEnv(t, predictionsConfig("http://unused.invalid"), nil)
	w := env.do(t, http.MethodGet, "/v1/replicate/predictions/UPPER-not-valid", "sk-test", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", w.Code)
	}
}

func TestPredictionGetAndCancelRelayWithoutAudit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/predictions/pred123":
			_, _ = w.Write([]byte(`{"id":"pred123","status":"succeeded"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/predictions/pred123/cancel":
			_, _ = w.Write([]byte(`{"id":"pred123","status":"canceled"}`))
		default:
			t.Errorf("unexpected upstream call: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer upstream.Close()

	env := newTestEnv(t, predictionsConfig(upstream.URL), nil)
	if w := env.do(t, http.MethodGet, "/v1/replicate/predictions/pred123", "sk-test", "", nil); w.Code != http.StatusOK {
		t.Fatalf("get: unexpected status %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/v1/replicate/predictions/pred123/cancel", "sk-test", "", nil); w.Code != http.StatusOK {
		t.Fatalf("cancel: unexpected status %d", w.Code)
	}

	env.flushAudit()
	if logs := env.fake.loggedEntries(); len(logs) != 0 {
		t.Fatalf("polls must not be audited, got %d rows", len(logs))
	}
}
