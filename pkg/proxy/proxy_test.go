package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/getmodelgate/modelgate/pkg/audit"
	"github.com/getmodelgate/modelgate/pkg/config"
	"github.com/getmodelgate/modelgate/pkg/store"
)

type fakeStore struct {
	mu         sync.Mutex
	identities map[string]store.Identity
	spend      map[string]float64
	spendErr   error
	grants     map[string]bool
	stats      store.Stats
	logs       []*store.RequestLog
}

func newFakeStore() *fakeStore {
	limit := 10.0
	return &fakeStore{
		identities: map[string]store.Identity{
			"sk-test": {
				Key: store.APIKey{ID: "key-1", UserID: "user-1"},
				User: store.User{
					ID:               "user-1",
					ExternalID:       "ext-1",
					Email:            "dev@example.com",
					Verified:         true,
					SpendingLimitUSD: &limit,
				},
			},
		},
		spend:  map[string]float64{},
		grants: map[string]bool{},
	}
}

func (f *fakeStore) LookupActiveKey(_ context.Context, key string) (store.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.identities[key]
	if !ok {
		return store.Identity{}, store.ErrKeyNotFound
	}
	return id, nil
}

func (f *fakeStore) DailySpend(_ context.Context, userID string, _ time.Time) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spendErr != nil {
		return 0, f.spendErr
	}
	return f.spend[userID], nil
}

func (f *fakeStore) InsertRequestLog(_ context.Context, entry *store.RequestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeStore) UserStats(_ context.Context, _ string) (store.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakeStore) HasGrant(_ context.Context, userID, grant string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grants[userID+"/"+grant], nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) loggedEntries() []*store.RequestLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.RequestLog, len(f.logs))
	copy(out, f.logs)
	return out
}

var errBoom = errors.New("boom")

func fakeIdentity(userID string) store.Identity {
	return store.Identity{
		Key:  store.APIKey{ID: "key-" + userID, UserID: userID},
		User: store.User{ID: userID, ExternalID: "ext-" + userID, Verified: true},
	}
}

type testEnv struct {
	srv   *Server
	fake  *fakeStore
	audit *audit.Logger
}

func testConfig(upstreamURL string) *config.Config {
	cfg := config.Default()
	cfg.Upstream.BaseURL = upstreamURL
	cfg.Upstream.APIKey = "up-key"
	cfg.Upstream.RefererURL = "https://gate.example.com"
	cfg.Upstream.AppTitle = "modelgate"
	cfg.Moderations.BaseURL = upstreamURL
	cfg.OCR.BaseURL = upstreamURL
	cfg.OCR.Model = "doc-reader-1"
	cfg.Predictions.BaseURL = upstreamURL
	cfg.Models.Language = []string{"lang-default", "lang-alt", "premium-1"}
	cfg.Models.Embedding = []string{"embed-default"}
	cfg.Models.Image = []string{"image-default"}
	cfg.Models.Premium = []string{"premium-1"}
	cfg.Blocklist.Message = "Access denied for automated coding tools"
	cfg.Blocklist.Apps = []string{"badapp"}
	cfg.Blocklist.UserAgents = []string{"evilbot"}
	cfg.Blocklist.Prompts = []string{"blocked marker phrase"}
	cfg.EnforceVerification = true
	return cfg
}

func newTestEnv(t *testing.T, cfg *config.Config, fake *fakeStore) *testEnv {
	t.Helper()
	if fake == nil {
		fake = newFakeStore()
	}
	aud := audit.New(fake, nil)
	srv, err := NewServer(cfg, Options{Store: fake, Audit: aud})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { _ = aud.Close() })
	return &testEnv{srv: srv, fake: fake, audit: aud}
}

// flushAudit drains the fire-and-forget audit queue so assertions see the
// persisted rows.
func (e *testEnv) flushAudit() {
	_ = e.audit.Close()
}

func (e *testEnv) do(t *testing.T, method, path, token, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "203.0.113.9:51234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}
