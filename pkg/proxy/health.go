package proxy

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/getmodelgate/modelgate/pkg/config"
)

type UpstreamStatus string

const (
	UpstreamOnline      UpstreamStatus = "online"
	UpstreamOffline     UpstreamStatus = "offline"
	UpstreamAuthProblem UpstreamStatus = "auth_problem"
	UpstreamUnknown     UpstreamStatus = "unknown"
)

const upstreamHealthCheckInterval = 60 * time.Second

// UpstreamHealthChecker probes the upstream periodically and also folds in
// results observed on live proxied traffic, so the /up snapshot reflects
// what clients actually experience between probes.
type UpstreamHealthChecker struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	interval time.Duration
	log      *log.Logger

	mu        sync.RWMutex
	status    UpstreamStatus
	lastCheck time.Time
	lastError string
}

func NewUpstreamHealthChecker(upstream config.UpstreamConfig, interval time.Duration) *UpstreamHealthChecker {
	return &UpstreamHealthChecker{
		baseURL:  strings.TrimRight(upstream.BaseURL, "/"),
		apiKey:   upstream.APIKey,
		client:   &http.Client{Timeout: 15 * time.Second},
		interval: interval,
		status:   UpstreamUnknown,
		log:      log.Default().With("component", "health"),
	}
}

func (h *UpstreamHealthChecker) Run(ctx context.Context) {
	h.checkOnce(ctx)
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.checkOnce(ctx)
		}
	}
}

func (h *UpstreamHealthChecker) checkOnce(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, h.baseURL+"/models", nil)
	if err != nil {
		h.record(UpstreamOffline, err.Error())
		return
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.record(UpstreamOffline, err.Error())
		return
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		h.record(UpstreamAuthProblem, resp.Status)
	case resp.StatusCode >= 500:
		h.record(UpstreamOffline, resp.Status)
	default:
		h.record(UpstreamOnline, "")
	}
}

// RecordProxyResult folds a live proxied request outcome into the status so
// an outage surfaces before the next probe fires.
func (h *UpstreamHealthChecker) RecordProxyResult(status int, err error) {
	switch {
	case err != nil:
		h.record(UpstreamOffline, err.Error())
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// Could be the client's account state, not the upstream credential;
		// probes decide that.
	case status >= 500:
		h.record(UpstreamOffline, http.StatusText(status))
	default:
		h.record(UpstreamOnline, "")
	}
}

func (h *UpstreamHealthChecker) record(status UpstreamStatus, detail string) {
	h.mu.Lock()
	prev := h.status
	h.status = status
	h.lastCheck = time.Now().UTC()
	h.lastError = detail
	h.mu.Unlock()
	if prev != status && prev != UpstreamUnknown {
		h.log.Warn("upstream status changed", "from", prev, "to", status, "detail", detail)
	}
}

type upstreamSnapshot struct {
	Status    UpstreamStatus `json:"status"`
	LastCheck time.Time      `json:"last_check"`
	LastError string         `json:"last_error,omitempty"`
}

func (h *UpstreamHealthChecker) Snapshot() upstreamSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return upstreamSnapshot{Status: h.status, LastCheck: h.lastCheck, LastError: h.lastError}
}

func (s *Server) handleUp(w http.ResponseWriter, _ *http.Request) {
	snap := s.health.Snapshot()
	status := http.StatusOK
	if snap.Status == UpstreamOffline {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"service":  "modelgate",
		"upstream": snap,
	})
}
