// Package usage extracts token and cost accounting from upstream responses.
package usage

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Usage is the per-request accounting extracted from an upstream response.
// Absent fields stay zero; callers never get an error for malformed payloads.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
}

func (u Usage) Zero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 && u.Cost == 0
}

// Resolve parses a buffered response body. It accepts both the chat
// completions shape (top-level usage) and the responses shape
// (response.usage), and both token naming conventions.
func Resolve(body []byte) Usage {
	if len(body) == 0 {
		return Usage{}
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return Usage{}
	}
	return resolvePayload(payload)
}

func resolvePayload(payload map[string]any) Usage {
	usageRaw, ok := payload["usage"].(map[string]any)
	if !ok {
		if resp, respOK := payload["response"].(map[string]any); respOK {
			usageRaw, ok = resp["usage"].(map[string]any)
		}
	}
	if !ok {
		return Usage{}
	}
	u := Usage{
		PromptTokens:     int(firstFloat(usageRaw, "prompt_tokens", "input_tokens")),
		CompletionTokens: int(firstFloat(usageRaw, "completion_tokens", "output_tokens")),
		TotalTokens:      int(firstFloat(usageRaw, "total_tokens")),
		Cost:             firstFloat(usageRaw, "cost"),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func firstFloat(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case int64:
			return float64(n)
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f
			}
		}
	}
	return 0
}

// SSEAccumulator observes a server-sent-event stream as it is relayed to the
// client. It keeps the usage block from the final event that carries one and
// collects the raw chunks for audit logging.
type SSEAccumulator struct {
	pending []byte
	usage   Usage
	chunks  []string
}

func NewSSEAccumulator() *SSEAccumulator {
	return &SSEAccumulator{pending: make([]byte, 0, 1024)}
}

// Consume feeds one network chunk. Events split across chunk boundaries are
// reassembled before parsing.
func (a *SSEAccumulator) Consume(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	a.chunks = append(a.chunks, string(chunk))
	a.pending = append(a.pending, chunk...)
	for {
		idx := bytes.IndexByte(a.pending, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimSpace(string(a.pending[:idx]))
		a.pending = a.pending[idx+1:]
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		if u := Resolve([]byte(data)); !u.Zero() {
			a.usage = u
		}
	}
}

func (a *SSEAccumulator) Usage() Usage {
	return a.usage
}

// Content returns the collected raw chunks joined for the audit trail.
func (a *SSEAccumulator) Content() string {
	return strings.Join(a.chunks, "\n")
}
