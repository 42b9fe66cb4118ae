package guard

import (
	"net/http"
	"strings"

	"github.com/getmodelgate/modelgate/pkg/config"
)

// Blocklist rejects traffic from known automated coding tools, matched by
// attribution headers and by substrings in the prompt body. Requests without
// the inspected headers pass; this filter only catches clients that identify
// themselves.
type Blocklist struct {
	message string
	apps    []string
	agents  []string
	prompts []string
}

var appHeaders = []string{"Referer", "HTTP-Referer", "X-Title"}

func NewBlocklist(cfg config.BlocklistConfig) *Blocklist {
	return &Blocklist{
		message: cfg.Message,
		apps:    lowerAll(cfg.Apps),
		agents:  lowerAll(cfg.UserAgents),
		prompts: lowerAll(cfg.Prompts),
	}
}

// CheckHeaders matches attribution headers against the blocked app and
// user-agent lists. All matching is case-insensitive substring.
func (b *Blocklist) CheckHeaders(h http.Header) *Error {
	for _, name := range appHeaders {
		if matchAny(h.Get(name), b.apps) {
			return BlockedClient(b.message)
		}
	}
	if matchAny(h.Get("User-Agent"), b.agents) {
		return BlockedClient(b.message)
	}
	return nil
}

// CheckPrompt scans a request body for blocked prompt markers. The scan is a
// raw substring search so it works on any JSON shape without parsing.
func (b *Blocklist) CheckPrompt(body []byte) *Error {
	if len(b.prompts) == 0 || len(body) == 0 {
		return nil
	}
	lowered := strings.ToLower(string(body))
	for _, p := range b.prompts {
		if strings.Contains(lowered, p) {
			return BlockedClient(b.message)
		}
	}
	return nil
}

func matchAny(value string, needles []string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return false
	}
	for _, n := range needles {
		if n != "" && strings.Contains(value, n) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
