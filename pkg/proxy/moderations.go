package proxy

import (
	"net/http"
)

// handleModerations relays content classification verbatim. Moderation calls
// are free, so they skip the spending gate, and the request trail never sees
// the content being classified.
func (s *Server) handleModerations(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeGuardOrInternal(w, err)
		return
	}
	status, respBody, err := s.moderation.postBuffered(r.Context(), "/moderations", body)
	if err != nil {
		s.log.Error("moderation relay failed", "error", err)
		writeInternalError(w)
		return
	}
	relayBuffered(w, status, respBody)
}
