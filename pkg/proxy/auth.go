package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/getmodelgate/modelgate/pkg/guard"
	"github.com/getmodelgate/modelgate/pkg/store"
)

type contextKey string

const identityContextKey contextKey = "identity"

func identityFromContext(ctx context.Context) (store.Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(store.Identity)
	return id, ok
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// authMiddleware resolves the bearer token to an active key and its owner,
// then applies the account-level gates. The resolved identity travels in the
// request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.rejectAuth(w, guard.Unauthenticated())
			return
		}
		id, err := s.store.LookupActiveKey(r.Context(), token)
		if err != nil {
			if errors.Is(err, store.ErrKeyNotFound) {
				s.rejectAuth(w, guard.InvalidCredential())
				return
			}
			s.log.Error("key lookup failed", "error", err)
			writeInternalError(w)
			return
		}
		if id.User.Banned {
			s.rejectAuth(w, guard.Banned())
			return
		}
		if s.cfg.EnforceVerification && !id.User.SkipVerification && !id.User.Verified {
			s.rejectAuth(w, guard.VerificationRequired())
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rejectAuth(w http.ResponseWriter, ge *guard.Error) {
	s.metrics.guardRejections.WithLabelValues(string(ge.Kind)).Inc()
	guard.WriteJSON(w, ge)
}

// blocklistMiddleware runs before authentication so blocked tooling is
// turned away without a key lookup. Prompt scanning happens later, once the
// handler has read the body.
func (s *Server) blocklistMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ge := s.blocklist.CheckHeaders(r.Header); ge != nil {
			s.metrics.guardRejections.WithLabelValues(string(ge.Kind)).Inc()
			guard.WriteJSON(w, ge)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestClientIP prefers the addresses set by fronting proxies over the
// socket peer.
func requestClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
