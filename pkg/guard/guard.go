// Package guard implements the admission checks a request passes through
// before it is forwarded upstream, and the error envelope they reject with.
package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type Kind string

const (
	KindUnauthenticated      Kind = "authentication_required"
	KindInvalidCredential    Kind = "authentication_failed"
	KindBanned               Kind = "account_banned"
	KindVerificationRequired Kind = "verification_required"
	KindBlockedClient        Kind = "client_blocked"
	KindRateLimited          Kind = "rate_limit_exceeded"
	KindSpendingLimit        Kind = "spending_limit_exceeded"
	KindPremiumRequired      Kind = "premium_access_required"
	KindModelNotAllowed      Kind = "model_not_allowed"
)

// Error is a request rejection with a fixed HTTP status. The message is the
// full client-visible detail; internals never leak through it.
type Error struct {
	Kind       Kind
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return e.Message
}

func Unauthenticated() *Error {
	return &Error{Kind: KindUnauthenticated, Status: http.StatusUnauthorized, Message: "Authentication required"}
}

func InvalidCredential() *Error {
	return &Error{Kind: KindInvalidCredential, Status: http.StatusUnauthorized, Message: "Authentication failed"}
}

func Banned() *Error {
	return &Error{Kind: KindBanned, Status: http.StatusForbidden, Message: "Account is banned"}
}

func VerificationRequired() *Error {
	return &Error{Kind: KindVerificationRequired, Status: http.StatusForbidden, Message: "Identity verification required"}
}

func BlockedClient(message string) *Error {
	return &Error{Kind: KindBlockedClient, Status: http.StatusForbidden, Message: message}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Status:     http.StatusTooManyRequests,
		Message:    "Rate limit exceeded. Try again later.",
		RetryAfter: retryAfter,
	}
}

func SpendingLimitReached(limit float64) *Error {
	return &Error{
		Kind:    KindSpendingLimit,
		Status:  http.StatusTooManyRequests,
		Message: fmt.Sprintf("Daily spending limit of $%.2f reached", limit),
	}
}

func PremiumRequired(model string) *Error {
	return &Error{
		Kind:    KindPremiumRequired,
		Status:  http.StatusForbidden,
		Message: fmt.Sprintf("Model %s requires premium access", model),
	}
}

func ModelNotAllowed(model string) *Error {
	return &Error{
		Kind:    KindModelNotAllowed,
		Status:  http.StatusForbidden,
		Message: fmt.Sprintf("Model %s is not in the allowed list", model),
	}
}

// As unwraps err to a guard rejection when it is one.
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// WriteJSON renders the rejection in the OpenAI-style error envelope.
func WriteJSON(w http.ResponseWriter, e *Error) {
	if e.RetryAfter > 0 {
		secs := int64(e.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": e.Message,
			"type":    string(e.Kind),
			"code":    string(e.Kind),
		},
	})
}
