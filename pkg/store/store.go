// Package store is the Postgres-backed account and audit storage.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrKeyNotFound = errors.New("api key not found")

type User struct {
	ID               string
	ExternalID       string
	Email            string
	Name             string
	Banned           bool
	Verified         bool
	SkipVerification bool
	SpendingLimitUSD *float64
}

type APIKey struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
}

// Identity is the result of resolving a presented API key.
type Identity struct {
	Key  APIKey
	User User
}

// RequestLog is one row of the audit trail. Request and Response hold raw
// JSON payloads; Headers only the sanitized subset.
type RequestLog struct {
	ID               string
	APIKeyID         string
	UserID           string
	ExternalID       string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	Request          json.RawMessage
	Response         json.RawMessage
	Headers          map[string]string
	IP               string
	Status           int
	Timestamp        time.Time
	Duration         time.Duration
}

type Stats struct {
	Requests         int64   `json:"total_requests"`
	PromptTokens     int64   `json:"total_prompt_tokens"`
	CompletionTokens int64   `json:"total_completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"total_cost_usd"`
}

type Store interface {
	// LookupActiveKey resolves a presented key to its owner. Revoked keys
	// behave exactly like unknown keys: ErrKeyNotFound.
	LookupActiveKey(ctx context.Context, key string) (Identity, error)

	// DailySpend sums audit-trail cost for a user since the given instant.
	DailySpend(ctx context.Context, userID string, since time.Time) (float64, error)

	InsertRequestLog(ctx context.Context, entry *RequestLog) error

	UserStats(ctx context.Context, userID string) (Stats, error)

	// HasGrant reports whether a user holds a named per-user grant, used for
	// premium model access and feature enablement.
	HasGrant(ctx context.Context, userID, grant string) (bool, error)

	Close() error
}
