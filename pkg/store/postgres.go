package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects, verifies the connection and ensures the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{db: db}
	if err := p.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresFromDB wraps an existing connection without touching the schema.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			banned BOOLEAN NOT NULL DEFAULT FALSE,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			skip_verification BOOLEAN NOT NULL DEFAULT FALSE,
			spending_limit_usd NUMERIC(10,2),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			key TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			revoked_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id UUID PRIMARY KEY,
			api_key_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost NUMERIC(10,6) NOT NULL DEFAULT 0,
			request JSONB,
			response JSONB,
			headers JSONB,
			ip TEXT NOT NULL DEFAULT '',
			status INTEGER NOT NULL DEFAULT 0,
			timestamp TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS user_grants (
			user_id TEXT NOT NULL REFERENCES users(id),
			grant_name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ,
			PRIMARY KEY (user_id, grant_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_user_ts ON request_logs(user_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_ts ON request_logs(timestamp DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const lookupActiveKeyQuery = `SELECT k.id, k.user_id, k.name, k.created_at,
	u.id, u.external_id, u.email, u.name, u.banned, u.verified, u.skip_verification, u.spending_limit_usd
	FROM api_keys k
	JOIN users u ON u.id = k.user_id
	WHERE k.key = $1 AND k.revoked_at IS NULL`

func (p *Postgres) LookupActiveKey(ctx context.Context, key string) (Identity, error) {
	var (
		id    Identity
		limit sql.NullFloat64
	)
	row := p.db.QueryRowContext(ctx, lookupActiveKeyQuery, key)
	err := row.Scan(
		&id.Key.ID, &id.Key.UserID, &id.Key.Name, &id.Key.CreatedAt,
		&id.User.ID, &id.User.ExternalID, &id.User.Email, &id.User.Name,
		&id.User.Banned, &id.User.Verified, &id.User.SkipVerification, &limit,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrKeyNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup api key: %w", err)
	}
	if limit.Valid {
		v := limit.Float64
		id.User.SpendingLimitUSD = &v
	}
	return id, nil
}

func (p *Postgres) DailySpend(ctx context.Context, userID string, since time.Time) (float64, error) {
	var spent float64
	row := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM request_logs WHERE user_id = $1 AND timestamp >= $2`,
		userID, since)
	if err := row.Scan(&spent); err != nil {
		return 0, fmt.Errorf("sum daily spend: %w", err)
	}
	return spent, nil
}

func (p *Postgres) InsertRequestLog(ctx context.Context, entry *RequestLog) error {
	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO request_logs (id, api_key_id, user_id, external_id, model,
			prompt_tokens, completion_tokens, total_tokens, cost,
			request, response, headers, ip, status, timestamp, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		entry.ID, entry.APIKeyID, entry.UserID, entry.ExternalID, entry.Model,
		entry.PromptTokens, entry.CompletionTokens, entry.TotalTokens, entry.CostUSD,
		nullableJSON(entry.Request), nullableJSON(entry.Response), headers,
		entry.IP, entry.Status, entry.Timestamp, entry.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

func (p *Postgres) UserStats(ctx context.Context, userID string) (Stats, error) {
	var st Stats
	row := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost), 0)
		FROM request_logs WHERE user_id = $1`,
		userID)
	if err := row.Scan(&st.Requests, &st.PromptTokens, &st.CompletionTokens, &st.TotalTokens, &st.CostUSD); err != nil {
		return Stats{}, fmt.Errorf("user stats: %w", err)
	}
	return st, nil
}

func (p *Postgres) HasGrant(ctx context.Context, userID, grant string) (bool, error) {
	var ok bool
	row := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM user_grants
			WHERE user_id = $1 AND grant_name = $2
			AND (expires_at IS NULL OR expires_at > now()))`,
		userID, grant)
	if err := row.Scan(&ok); err != nil {
		return false, fmt.Errorf("check grant: %w", err)
	}
	return ok, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
