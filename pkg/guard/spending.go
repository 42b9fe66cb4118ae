package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/getmodelgate/modelgate/pkg/store"
)

var nowUTC = func() time.Time { return time.Now().UTC() }

type SpendReader interface {
	DailySpend(ctx context.Context, userID string, since time.Time) (float64, error)
}

// SpendingGuard enforces the per-user daily budget. The day boundary is UTC
// midnight regardless of where the user or server runs.
type SpendingGuard struct {
	spend        SpendReader
	defaultLimit float64
}

func NewSpendingGuard(spend SpendReader, defaultLimitUSD float64) *SpendingGuard {
	return &SpendingGuard{spend: spend, defaultLimit: defaultLimitUSD}
}

// Check sums today's audited cost and rejects once it reaches the user's
// limit. A storage failure is returned as-is; callers treat it as an
// internal error rather than waving the request through.
func (g *SpendingGuard) Check(ctx context.Context, user store.User) error {
	limit := g.defaultLimit
	if user.SpendingLimitUSD != nil {
		limit = *user.SpendingLimitUSD
	}
	spent, err := g.spend.DailySpend(ctx, user.ID, StartOfUTCDay(nowUTC()))
	if err != nil {
		return fmt.Errorf("daily spend lookup: %w", err)
	}
	if spent >= limit {
		return SpendingLimitReached(limit)
	}
	return nil
}

func StartOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
