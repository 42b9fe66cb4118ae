// Package models maps requested model names onto the configured pools and
// serves the public model catalog.
package models

import (
	"context"
	"fmt"
	"strings"

	"github.com/getmodelgate/modelgate/pkg/config"
	"github.com/getmodelgate/modelgate/pkg/guard"
)

// Resolve maps a requested model onto a pool. Anything outside the pool is
// silently routed to the pool's first entry instead of being rejected, so
// clients hardcoding model names keep working.
func Resolve(requested string, pool []string) string {
	requested = strings.TrimSpace(requested)
	for _, m := range pool {
		if m == requested {
			return requested
		}
	}
	if len(pool) == 0 {
		return requested
	}
	return pool[0]
}

type GrantChecker interface {
	HasGrant(ctx context.Context, userID, grant string) (bool, error)
}

type Resolver struct {
	pools   config.ModelsConfig
	union   []string
	premium map[string]struct{}
	grants  GrantChecker
}

func NewResolver(pools config.ModelsConfig, grants GrantChecker) *Resolver {
	premium := make(map[string]struct{}, len(pools.Premium))
	for _, m := range pools.Premium {
		premium[m] = struct{}{}
	}
	// The general pool spans all capabilities, with the language pool first
	// so its head is the substitution default.
	union := make([]string, 0, len(pools.Language)+len(pools.Image)+len(pools.Embedding))
	union = append(union, pools.Language...)
	union = append(union, pools.Image...)
	union = append(union, pools.Embedding...)
	return &Resolver{pools: pools, union: union, premium: premium, grants: grants}
}

// General resolves a model for the chat/completions, responses and
// embeddings endpoints and enforces the premium gate: premium pool members
// require a matching per-user grant.
func (r *Resolver) General(ctx context.Context, userID, requested string) (string, error) {
	resolved := Resolve(requested, r.union)
	if _, isPremium := r.premium[resolved]; !isPremium {
		return resolved, nil
	}
	ok, err := r.grants.HasGrant(ctx, userID, resolved)
	if err != nil {
		return "", fmt.Errorf("premium grant lookup: %w", err)
	}
	if !ok {
		return "", guard.PremiumRequired(resolved)
	}
	return resolved, nil
}

func (r *Resolver) Embedding(requested string) string {
	return Resolve(requested, r.pools.Embedding)
}

func (r *Resolver) Image(requested string) string {
	return Resolve(requested, r.pools.Image)
}

func (r *Resolver) LanguagePool() []string  { return r.pools.Language }
func (r *Resolver) EmbeddingPool() []string { return r.pools.Embedding }
