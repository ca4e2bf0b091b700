package core

import (
	"context"
	"fmt"
	"time"

	"warden/metrics"
)

// Dedup key namespaces
const (
	DedupFindingPrefix  = "dedup:"
	DedupIncidentPrefix = "incident:"
)

// DedupGuard implements "claim within window": the first caller to claim a key within its
// TTL may proceed, every later caller must suppress. Claims are never released early, so a
// retried invocation may stay suppressed until the window lapses.
type DedupGuard struct {
	store StateStore
}

// NewDedupGuard creates a dedup guard over store
func NewDedupGuard(store StateStore) *DedupGuard {
	return &DedupGuard{store: store}
}

// Claim atomically sets key with ttl if absent and reports whether the caller is the first claimant
func (g *DedupGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.store.SetNX(ctx, key, "1", ttl)
	if err != nil {
		return false, fmt.Errorf("dedup claim %s: %w", key, err)
	}
	recordClaim(ok)
	return ok, nil
}

// claimOwnerAttempts bounds the SETNX/GET retries when claims keep expiring in between
const claimOwnerAttempts = 3

// ClaimOwner claims key on behalf of candidate. When another caller already owns the key its
// recorded owner is returned with claimed=false. A non-empty owner is always returned on success.
func (g *DedupGuard) ClaimOwner(ctx context.Context, key, candidate string, ttl time.Duration) (owner string, claimed bool, err error) {
	for attempt := 0; attempt < claimOwnerAttempts; attempt++ {
		ok, err := g.store.SetNX(ctx, key, candidate, ttl)
		if err != nil {
			return "", false, fmt.Errorf("dedup claim %s: %w", key, err)
		}
		recordClaim(ok)
		if ok {
			return candidate, true, nil
		}

		owner, found, err := g.store.Get(ctx, key)
		if err != nil {
			return "", false, fmt.Errorf("dedup owner %s: %w", key, err)
		}
		if found && owner != "" {
			return owner, false, nil
		}
		// The previous claim expired between SETNX and GET
	}
	return "", false, fmt.Errorf("%w: dedup owner %s: claim expired on every attempt", ErrStateUnavailable, key)
}

func recordClaim(claimed bool) {
	if claimed {
		metrics.DedupClaims.WithLabelValues("claimed").Inc()
		return
	}
	metrics.DedupClaims.WithLabelValues("suppressed").Inc()
}
