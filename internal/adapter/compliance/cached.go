package compliance

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/infrastructure/logging"
	"github.com/iho/sagaledger/internal/usecase"
)

// CachedLookup caches the values of another ComplianceLookup. Misses
// (ErrNoRuleFound) are not cached so a newly added rule is seen at once.
type CachedLookup struct {
	next   usecase.ComplianceLookup
	cache  usecase.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedLookup wraps next with cache.
func NewCachedLookup(next usecase.ComplianceLookup, cache usecase.Cache, ttl time.Duration, logger *slog.Logger) *CachedLookup {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedLookup{next: next, cache: cache, ttl: ttl, logger: logger}
}

// GetValue implements usecase.ComplianceLookup. Cache failures fall through
// to the wrapped lookup.
func (c *CachedLookup) GetValue(ctx context.Context, q domain.RuleQuery) (string, error) {
	key := cacheKey(q)

	if v, err := c.cache.Get(ctx, key); err == nil {
		return string(v), nil
	}

	value, err := c.next.GetValue(ctx, q)
	if err != nil {
		return "", err
	}

	if err := c.cache.Set(ctx, key, []byte(value), c.ttl); err != nil {
		logging.FromContext(ctx, c.logger).Warn("compliance cache write failed",
			"key", key,
			"error", err,
		)
	}
	return value, nil
}

func cacheKey(q domain.RuleQuery) string {
	return strings.Join([]string{
		q.Jurisdiction,
		q.RuleType,
		q.RuleKey,
		q.OrganizationID,
		q.AsOf.UTC().Format(time.RFC3339Nano),
	}, "|")
}
