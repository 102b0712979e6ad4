package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/quantfold/riskcore/internal/domain"
)

// balanceKey is where the account service publishes the available margin.
const balanceKey = "balance:available_margin"

// BalanceCache implements domain.BalanceSource against the balance the
// external account service maintains in Redis. The value is a decimal string.
type BalanceCache struct {
	rdb *redis.Client
}

// NewBalanceCache creates a BalanceCache backed by the given Client.
func NewBalanceCache(c *Client) *BalanceCache {
	return &BalanceCache{rdb: c.Underlying()}
}

// AvailableMargin returns the current available margin. It returns
// domain.ErrNotFound when the account service has not published a balance
// yet.
func (bc *BalanceCache) AvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	val, err := bc.rdb.Get(ctx, balanceKey).Result()
	if err != nil {
		if err == redis.Nil {
			return decimal.Decimal{}, domain.ErrNotFound
		}
		return decimal.Decimal{}, fmt.Errorf("redis: get available margin: %w", err)
	}

	margin, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("redis: parse available margin: %w", err)
	}
	return margin, nil
}

// SetAvailableMargin overwrites the published balance. Used by tooling and
// tests; in production the account service owns this key.
func (bc *BalanceCache) SetAvailableMargin(ctx context.Context, margin decimal.Decimal) error {
	if err := bc.rdb.Set(ctx, balanceKey, margin.String(), 0).Err(); err != nil {
		return fmt.Errorf("redis: set available margin: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BalanceSource = (*BalanceCache)(nil)
