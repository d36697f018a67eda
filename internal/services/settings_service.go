package services

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Setting keys consumed by the core.
const (
	SettingSupplierDiscount    = "supplierDiscount"
	SettingSupplierPublication = "supplierPublication"
)

// SettingsService is the numeric-settings lookup with an explicit
// populate-on-miss TTL cache in Redis. When Redis is unavailable every read
// falls through to the database.
type SettingsService struct {
	db    *sql.DB
	redis *redis.Client
	ttl   time.Duration
}

func NewSettingsService(db *sql.DB, redisClient *redis.Client) *SettingsService {
	viper.SetDefault("settings.cache_ttl", 5*time.Minute)
	return &SettingsService{
		db:    db,
		redis: redisClient,
		ttl:   viper.GetDuration("settings.cache_ttl"),
	}
}

// GetNumber returns the numeric setting for key. The second return reports
// whether the key exists.
func (s *SettingsService) GetNumber(ctx context.Context, key string) (decimal.Decimal, bool, error) {
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, cacheKey(key)).Result(); err == nil {
			if value, err := decimal.NewFromString(cached); err == nil {
				return value, true, nil
			}
		}
	}

	var raw string
	err := s.db.QueryRow(`SELECT value::text FROM settings WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}

	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, err
	}

	if s.redis != nil {
		if err := s.redis.Set(ctx, cacheKey(key), value.String(), s.ttl).Err(); err != nil {
			log.Printf("[SETTINGS] Failed to cache %s: %v", key, err)
		}
	}

	return value, true, nil
}

// FeeFraction returns the setting as a fee fraction. Stored values above 1
// are percentages and get divided by 100; a missing key or a negative value
// means no fee.
func (s *SettingsService) FeeFraction(ctx context.Context, key string) (decimal.Decimal, error) {
	value, ok, err := s.GetNumber(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok || value.IsNegative() {
		return decimal.Zero, nil
	}
	if value.GreaterThan(one) {
		return value.DivRound(decimal.NewFromInt(100), prorationScale), nil
	}
	return value, nil
}

func cacheKey(key string) string {
	return "settings:" + key
}
