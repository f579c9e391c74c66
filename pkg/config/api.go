package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	TokenTTL           time.Duration
	WatchAdIncrement   decimal.Decimal
	MinWithdraw        decimal.Decimal
	KiwiwallSecret     string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":3000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://cagnotte:cagnotte@db:5432/cagnotte?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		TokenTTL:           time.Duration(GetInt("TOKEN_TTL_DAYS", 30)) * 24 * time.Hour,
		WatchAdIncrement:   GetDecimal("WATCH_AD_INCREMENT", "0.01"),
		MinWithdraw:        GetDecimal("MIN_WITHDRAW_AMOUNT", "1.50"),
		KiwiwallSecret:     GetString("KIWIWALL_SECRET", ""),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
