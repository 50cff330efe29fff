package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	AuthSigningKey      string        `mapstructure:"AUTH_SIGNING_KEY"`
	RoomTokenTTL        time.Duration `mapstructure:"ROOM_TOKEN_TTL"`
	MediaTimeout        time.Duration `mapstructure:"MEDIA_TIMEOUT"`
	SignalingTimeout    time.Duration `mapstructure:"SIGNALING_TIMEOUT"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
	AllowDirectComplete bool          `mapstructure:"ALLOW_DIRECT_COMPLETE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ROOM_TOKEN_TTL", "5m")
	v.SetDefault("MEDIA_TIMEOUT", "10s")
	v.SetDefault("SIGNALING_TIMEOUT", "15s")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("ALLOW_DIRECT_COMPLETE", false)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("ROOM_TOKEN_TTL")
	v.BindEnv("MEDIA_TIMEOUT")
	v.BindEnv("SIGNALING_TIMEOUT")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("ALLOW_DIRECT_COMPLETE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		if cfg.AuthSigningKey == "" {
			log.Println("WARNING: No AUTH_SIGNING_KEY set; debug-header identities are accepted.")
		}
		log.Println("WARNING: Set ENV=production and configure AUTH_SIGNING_KEY for production.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// the JWT signing key must be set so verified identities are enforced, and
// the bounded timeouts for media acquisition and signaling must be positive
// so a hung transport cannot stall a join forever.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q; refusing to start without authentication", c.Env)
	}
	if c.RoomTokenTTL <= 0 {
		return fmt.Errorf("ROOM_TOKEN_TTL must be positive, got %s", c.RoomTokenTTL)
	}
	if c.MediaTimeout <= 0 {
		return fmt.Errorf("MEDIA_TIMEOUT must be positive, got %s", c.MediaTimeout)
	}
	if c.SignalingTimeout <= 0 {
		return fmt.Errorf("SIGNALING_TIMEOUT must be positive, got %s", c.SignalingTimeout)
	}
	return nil
}
