package config

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-envconfig"

	"sitecrew/pkg/s3"
)

// Config holds runtime configuration for the sitecrew API service.
type Config struct {
	Addr           string        `env:"ADDR,default=:8080"`
	DBDSN          string        `env:"DB_DSN"`
	NATSURL        string        `env:"NATS_URL"`
	JWTSigningKey  string        `env:"JWT_SIGNING_KEY,required"`
	JWTIssuer      string        `env:"JWT_ISSUER,default=sitecrew"`
	OTLPEndpoint   string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogFormat      string        `env:"LOG_FORMAT,default=console"`
	LogLevel       string        `env:"LOG_LEVEL,default=info"`
	AllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:8081"`
	RateLimit      int           `env:"RATE_LIMIT_PER_MINUTE,default=300"`
	PollInterval   time.Duration `env:"DOCSTORE_POLL_INTERVAL,default=2s"`
	PhotoURLTTL    time.Duration `env:"PHOTO_URL_TTL,default=15m"`
	S3             s3.Config
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if len(cfg.JWTSigningKey) < 32 {
		return Config{}, errors.New("JWT_SIGNING_KEY must be at least 32 bytes")
	}
	return cfg, nil
}
