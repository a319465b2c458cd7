package app

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/jun/gdrive-notifier/internal/kv"
	"github.com/jun/gdrive-notifier/internal/kv/dynamo"
	"github.com/jun/gdrive-notifier/internal/kv/memory"
	"github.com/jun/gdrive-notifier/internal/secret"
)

const (
	defaultAPIKeyParam      = "/gdrive-notifier/api-key"
	defaultAccessTokenParam = "/gdrive-notifier/whatsapp-access-token"
	defaultSecretBackend    = "ssm"
	secretBackendSecretsMgr = "secretsmanager"
)

// Config is the webhook handler's runtime configuration.
type Config struct {
	APIKey            string
	DefaultRecipients string
	TestPhone         string
	AdminPhone        string

	WhatsAppAPIURL        string
	WhatsAppPhoneNumberID string
	WhatsAppAccessToken   string

	KVTable          string
	Location         *time.Location
	RateLimitEnabled bool
	RateLimit        int
	DevMode          bool
}

// ConfigFromEnv reads the plain (non-secret) settings.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		DefaultRecipients:     os.Getenv("DEFAULT_RECIPIENTS"),
		TestPhone:             os.Getenv("TEST_PHONE_NUMBER"),
		AdminPhone:            os.Getenv("ADMIN_PHONE"),
		WhatsAppAPIURL:        os.Getenv("WHATSAPP_API_URL"),
		WhatsAppPhoneNumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		KVTable:               os.Getenv("KV_TABLE"),
		RateLimitEnabled:      os.Getenv("RATE_LIMIT_ENABLED") == "true",
		DevMode:               os.Getenv("DEV_MODE") == "true",
		Location:              time.UTC,
	}

	if tz := os.Getenv("TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return cfg, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
		}
		cfg.Location = loc
	}

	if v := os.Getenv("RATE_LIMIT_PER_HOUR"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid RATE_LIMIT_PER_HOUR %q", v)
		}
		cfg.RateLimit = n
	}
	return cfg, nil
}

// NewResolver picks the secret backend: environment variables in DEV_MODE,
// otherwise SSM Parameter Store or Secrets Manager per SECRET_BACKEND.
func NewResolver(awsCfg aws.Config, devMode bool) secret.Resolver {
	if devMode {
		log.Info().Msg("Using EnvResolver (DEV_MODE=true)")
		return secret.NewEnvResolver()
	}

	backend := os.Getenv("SECRET_BACKEND")
	if backend == "" {
		backend = defaultSecretBackend
	}
	if backend == secretBackendSecretsMgr {
		log.Info().Msg("Using SecretsManagerResolver")
		return secret.NewSecretsManagerResolver(secretsmanager.NewFromConfig(awsCfg))
	}
	log.Info().Msg("Using SSMResolver (SSM Parameter Store)")
	return secret.NewSSMResolver(ssm.NewFromConfig(awsCfg))
}

// ResolveSecrets fills APIKey and WhatsAppAccessToken. A missing secret is
// logged and left empty: an empty API key rejects every webhook.
func ResolveSecrets(ctx context.Context, cfg *Config, resolver secret.Resolver) {
	apiKeyParam := envOr("API_KEY_PARAM", defaultAPIKeyParam)
	apiKey, err := resolver.GetSecret(ctx, apiKeyParam)
	if err != nil {
		log.Warn().Err(err).Str("param", apiKeyParam).Msg("Failed to resolve API_KEY")
	}
	cfg.APIKey = apiKey

	tokenParam := envOr("WHATSAPP_ACCESS_TOKEN_PARAM", defaultAccessTokenParam)
	token, err := resolver.GetSecret(ctx, tokenParam)
	if err != nil {
		log.Warn().Err(err).Str("param", tokenParam).Msg("Failed to resolve WHATSAPP_ACCESS_TOKEN")
	}
	cfg.WhatsAppAccessToken = token
}

// NewStore returns the in-memory store in DEV_MODE without KV_TABLE and the
// DynamoDB store otherwise.
func NewStore(awsCfg aws.Config, cfg Config) kv.Store {
	if cfg.DevMode && cfg.KVTable == "" {
		log.Info().Msg("Using in-memory KV store (DEV_MODE=true)")
		return memory.NewStore()
	}
	table := cfg.KVTable
	if table == "" {
		table = dynamo.DefaultTable
	}
	log.Info().Str("table", table).Msg("Using DynamoDB KV store")
	return dynamo.NewStore(dynamodb.NewFromConfig(awsCfg), table)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
