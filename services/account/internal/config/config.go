package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with CONFIG_PATH.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port              string `yaml:"port"`
	LogLevel          string `yaml:"logLevel"`
	StoreDriver       string `yaml:"storeDriver"`
	DatabaseURL       string `yaml:"databaseURL"`
	RedisAddr         string `yaml:"redisAddr"`
	RedisPassword     string `yaml:"redisPassword"`
	FirebaseProjectID string `yaml:"firebaseProjectID"`
	JWKSURL           string `yaml:"jwksURL"`
	JWTLeeway         string `yaml:"jwtLeeway"`

	SiteURL                 string `yaml:"siteURL"`
	StripeSecretKey         string `yaml:"stripeSecretKey"`
	StripeWebhookSecret     string `yaml:"stripeWebhookSecret"`
	StripeProPriceID        string `yaml:"stripeProPriceID"`
	StripeEnterprisePriceID string `yaml:"stripeEnterprisePriceID"`
	// TrustReturnFlag defaults to true when unset.
	TrustReturnFlag *bool `yaml:"trustReturnFlag"`

	QuotaFree       int `yaml:"quotaFree"`
	QuotaPro        int `yaml:"quotaPro"`
	QuotaEnterprise int `yaml:"quotaEnterprise"`

	UsageStream      string `yaml:"usageStream"`
	UsageGroup       string `yaml:"usageGroup"`
	UsageConcurrency int    `yaml:"usageConcurrency"`
	UsageMaxRetries  int    `yaml:"usageMaxRetries"`

	CheckoutRateLimitPerMinute int      `yaml:"checkoutRateLimitPerMinute"`
	CORSOrigins                []string `yaml:"corsOrigins"`
	TrustedProxyCIDRs          []string `yaml:"trustedProxyCidrs"`
}

// Load reads config from path (defaults to CONFIG_PATH, then config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("FIREBASE_PROJECT_ID"); v != "" {
		cfg.FirebaseProjectID = v
	}
	if v := os.Getenv("SITE_URL"); v != "" {
		cfg.SiteURL = v
	}
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		cfg.StripeSecretKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.StripeWebhookSecret = v
	}
	if v := os.Getenv("STRIPE_PRO_PRICE_ID"); v != "" {
		cfg.StripeProPriceID = v
	}
	if v := os.Getenv("STRIPE_ENTERPRISE_PRICE_ID"); v != "" {
		cfg.StripeEnterprisePriceID = v
	}
	if v := os.Getenv("BILLING_TRUST_RETURN_FLAG"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.TrustReturnFlag = &b
		}
	}
	if v := os.Getenv("ACCOUNT_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("ACCOUNT_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "postgres"
	}
	if cfg.TrustReturnFlag == nil {
		trust := true
		cfg.TrustReturnFlag = &trust
	}
	if cfg.UsageStream == "" {
		cfg.UsageStream = "farmsmart:usage"
	}
	if cfg.UsageGroup == "" {
		cfg.UsageGroup = "account-stats"
	}
	if cfg.UsageConcurrency <= 0 {
		cfg.UsageConcurrency = 2
	}
	if cfg.CheckoutRateLimitPerMinute <= 0 {
		cfg.CheckoutRateLimitPerMinute = 10
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storeDriver %q (postgres|memory)", cfg.StoreDriver)
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required (usage queue, rate limit, alerts)")
	}
	if strings.TrimSpace(cfg.FirebaseProjectID) == "" {
		return errors.New("config: firebaseProjectID is required (set in config.yaml or FIREBASE_PROJECT_ID)")
	}
	if strings.TrimSpace(cfg.SiteURL) == "" {
		return errors.New("config: siteURL is required (checkout return address)")
	}
	if cfg.StripeSecretKey != "" && cfg.StripeProPriceID == "" {
		return errors.New("config: stripeProPriceID is required when stripeSecretKey is set")
	}
	if cfg.QuotaFree < 0 || cfg.QuotaPro < 0 || cfg.QuotaEnterprise < 0 {
		return errors.New("config: quotas must be >= 0")
	}
	if _, err := ParseDuration(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: jwtLeeway: %w", err)
	}
	return nil
}

// ParseDuration parses an optional duration string; empty means zero.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
