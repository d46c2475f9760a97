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
	Port              string   `yaml:"port"`
	LogLevel          string   `yaml:"logLevel"`
	StoreDriver       string   `yaml:"storeDriver"`
	DatabaseURL       string   `yaml:"databaseURL"`
	RedisAddr         string   `yaml:"redisAddr"`
	RedisPassword     string   `yaml:"redisPassword"`
	FirebaseProjectID string   `yaml:"firebaseProjectID"`
	JWKSURL           string   `yaml:"jwksURL"`
	JWTLeeway         string   `yaml:"jwtLeeway"`
	AgentBaseURL      string   `yaml:"agentBaseURL"`
	AgentEndpoint     string   `yaml:"agentEndpoint"`
	AgentTimeout      string   `yaml:"agentTimeout"`
	AgentCatalogTTL   string   `yaml:"agentCatalogTTL"`
	UploadPolicy      string   `yaml:"uploadPolicy"`
	MaxUploadBytes    int64    `yaml:"maxUploadBytes"`
	StorageDriver     string   `yaml:"storageDriver"`
	LocalStorageDir   string   `yaml:"localStorageDir"`
	MinioEndpoint     string   `yaml:"minioEndpoint"`
	MinioAccessKey    string   `yaml:"minioAccessKey"`
	MinioSecretKey    string   `yaml:"minioSecretKey"`
	MinioBucket       string   `yaml:"minioBucket"`
	MinioUseSSL       bool     `yaml:"minioUseSSL"`
	PublicBaseURL     string   `yaml:"publicBaseURL"`
	TurnsPerMinute    int      `yaml:"turnsPerMinute"`
	TurnLockTTL       string   `yaml:"turnLockTTL"`
	UsageStream       string   `yaml:"usageStream"`
	CORSOrigins       []string `yaml:"corsOrigins"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`
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
	if v := os.Getenv("AGENT_BASE_URL"); v != "" {
		cfg.AgentBaseURL = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("CHAT_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("CHAT_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("CHAT_TRUSTED_PROXY_CIDRS"); v != "" {
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
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = "minio"
	}
	if cfg.UploadPolicy == "" {
		cfg.UploadPolicy = "document"
	}
	if cfg.UsageStream == "" {
		cfg.UsageStream = "farmsmart:usage"
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
		return errors.New("config: redisAddr is required (turn lock, rate limit, usage queue)")
	}
	if strings.TrimSpace(cfg.FirebaseProjectID) == "" {
		return errors.New("config: firebaseProjectID is required (set in config.yaml or FIREBASE_PROJECT_ID)")
	}
	if strings.TrimSpace(cfg.AgentBaseURL) == "" {
		return errors.New("config: agentBaseURL is required (set in config.yaml or AGENT_BASE_URL)")
	}
	switch cfg.StorageDriver {
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for storageDriver minio")
		}
	case "local":
		if cfg.LocalStorageDir == "" {
			return errors.New("config: localStorageDir is required for storageDriver local")
		}
	default:
		return fmt.Errorf("config: unknown storageDriver %q (minio|local)", cfg.StorageDriver)
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	for name, raw := range map[string]string{
		"jwtLeeway":       cfg.JWTLeeway,
		"agentTimeout":    cfg.AgentTimeout,
		"agentCatalogTTL": cfg.AgentCatalogTTL,
		"turnLockTTL":     cfg.TurnLockTTL,
	} {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

// ParseDuration parses an optional duration string. Empty means zero,
// letting constructors fall back to their defaults.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
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
