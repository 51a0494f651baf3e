// Package config loads server configuration from the environment.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	prefix      = "RUNBOX_"
	imagePrefix = prefix + "IMAGE_"
)

// Config holds all configuration for the runbox server.
type Config struct {
	Port        int
	LogLevel    string
	APIKey      string // if set, every request must carry X-API-Key
	MetricsAddr string // optional standalone /metrics listener

	// Sandbox substrate
	Backend          string // "podman" or "docker"
	PodmanPath       string
	ScratchDir       string // per-job workspaces are created here
	OutputLimitBytes int
	Images           map[string]string // language id -> image override

	// Execution policy
	PoolSize         int
	QueueSize        int
	MaxCodeBytes     int
	MaxTimeout       time.Duration
	MaxMemoryMB      int
	MaxCPUShare      float64
	PidsLimit        int
	CancelGrace      time.Duration
	StartRetries     int
	JobRetention     time.Duration
	PullImagesOnBoot bool

	// Projects
	MaxProjectFiles int
	MaxFileBytes    int

	// Local state
	DataDir string // SQLite job log

	// Optional infrastructure
	DatabaseURL string // PostgreSQL project store and job history
	NATSURL     string // job event stream
	RedisURL    string // instance heartbeat
	InstanceID  string
	HTTPAddr    string // address advertised in heartbeats

	// S3-compatible object storage for project archives
	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool

	// AWS Secrets Manager: if set, secrets are fetched at startup. The secret
	// is a JSON object keyed by env var name; env vars take precedence.
	SecretsARN string
}

// Load reads configuration from a .env file (if present), AWS Secrets
// Manager (if RUNBOX_SECRETS_ARN is set) and environment variables, in
// increasing order of precedence.
func Load() (*Config, error) {
	if err := loadDotEnv(envOrDefault(prefix+"ENV_FILE", ".env")); err != nil {
		return nil, err
	}
	if arn := os.Getenv(prefix + "SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "runbox-local"
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: envOrDefault(prefix+"LOG_LEVEL", "info"),
		APIKey:   os.Getenv(prefix + "API_KEY"),

		MetricsAddr: os.Getenv(prefix + "METRICS_ADDR"),

		Backend:          strings.ToLower(envOrDefault(prefix+"BACKEND", "podman")),
		PodmanPath:       os.Getenv(prefix + "PODMAN_PATH"),
		ScratchDir:       envOrDefault(prefix+"SCRATCH_DIR", os.TempDir()),
		OutputLimitBytes: envOrDefaultInt(prefix+"OUTPUT_LIMIT_BYTES", 64*1024),
		Images:           imageOverrides(os.Environ()),

		PoolSize:         envOrDefaultInt(prefix+"POOL_SIZE", 4),
		QueueSize:        envOrDefaultInt(prefix+"QUEUE_SIZE", 256),
		MaxCodeBytes:     envOrDefaultInt(prefix+"MAX_CODE_BYTES", 100*1024),
		MaxTimeout:       time.Duration(envOrDefaultInt(prefix+"MAX_TIMEOUT_MS", 30000)) * time.Millisecond,
		MaxMemoryMB:      envOrDefaultInt(prefix+"MAX_MEMORY_MB", 512),
		MaxCPUShare:      envOrDefaultFloat(prefix+"MAX_CPU_SHARE", 1),
		PidsLimit:        envOrDefaultInt(prefix+"PIDS_LIMIT", 64),
		CancelGrace:      time.Duration(envOrDefaultInt(prefix+"CANCEL_GRACE_MS", 2000)) * time.Millisecond,
		StartRetries:     envOrDefaultInt(prefix+"START_RETRIES", 2),
		JobRetention:     time.Duration(envOrDefaultInt(prefix+"JOB_RETENTION_SEC", 3600)) * time.Second,
		PullImagesOnBoot: os.Getenv(prefix+"PULL_IMAGES") == "true",

		MaxProjectFiles: envOrDefaultInt(prefix+"MAX_PROJECT_FILES", 200),
		MaxFileBytes:    envOrDefaultInt(prefix+"MAX_FILE_BYTES", 1024*1024),

		DataDir: envOrDefault(prefix+"DATA_DIR", "/var/lib/runbox"),

		DatabaseURL: envOrDefault(prefix+"DATABASE_URL", os.Getenv("DATABASE_URL")),
		NATSURL:     os.Getenv(prefix + "NATS_URL"),
		RedisURL:    os.Getenv(prefix + "REDIS_URL"),
		InstanceID:  envOrDefault(prefix+"INSTANCE_ID", hostname),
		HTTPAddr:    envOrDefault(prefix+"HTTP_ADDR", "http://localhost:8080"),

		S3Endpoint:        os.Getenv(prefix + "S3_ENDPOINT"),
		S3Bucket:          os.Getenv(prefix + "S3_BUCKET"),
		S3Region:          envOrDefault(prefix+"S3_REGION", "us-east-1"),
		S3AccessKeyID:     os.Getenv(prefix + "S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv(prefix + "S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  os.Getenv(prefix+"S3_FORCE_PATH_STYLE") == "true",

		SecretsARN: os.Getenv(prefix + "SECRETS_ARN"),
	}

	if portStr := os.Getenv(prefix + "PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid %sPORT %q: %w", prefix, portStr, err)
		}
		cfg.Port = port
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case "podman", "docker":
	default:
		return fmt.Errorf("invalid %sBACKEND %q: want podman or docker", prefix, c.Backend)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("invalid %sPOOL_SIZE %d: must be at least 1", prefix, c.PoolSize)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("invalid %sQUEUE_SIZE %d: must be at least 1", prefix, c.QueueSize)
	}
	if c.MaxTimeout <= 0 || c.MaxMemoryMB <= 0 || c.MaxCPUShare <= 0 {
		return fmt.Errorf("execution limits must be positive")
	}
	if c.StartRetries < 0 {
		return fmt.Errorf("invalid %sSTART_RETRIES %d", prefix, c.StartRetries)
	}
	return nil
}

// ArchivesEnabled reports whether project export/import has a bucket.
func (c *Config) ArchivesEnabled() bool { return c.S3Bucket != "" }

// imageOverrides collects RUNBOX_IMAGE_<LANG>=<image> pairs.
func imageOverrides(environ []string) map[string]string {
	images := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, imagePrefix) || value == "" {
			continue
		}
		images[strings.ToLower(strings.TrimPrefix(key, imagePrefix))] = value
	}
	return images
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain.
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}
	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Info().Int("applied", applied).Int("keys", len(secrets)).Msg("loaded secrets from Secrets Manager")
	return nil
}
