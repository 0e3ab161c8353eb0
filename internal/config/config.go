package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Store       StoreConfig
	JWT         JWTConfig
	Zitadel     ZitadelConfig
	Gateway     GatewayConfig
	RateLimit   RateLimitConfig
	Suno        SunoConfig
	Generation  GenerationConfig
	Admission   AdmissionConfig
	LyricsCache LyricsCacheConfig
	Notify      NotifyConfig
	R2          R2Config
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StoreConfig struct {
	Driver string // "redis" or "memory"
	TTL    time.Duration
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	DispatchPerMin int
}

type SunoConfig struct {
	APIKey          string
	BaseURL         string
	CallbackBaseURL string
	DefaultModel    string
	Timeout         time.Duration
}

type GenerationConfig struct {
	PollMode      string // "asynq" or "local"
	PollInterval  time.Duration
	LyricsTimeout time.Duration
	MusicTimeout  time.Duration
	// WorkerConcurrency bounds the poll loops one asynq worker runs at once.
	// Each loop can hold a slot for a full phase cap.
	WorkerConcurrency int
}

type AdmissionConfig struct {
	StandardLimit int
	ElevatedLimit int
}

type LyricsCacheConfig struct {
	MaxAge        time.Duration
	PruneInterval time.Duration
}

type NotifyConfig struct {
	MaxInFlight int64
	Timeout     time.Duration
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("SUNO_API_KEY")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("store.driver", "STORE_DRIVER")
	_ = v.BindEnv("store.ttl", "STORE_TTL")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("ratelimit.dispatch_per_min", "RATELIMIT_DISPATCH_PER_MIN")
	_ = v.BindEnv("suno.api_key", "SUNO_API_KEY")
	_ = v.BindEnv("suno.base_url", "SUNO_BASE_URL")
	_ = v.BindEnv("suno.callback_base_url", "SUNO_CALLBACK_BASE_URL")
	_ = v.BindEnv("suno.default_model", "SUNO_DEFAULT_MODEL")
	_ = v.BindEnv("suno.timeout", "SUNO_TIMEOUT")
	_ = v.BindEnv("generation.poll_mode", "GENERATION_POLL_MODE")
	_ = v.BindEnv("generation.poll_interval", "GENERATION_POLL_INTERVAL")
	_ = v.BindEnv("generation.lyrics_timeout", "GENERATION_LYRICS_TIMEOUT")
	_ = v.BindEnv("generation.music_timeout", "GENERATION_MUSIC_TIMEOUT")
	_ = v.BindEnv("generation.worker_concurrency", "GENERATION_WORKER_CONCURRENCY")
	_ = v.BindEnv("admission.standard_limit", "ADMISSION_STANDARD_LIMIT")
	_ = v.BindEnv("admission.elevated_limit", "ADMISSION_ELEVATED_LIMIT")
	_ = v.BindEnv("lyrics_cache.max_age", "LYRICS_CACHE_MAX_AGE")
	_ = v.BindEnv("lyrics_cache.prune_interval", "LYRICS_CACHE_PRUNE_INTERVAL")
	_ = v.BindEnv("notify.max_in_flight", "NOTIFY_MAX_IN_FLIGHT")
	_ = v.BindEnv("notify.timeout", "NOTIFY_TIMEOUT")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")

	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	return fromViper(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.ttl", 30*24*time.Hour)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.dispatch_per_min", 10)

	// Suno defaults
	v.SetDefault("suno.base_url", "https://api.sunoapi.org")
	v.SetDefault("suno.callback_base_url", "http://localhost:8000")
	v.SetDefault("suno.default_model", "V5")
	v.SetDefault("suno.timeout", 30*time.Second)

	// Generation defaults
	v.SetDefault("generation.poll_mode", "asynq")
	v.SetDefault("generation.poll_interval", 5*time.Second)
	v.SetDefault("generation.lyrics_timeout", 120*time.Second)
	v.SetDefault("generation.music_timeout", 120*time.Second)
	v.SetDefault("generation.worker_concurrency", 100)

	v.SetDefault("admission.standard_limit", 1)
	v.SetDefault("admission.elevated_limit", 5)

	v.SetDefault("lyrics_cache.max_age", 30*time.Minute)
	v.SetDefault("lyrics_cache.prune_interval", 5*time.Minute)

	v.SetDefault("notify.max_in_flight", 64)
	v.SetDefault("notify.timeout", 10*time.Second)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("store.driver")),
			TTL:    v.GetDuration("store.ttl"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			DispatchPerMin: v.GetInt("ratelimit.dispatch_per_min"),
		},
		Suno: SunoConfig{
			APIKey:          v.GetString("suno.api_key"),
			BaseURL:         strings.TrimRight(v.GetString("suno.base_url"), "/"),
			CallbackBaseURL: strings.TrimRight(v.GetString("suno.callback_base_url"), "/"),
			DefaultModel:    v.GetString("suno.default_model"),
			Timeout:         v.GetDuration("suno.timeout"),
		},
		Generation: GenerationConfig{
			PollMode:          strings.ToLower(v.GetString("generation.poll_mode")),
			PollInterval:      v.GetDuration("generation.poll_interval"),
			LyricsTimeout:     v.GetDuration("generation.lyrics_timeout"),
			MusicTimeout:      v.GetDuration("generation.music_timeout"),
			WorkerConcurrency: v.GetInt("generation.worker_concurrency"),
		},
		Admission: AdmissionConfig{
			StandardLimit: v.GetInt("admission.standard_limit"),
			ElevatedLimit: v.GetInt("admission.elevated_limit"),
		},
		LyricsCache: LyricsCacheConfig{
			MaxAge:        v.GetDuration("lyrics_cache.max_age"),
			PruneInterval: v.GetDuration("lyrics_cache.prune_interval"),
		},
		Notify: NotifyConfig{
			MaxInFlight: v.GetInt64("notify.max_in_flight"),
			Timeout:     v.GetDuration("notify.timeout"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
	}
}
