package config

import (
	"maps"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Config struct {
	Host string
	Port int

	Debug string

	// APIKey, when set, is required on every channel handshake.
	APIKey string
	// AuthTokens maps bearer tokens to authenticated user ids.
	AuthTokens map[string]string

	NATSURL    string
	NATSPrefix string

	PolicyFile  string
	DefaultTier string
	// UserTiers seeds the static tier resolver.
	UserTiers map[string]string

	CompletionProvider string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIModel        string
	GeminiAPIKey       string
	GeminiBaseURL      string
	GeminiModel        string

	Limits Limits

	envDefaultTier string
	envTiers       map[string]string
}

// Limits holds every tunable of the arbitration pipeline.
type Limits struct {
	MaxCodeBytes     int
	MaxQuestionChars int
	MaxLanguageChars int

	DisplayMaxLines  int
	DisplayHeadLines int
	DisplayTailLines int

	AutoInterval     time.Duration
	ExplicitInterval time.Duration
	CallsPerMinute   int
	PermitsPerUser   int

	CacheTTL      time.Duration
	CacheCapacity int

	GatewayTimeout time.Duration

	IdleEvictAfter time.Duration
	SweepInterval  time.Duration
	HeapSoftLimit  int64

	// MaxConnections caps open HTTP and WebSocket connections; 0 is unlimited.
	MaxConnections int
}

func DefaultLimits() Limits {
	return Limits{
		MaxCodeBytes:     100 * 1024,
		MaxQuestionChars: 1000,
		MaxLanguageChars: 50,
		DisplayMaxLines:  500,
		DisplayHeadLines: 350,
		DisplayTailLines: 150,
		AutoInterval:     8 * time.Second,
		ExplicitInterval: 5 * time.Second,
		CallsPerMinute:   60,
		PermitsPerUser:   3,
		CacheTTL:         15 * time.Minute,
		CacheCapacity:    10_000,
		GatewayTimeout:   10 * time.Second,
		IdleEvictAfter:   time.Hour,
		SweepInterval:    time.Minute,
		HeapSoftLimit:    512 << 20,
		MaxConnections:   10_000,
	}
}

var (
	cfg  *Config
	once sync.Once
)

func Load() *Config {
	once.Do(func() {
		loadDotEnv()

		def := DefaultLimits()
		cfg = &Config{
			Host:               getEnv("HOST", "0.0.0.0"),
			Port:               getEnvInt("PORT", 8080),
			Debug:              getEnv("DEBUG", "off"),
			APIKey:             getEnv("API_KEY", ""),
			AuthTokens:         getEnvPairs("AUTH_TOKENS"),
			NATSURL:            getEnv("NATS_URL", ""),
			NATSPrefix:         getEnv("NATS_PREFIX", "tutor"),
			PolicyFile:         getEnv("POLICY_FILE", ""),
			DefaultTier:        getEnv("DEFAULT_TIER", "none"),
			UserTiers:          getEnvPairs("USER_TIERS"),
			CompletionProvider: getEnv("COMPLETION_PROVIDER", "static"),
			OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
			OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			GeminiAPIKey:       getEnv("GEMINI_API_KEY", ""),
			GeminiBaseURL:      getEnv("GEMINI_BASE_URL", ""),
			GeminiModel:        getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			Limits: Limits{
				MaxCodeBytes:     getEnvInt("MAX_CODE_BYTES", def.MaxCodeBytes),
				MaxQuestionChars: getEnvInt("MAX_QUESTION_CHARS", def.MaxQuestionChars),
				MaxLanguageChars: getEnvInt("MAX_LANGUAGE_CHARS", def.MaxLanguageChars),
				DisplayMaxLines:  getEnvInt("DISPLAY_MAX_LINES", def.DisplayMaxLines),
				DisplayHeadLines: getEnvInt("DISPLAY_HEAD_LINES", def.DisplayHeadLines),
				DisplayTailLines: getEnvInt("DISPLAY_TAIL_LINES", def.DisplayTailLines),
				AutoInterval:     getEnvDuration("AUTO_INTERVAL", def.AutoInterval),
				ExplicitInterval: getEnvDuration("EXPLICIT_INTERVAL", def.ExplicitInterval),
				CallsPerMinute:   getEnvInt("CALLS_PER_MINUTE", def.CallsPerMinute),
				PermitsPerUser:   getEnvInt("PERMITS_PER_USER", def.PermitsPerUser),
				CacheTTL:         getEnvDuration("CACHE_TTL", def.CacheTTL),
				CacheCapacity:    getEnvInt("CACHE_CAPACITY", def.CacheCapacity),
				GatewayTimeout:   getEnvDuration("GATEWAY_TIMEOUT", def.GatewayTimeout),
				IdleEvictAfter:   getEnvDuration("IDLE_EVICT_AFTER", def.IdleEvictAfter),
				SweepInterval:    getEnvDuration("SWEEP_INTERVAL", def.SweepInterval),
				HeapSoftLimit:    int64(getEnvInt("HEAP_SOFT_LIMIT_MB", int(def.HeapSoftLimit>>20))) << 20,
				MaxConnections:   getEnvInt("MAX_CONNECTIONS", def.MaxConnections),
			},
		}

		cfg.envDefaultTier = cfg.DefaultTier
		cfg.envTiers = maps.Clone(cfg.UserTiers)

		if cfg.PolicyFile != "" {
			if err := cfg.ApplyPolicyFile(cfg.PolicyFile); err != nil {
				policyErr = err
			}
		}
	})

	return cfg
}

var policyErr error

// PolicyError returns the error encountered while applying POLICY_FILE, if any.
func PolicyError() error {
	Load()
	return policyErr
}

func Get() *Config {
	if cfg == nil {
		return Load()
	}
	return cfg
}

func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("8s") or plain seconds ("8").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if i, err := strconv.Atoi(value); err == nil && i > 0 {
		return time.Duration(i) * time.Second
	}
	return defaultValue
}

// getEnvPairs parses "a:b,c:d" into a map.
func getEnvPairs(key string) map[string]string {
	out := make(map[string]string)
	value := os.Getenv(key)
	if value == "" {
		return out
	}
	for _, p := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), ":")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
