// Package config provides environment configuration for the realtime core.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// NATS settings (authority transport)
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// Offline queue
	QueueDir           string
	QueueDrainInterval time.Duration

	// Message pipeline
	EditWindow           time.Duration
	IdempotencyRetention time.Duration
	MaxContentLength     int
	SendRetryMax         int
	SendRetryBase        time.Duration

	// Presence and typing
	TypingTTL   time.Duration
	PresenceTTL time.Duration

	// Feed ranking
	Ranking RankingConfig

	// Notifications
	Notify NotifyConfig

	// HTTP rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// RankingConfig holds the feed scoring parameters. Mix shares must sum to
// 1.0; Normalize rescales them if they drift.
type RankingConfig struct {
	// Candidate mix shares
	FollowedShare  float64
	TrendingShare  float64
	InterestShare  float64
	DiscoveryShare float64

	// Score weights
	RecencyWeight    float64
	EngagementWeight float64
	AffinityWeight   float64
	InterestWeight   float64
	DiversityWeight  float64

	// Recency half-life; engagement comment/share multipliers
	RecencyHalfLife time.Duration
	CommentFactor   float64
	ShareFactor     float64

	// Max share of the ranked window any single author may hold
	MaxAuthorShare float64
}

// Normalize scales the mix shares so they sum to 1.0.
func (r *RankingConfig) Normalize() {
	sum := r.FollowedShare + r.TrendingShare + r.InterestShare + r.DiscoveryShare
	if sum <= 0 {
		r.FollowedShare, r.TrendingShare, r.InterestShare, r.DiscoveryShare = 0.40, 0.25, 0.20, 0.15
		return
	}
	r.FollowedShare /= sum
	r.TrendingShare /= sum
	r.InterestShare /= sum
	r.DiscoveryShare /= sum
}

// NotifyConfig holds notification targeting parameters.
type NotifyConfig struct {
	// DailyCaps maps frequency-cap category to events per day.
	DailyCaps map[string]int

	// DefaultDailyCap applies to categories not listed in DailyCaps.
	DefaultDailyCap int

	// Send window for non-urgent notifications, in the recipient's local
	// time.
	SendWindowStart int // hour, inclusive
	SendWindowEnd   int // hour, exclusive

	// Dispatch retry policy
	RetryMax  int
	RetryBase time.Duration

	// DedupRetention bounds how long recipient-side dedup keys are kept.
	DedupRetention time.Duration
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Offline queue
		QueueDir:           getEnv("QUEUE_DIR", "./data/queue"),
		QueueDrainInterval: getDurationEnv("QUEUE_DRAIN_INTERVAL", 2*time.Second),

		// Message pipeline
		EditWindow:           getDurationEnv("EDIT_WINDOW", 24*time.Hour),
		IdempotencyRetention: getDurationEnv("IDEMPOTENCY_RETENTION", 24*time.Hour),
		MaxContentLength:     getIntEnv("MAX_CONTENT_LENGTH", 10000),
		SendRetryMax:         getIntEnv("SEND_RETRY_MAX", 5),
		SendRetryBase:        getDurationEnv("SEND_RETRY_BASE", 500*time.Millisecond),

		// Presence
		TypingTTL:   getDurationEnv("TYPING_TTL", 3*time.Second),
		PresenceTTL: getDurationEnv("PRESENCE_TTL", 5*time.Minute),

		// Feed ranking
		Ranking: RankingConfig{
			FollowedShare:    getFloatEnv("FEED_FOLLOWED_SHARE", 0.40),
			TrendingShare:    getFloatEnv("FEED_TRENDING_SHARE", 0.25),
			InterestShare:    getFloatEnv("FEED_INTEREST_SHARE", 0.20),
			DiscoveryShare:   getFloatEnv("FEED_DISCOVERY_SHARE", 0.15),
			RecencyWeight:    getFloatEnv("FEED_RECENCY_WEIGHT", 0.30),
			EngagementWeight: getFloatEnv("FEED_ENGAGEMENT_WEIGHT", 0.25),
			AffinityWeight:   getFloatEnv("FEED_AFFINITY_WEIGHT", 0.25),
			InterestWeight:   getFloatEnv("FEED_INTEREST_WEIGHT", 0.20),
			DiversityWeight:  getFloatEnv("FEED_DIVERSITY_WEIGHT", 0.10),
			RecencyHalfLife:  getDurationEnv("FEED_RECENCY_HALF_LIFE", 24*time.Hour),
			CommentFactor:    getFloatEnv("FEED_COMMENT_FACTOR", 2.0),
			ShareFactor:      getFloatEnv("FEED_SHARE_FACTOR", 3.0),
			MaxAuthorShare:   getFloatEnv("FEED_MAX_AUTHOR_SHARE", 0.34),
		},

		// Notifications
		Notify: NotifyConfig{
			DailyCaps: map[string]int{
				"reaction": getIntEnv("NOTIFY_CAP_REACTION", 5),
				"social":   getIntEnv("NOTIFY_CAP_SOCIAL", 10),
				"message":  getIntEnv("NOTIFY_CAP_MESSAGE", 200),
				"mention":  getIntEnv("NOTIFY_CAP_MENTION", 50),
			},
			DefaultDailyCap: getIntEnv("NOTIFY_CAP_DEFAULT", 20),
			SendWindowStart: getIntEnv("NOTIFY_WINDOW_START", 9),
			SendWindowEnd:   getIntEnv("NOTIFY_WINDOW_END", 21),
			RetryMax:        getIntEnv("NOTIFY_RETRY_MAX", 3),
			RetryBase:       getDurationEnv("NOTIFY_RETRY_BASE", 250*time.Millisecond),
			DedupRetention:  getDurationEnv("NOTIFY_DEDUP_RETENTION", 24*time.Hour),
		},

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
