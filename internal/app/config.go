package app

import (
	"errors"
	"fmt"
	"time"
)

var errWeakHMACSecret = errors.New("app: TERRARIUM_HMAC_ENABLED=true requires TERRARIUM_HMAC_SECRET of at least 32 bytes")

func errMissingSecret(key string) error {
	return fmt.Errorf("app: %s must be set", key)
}

// Config contains all runtime configuration loaded from environment
// variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// Shared secrets: one per actor class.
	AccessCode   string
	ServiceToken string

	// Optional HMAC hardening for worker requests.
	HMACEnabled bool
	HMACSecret  string
	HMACSkew    time.Duration

	// Conversation lifecycle.
	ChatTTL          time.Duration
	WorkerStaleAfter time.Duration

	// Audit log pipeline.
	LogEnabled  bool
	LogDir      string
	LogMaxBytes int64
	LogQueueCap int

	// Request shaping.
	MaxBodyBytes    int64
	MaxMessageChars int

	// Visitor write rate limits.
	RateWindow  time.Duration
	RateIPMax   int
	RateChatMax int

	// WebSocket behavior.
	WSAllowedOrigins []string
	WSSendQueue      int
	WSMaxBuffered    int64
	WSPingInterval   time.Duration
	WSPingTimeout    time.Duration
	WSWriteTimeout   time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("TERRARIUM_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("TERRARIUM_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("TERRARIUM_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TERRARIUM_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TERRARIUM_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TERRARIUM_HTTP_IDLE_TIMEOUT", 60*time.Second),

		AccessCode:   EnvString("TERRARIUM_ACCESS_CODE", ""),
		ServiceToken: EnvString("TERRARIUM_SERVICE_TOKEN", ""),

		HMACEnabled: EnvBool("TERRARIUM_HMAC_ENABLED", false),
		HMACSecret:  EnvString("TERRARIUM_HMAC_SECRET", ""),
		HMACSkew:    EnvDuration("TERRARIUM_HMAC_SKEW", 5*time.Minute),

		ChatTTL:          EnvDuration("TERRARIUM_CHAT_TTL", 6*time.Hour),
		WorkerStaleAfter: EnvDuration("TERRARIUM_WORKER_STALE_AFTER", 90*time.Second),

		LogEnabled:  EnvBool("TERRARIUM_LOG_ENABLED", true),
		LogDir:      EnvString("TERRARIUM_LOG_DIR", "chat-logs"),
		LogMaxBytes: EnvInt64("TERRARIUM_LOG_MAX_BYTES", 64<<20),
		LogQueueCap: EnvInt("TERRARIUM_LOG_QUEUE_CAP", 1024),

		MaxBodyBytes:    EnvInt64("TERRARIUM_MAX_BODY_BYTES", 64<<10),
		MaxMessageChars: EnvInt("TERRARIUM_MAX_MESSAGE_CHARS", 4000),

		RateWindow:  EnvDuration("TERRARIUM_RATE_WINDOW", time.Minute),
		RateIPMax:   EnvInt("TERRARIUM_RATE_IP_MAX", 60),
		RateChatMax: EnvInt("TERRARIUM_RATE_CHAT_MAX", 30),

		WSAllowedOrigins: EnvCSV("TERRARIUM_WS_ALLOWED_ORIGINS", "localhost,127.0.0.1"),
		WSSendQueue:      EnvInt("TERRARIUM_WS_SEND_QUEUE", 128),
		WSMaxBuffered:    EnvInt64("TERRARIUM_WS_MAX_BUFFERED_BYTES", 512<<10),
		WSPingInterval:   EnvDuration("TERRARIUM_WS_PING_INTERVAL", 25*time.Second),
		WSPingTimeout:    EnvDuration("TERRARIUM_WS_PING_TIMEOUT", 5*time.Second),
		WSWriteTimeout:   EnvDuration("TERRARIUM_WS_WRITE_TIMEOUT", 5*time.Second),
	}
}

// Validate enforces startup policy: the relay refuses to run without its
// two shared secrets, and refuses HMAC mode without a usable secret.
func (c Config) Validate() error {
	if c.AccessCode == "" {
		return errMissingSecret("TERRARIUM_ACCESS_CODE")
	}
	if c.ServiceToken == "" {
		return errMissingSecret("TERRARIUM_SERVICE_TOKEN")
	}
	if c.HMACEnabled && len(c.HMACSecret) < 32 {
		return errWeakHMACSecret
	}
	return nil
}
