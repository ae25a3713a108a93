package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	AWS       AWSConfig
	Zego      ZegoConfig
	WebRTC    WebRTCConfig
	Inference InferenceConfig
	Verify    VerifyConfig
	Agent     AgentConfig
	Worker    WorkerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/callguard?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT validation settings. Tokens are issued by the auth service.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the verification archive bucket.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ArchiveBucket   string
}

// ZegoConfig holds the call provider credentials used to mint join tokens.
type ZegoConfig struct {
	AppID        uint32
	ServerSecret string
	TokenTTL     time.Duration
}

// WebRTCConfig holds STUN/TURN ICE server URLs for the agent's call transport.
type WebRTCConfig struct {
	ICEUrls []string
}

// InferenceConfig points the relay at the external scoring service.
type InferenceConfig struct {
	URL     string // empty disables scoring
	Timeout time.Duration
	MaxRPS  float64 // per-connection scoring rate; 0 = unlimited
}

// WorkerConfig holds archive worker settings.
type WorkerConfig struct {
	RequeueCron string // cron spec for moving dead-lettered jobs back; empty disables
}

// VerifyConfig holds the verification protocol cadences and capture format.
type VerifyConfig struct {
	FrameInterval     time.Duration // subject capture cadence
	HeartbeatInterval time.Duration // reviewer keepalive cadence
	ResolveInterval   time.Duration // reviewer subject-id polling cadence
	CaptureWidth      int
	CaptureHeight     int
	CaptureQuality    int // JPEG quality 1..100
	PersistTimeout    time.Duration
	SendBuffer        int
}

// AgentConfig holds participant-side settings for cmd/agent.
type AgentConfig struct {
	APIBaseURL  string
	AccessToken string
	MeetingCode string
	SurfacePath string // still image rewritten by the camera process; empty = none
	MJPEGStdin  bool   // read a concatenated-JPEG camera stream from stdin
	SignalURL   string // WHEP-style SDP endpoint of the call provider; empty = no media session
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "callguard"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:   getEnv("AWS_S3_ARCHIVE_BUCKET", "callguard-verification-archive"),
		},
		Zego: ZegoConfig{
			AppID:        uint32(getEnvInt("ZEGO_APP_ID", 0)),
			ServerSecret: getEnv("ZEGO_SERVER_SECRET", ""),
			TokenTTL:     getEnvDuration("ZEGO_TOKEN_TTL", 24*time.Hour),
		},
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		Inference: InferenceConfig{
			URL:     getEnv("INFERENCE_URL", ""),
			Timeout: getEnvDuration("INFERENCE_TIMEOUT", 10*time.Second),
			MaxRPS:  getEnvFloat("INFERENCE_MAX_RPS", 4),
		},
		Verify: VerifyConfig{
			FrameInterval:     getEnvDuration("VERIFY_FRAME_INTERVAL", 500*time.Millisecond),
			HeartbeatInterval: getEnvDuration("VERIFY_HEARTBEAT_INTERVAL", 2*time.Second),
			ResolveInterval:   getEnvDuration("VERIFY_RESOLVE_INTERVAL", 3*time.Second),
			CaptureWidth:      getEnvInt("VERIFY_CAPTURE_WIDTH", 640),
			CaptureHeight:     getEnvInt("VERIFY_CAPTURE_HEIGHT", 480),
			CaptureQuality:    getEnvInt("VERIFY_CAPTURE_QUALITY", 50),
			PersistTimeout:    getEnvDuration("VERIFY_PERSIST_TIMEOUT", 5*time.Second),
			SendBuffer:        getEnvInt("VERIFY_SEND_BUFFER", 16),
		},
		Agent: AgentConfig{
			APIBaseURL:  getEnv("AGENT_API_BASE_URL", "http://localhost:8080"),
			AccessToken: getEnv("AGENT_ACCESS_TOKEN", ""),
			MeetingCode: getEnv("AGENT_MEETING_CODE", ""),
			SurfacePath: getEnv("AGENT_SURFACE_PATH", ""),
			MJPEGStdin:  getEnvBool("AGENT_MJPEG_STDIN", false),
			SignalURL:   getEnv("AGENT_SIGNAL_URL", ""),
		},
		Worker: WorkerConfig{
			RequeueCron: getEnv("ARCHIVE_DLQ_REQUEUE_CRON", "@hourly"),
		},
	}
	if cfg.Verify.FrameInterval <= 0 || cfg.Verify.HeartbeatInterval <= 0 || cfg.Verify.ResolveInterval <= 0 {
		return nil, fmt.Errorf("verify intervals must be positive")
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
