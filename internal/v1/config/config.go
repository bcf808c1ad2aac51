package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ICEServer is a single STUN/TURN entry handed to clients in
// sfu.transportCreated and used to seed the media engine's ICE config.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ListenIP is one entry of SFU_LISTEN_IPS: the local interface the media
// engine binds to, plus the address announced in ICE candidates.
type ListenIP struct {
	IP          string `json:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty"`
}

// RoomDefaults are the Config-sourced defaults a Room is stamped with on
// creation (spec.md §3, Room.options).
type RoomDefaults struct {
	MaxVideoProducers int
	AllowObservers    bool
	MaxObservers      int
}

// Config holds validated environment configuration.
type Config struct {
	// JWTSecret is required; Port falls back to 8080 when PORT is unset
	JWTSecret string
	Port      string

	// Optional variables with defaults
	AdminPort string
	GoEnv     string
	LogLevel  string

	// Auth
	EnableAuth      bool
	Auth0Domain     string
	Auth0Audience   string
	DevelopmentMode bool
	AllowedOrigins  string

	// Redis / bus
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Media engine transport config
	ICEServers   []ICEServer
	TURNHost     string
	TURNPort     string
	TURNUsername string
	TURNPassword string
	PublicIP     string
	SFUListenIPs []ListenIP
	SFUBindIP    string

	// Room policy defaults
	RoomDefaults RoomDefaults

	// Recording
	RecorderAPIURL  string
	AutoRecordVideo bool
	RecorderRTPHost string
	RecorderRTPPort int

	// Rate limits
	RateLimitAPIGlobal   string
	RateLimitAPIPublic   string
	RateLimitAPIRooms    string
	RateLimitAPIMessages string
	RateLimitWsIP        string
	RateLimitWsUser      string
}

// ValidateEnv validates all environment variables and returns a Config.
// Errors accumulate rather than short-circuit, so an operator sees every
// problem in one pass instead of fixing them one at a time.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.AdminPort = getEnvOrDefault("ADMIN_PORT", "8081")
	if port, err := strconv.Atoi(cfg.AdminPort); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("ADMIN_PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.AdminPort))
	}

	cfg.EnableAuth = os.Getenv("ENABLE_AUTH") == "1"
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	if cfg.EnableAuth && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
		errs = append(errs, "AUTH0_DOMAIN and AUTH0_AUDIENCE are required when ENABLE_AUTH=1")
	}
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	if raw := os.Getenv("ICE_SERVERS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.ICEServers); err != nil {
			errs = append(errs, fmt.Sprintf("ICE_SERVERS must be valid JSON: %v", err))
		}
	}

	cfg.TURNHost = os.Getenv("TURN_HOST")
	cfg.TURNPort = os.Getenv("TURN_PORT")
	cfg.TURNUsername = os.Getenv("TURN_USERNAME")
	cfg.TURNPassword = os.Getenv("TURN_PASSWORD")
	if cfg.TURNHost != "" {
		cfg.ICEServers = append(cfg.ICEServers, ICEServer{
			URLs:       []string{fmt.Sprintf("turn:%s:%s", cfg.TURNHost, defaultStr(cfg.TURNPort, "3478"))},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNPassword,
		})
	}

	cfg.PublicIP = os.Getenv("PUBLIC_IP")
	cfg.SFUBindIP = getEnvOrDefault("SFU_BIND_IP", "0.0.0.0")

	if raw := os.Getenv("SFU_LISTEN_IPS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.SFUListenIPs); err != nil {
			errs = append(errs, fmt.Sprintf("SFU_LISTEN_IPS must be valid JSON: %v", err))
		}
	}
	if len(cfg.SFUListenIPs) == 0 {
		cfg.SFUListenIPs = []ListenIP{{IP: cfg.SFUBindIP, AnnouncedIP: cfg.PublicIP}}
	}

	cfg.RoomDefaults.MaxVideoProducers = getEnvInt("MAX_VIDEO_PER_ROOM", 0)
	cfg.RoomDefaults.AllowObservers = getEnvOrDefault("ALLOW_OBSERVERS", "true") != "false"
	cfg.RoomDefaults.MaxObservers = getEnvInt("MAX_OBSERVERS", 0)

	cfg.RecorderAPIURL = os.Getenv("RECORDER_API_URL")
	cfg.AutoRecordVideo = os.Getenv("AUTO_RECORD_VIDEO") == "true"
	cfg.RecorderRTPHost = getEnvOrDefault("RECORDER_RTP_HOST", "127.0.0.1")
	cfg.RecorderRTPPort = getEnvInt("RECORDER_RTP_PORT", 5004)

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitAPIMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "500-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"admin_port", cfg.AdminPort,
		"enable_auth", cfg.EnableAuth,
		"redis_enabled", cfg.RedisEnabled,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"max_video_per_room", cfg.RoomDefaults.MaxVideoProducers,
		"allow_observers", cfg.RoomDefaults.AllowObservers,
		"max_observers", cfg.RoomDefaults.MaxObservers,
		"auto_record_video", cfg.AutoRecordVideo,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

func defaultStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
