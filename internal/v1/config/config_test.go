package config

import (
	"os"
	"strings"
	"testing"
)

var managedEnvVars = []string{
	"JWT_SECRET", "PORT", "ADMIN_PORT", "ENABLE_AUTH", "AUTH0_DOMAIN", "AUTH0_AUDIENCE",
	"REDIS_ENABLED", "REDIS_ADDR", "GO_ENV", "LOG_LEVEL", "ICE_SERVERS", "TURN_HOST",
	"TURN_PORT", "TURN_USERNAME", "TURN_PASSWORD", "PUBLIC_IP", "SFU_LISTEN_IPS",
	"SFU_BIND_IP", "MAX_VIDEO_PER_ROOM", "ALLOW_OBSERVERS", "MAX_OBSERVERS",
	"RECORDER_API_URL", "AUTO_RECORD_VIDEO",
}

// setupTestEnv clears the config-relevant environment variables and
// restores whatever was there beforehand once the test finishes.
func setupTestEnv(t *testing.T) func() {
	orig := make(map[string]string, len(managedEnvVars))
	for _, key := range managedEnvVars {
		orig[key] = os.Getenv(key)
		os.Unsetenv(key)
	}
	return func() {
		for key, val := range orig {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("REDIS_ENABLED", "false")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.JWTSecret != "this-is-a-very-long-secret-key-for-testing-purposes" {
		t.Errorf("expected JWT_SECRET to be set correctly")
	}
	if cfg.Port != "8080" {
		t.Errorf("expected PORT to be '8080', got '%s'", cfg.Port)
	}
	if cfg.AdminPort != "8081" {
		t.Errorf("expected ADMIN_PORT to default to '8081', got '%s'", cfg.AdminPort)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LOG_LEVEL to default to 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.EnableAuth {
		t.Error("expected ENABLE_AUTH to default to false")
	}
}

func TestValidateEnv_MissingJWTSecret(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "8080")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for missing JWT_SECRET, got nil")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET is required") {
		t.Errorf("expected error message about JWT_SECRET, got: %v", err)
	}
}

func TestValidateEnv_ShortJWTSecret(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "short")
	os.Setenv("PORT", "8080")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for short JWT_SECRET, got nil")
	}
	if !strings.Contains(err.Error(), "must be at least 32 characters") {
		t.Errorf("expected error message about JWT_SECRET length, got: %v", err)
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT must be a valid port number") {
		t.Errorf("expected error message about invalid PORT, got: %v", err)
	}
}

func TestValidateEnv_PortDefaultsWhenUnset(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected PORT to default to '8080', got '%s'", cfg.Port)
	}
}

func TestValidateEnv_InvalidRedisAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("REDIS_ENABLED", "true")
	os.Setenv("REDIS_ADDR", "invalid-format")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid REDIS_ADDR, got nil")
	}
	if !strings.Contains(err.Error(), "REDIS_ADDR must be in format 'host:port'") {
		t.Errorf("expected error message about REDIS_ADDR format, got: %v", err)
	}
}

func TestValidateEnv_RedisDefaultAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("REDIS_ENABLED", "true")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("expected REDIS_ADDR to default to 'localhost:6379', got '%s'", cfg.RedisAddr)
	}
}

func TestValidateEnv_EnableAuthRequiresAuth0Vars(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("ENABLE_AUTH", "1")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error when ENABLE_AUTH=1 without AUTH0_DOMAIN/AUTH0_AUDIENCE")
	}
	if !strings.Contains(err.Error(), "AUTH0_DOMAIN and AUTH0_AUDIENCE are required") {
		t.Errorf("expected error message about AUTH0 vars, got: %v", err)
	}
}

func TestValidateEnv_ICEServersParsed(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("ICE_SERVERS", `[{"urls":["stun:stun.example.com:19302"]}]`)

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:stun.example.com:19302" {
		t.Errorf("expected ICE_SERVERS to be parsed, got: %+v", cfg.ICEServers)
	}
}

func TestValidateEnv_ICEServersInvalidJSON(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("ICE_SERVERS", `not-json`)

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid ICE_SERVERS JSON")
	}
	if !strings.Contains(err.Error(), "ICE_SERVERS must be valid JSON") {
		t.Errorf("expected error message about ICE_SERVERS, got: %v", err)
	}
}

func TestValidateEnv_TURNHostAppendsICEServer(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("TURN_HOST", "turn.example.com")
	os.Setenv("TURN_USERNAME", "user")
	os.Setenv("TURN_PASSWORD", "pass")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("expected one ICE server from TURN_HOST, got %d", len(cfg.ICEServers))
	}
	if cfg.ICEServers[0].URLs[0] != "turn:turn.example.com:3478" {
		t.Errorf("expected default TURN port 3478, got '%s'", cfg.ICEServers[0].URLs[0])
	}
}

func TestValidateEnv_SFUListenIPsDefaultsFromBindAndPublicIP(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("SFU_BIND_IP", "10.0.0.5")
	os.Setenv("PUBLIC_IP", "203.0.113.9")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(cfg.SFUListenIPs) != 1 || cfg.SFUListenIPs[0].IP != "10.0.0.5" || cfg.SFUListenIPs[0].AnnouncedIP != "203.0.113.9" {
		t.Errorf("expected default SFU_LISTEN_IPS derived from bind/public IP, got: %+v", cfg.SFUListenIPs)
	}
}

func TestValidateEnv_RoomDefaults(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("MAX_VIDEO_PER_ROOM", "12")
	os.Setenv("ALLOW_OBSERVERS", "false")
	os.Setenv("MAX_OBSERVERS", "50")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.RoomDefaults.MaxVideoProducers != 12 {
		t.Errorf("expected MaxVideoProducers 12, got %d", cfg.RoomDefaults.MaxVideoProducers)
	}
	if cfg.RoomDefaults.AllowObservers {
		t.Error("expected AllowObservers to be false")
	}
	if cfg.RoomDefaults.MaxObservers != 50 {
		t.Errorf("expected MaxObservers 50, got %d", cfg.RoomDefaults.MaxObservers)
	}
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{"Long secret", "this-is-a-very-long-secret-key", "this-is-***"},
		{"Short secret", "short", "***"},
		{"Exactly 8 chars", "12345678", "***"},
		{"9 chars", "123456789", "12345678***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := redactSecret(tt.secret)
			if result != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"Valid localhost", "localhost:8080", true},
		{"Valid IP", "127.0.0.1:3000", true},
		{"Valid hostname", "example.com:443", true},
		{"Missing port", "localhost", false},
		{"Missing host", ":8080", false},
		{"Invalid port", "localhost:99999", false},
		{"Non-numeric port", "localhost:abc", false},
		{"Multiple colons", "localhost:8080:9090", false},
		{"Empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isValidHostPort(tt.addr)
			if result != tt.expected {
				t.Errorf("isValidHostPort('%s') = %v, expected %v", tt.addr, result, tt.expected)
			}
		})
	}
}
