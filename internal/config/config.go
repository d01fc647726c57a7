package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"
)

type Config struct {
	HTTPPort string `json:"http_port"`

	// Signaling service access. APIKey and Secret come from the signaling
	// provider; without both the calling feature is disabled for the whole
	// session (the server still runs for chat-side endpoints).
	SignalingURL    string `json:"signaling_url"`
	SignalingAPIKey string `json:"signaling_api_key"`
	SignalingSecret string `json:"-"`

	// ChatBackendURL is the REST base of the messaging backend used for
	// conversation member lookup.
	ChatBackendURL string `json:"chat_backend_url"`
	ChatAuthToken  string `json:"-"`

	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`

	DBPath         string `json:"db_path"`
	RingTimeoutSec int    `json:"ring_timeout_sec"`
	LogLevel       string `json:"log_level"`

	JWTSecret string `json:"-"`
	VAPIDKeys *VAPIDKeys
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

func (c *Config) RingTimeout() time.Duration {
	if c.RingTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.RingTimeoutSec) * time.Second
}

// CallingEnabled reports whether the signaling credentials required for the
// call feature are present.
func (c *Config) CallingEnabled() bool {
	return c.SignalingAPIKey != "" && c.SignalingSecret != ""
}

// Load reads configuration from config.json beside the executable (if it
// exists) and fills missing fields from environment variables and defaults.
func Load() *Config {
	cfg := &Config{}

	if saved, err := loadJSON(); err == nil {
		cfg = saved
		fmt.Println("NOTE: Custom configuration loaded from config.json")
	}

	if cfg.HTTPPort == "" {
		cfg.HTTPPort = getEnv("HTTP_PORT", "8080")
	}
	if cfg.SignalingURL == "" {
		cfg.SignalingURL = getEnv("SIGNALING_URL", "wss://signal.ringline.app/connect")
	}
	if cfg.SignalingAPIKey == "" {
		cfg.SignalingAPIKey = os.Getenv("SIGNALING_API_KEY")
	}
	cfg.SignalingSecret = os.Getenv("SIGNALING_SECRET")
	if cfg.ChatBackendURL == "" {
		cfg.ChatBackendURL = getEnv("CHAT_BACKEND_URL", "http://localhost:8090")
	}
	cfg.ChatAuthToken = os.Getenv("CHAT_AUTH_TOKEN")
	if cfg.UserID == "" {
		cfg.UserID = getEnv("USER_ID", "")
	}
	if cfg.UserName == "" {
		cfg.UserName = getEnv("USER_NAME", cfg.UserID)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = getEnv("DB_PATH", dataFilePath("ringline.db"))
	}
	if cfg.RingTimeoutSec == 0 {
		cfg.RingTimeoutSec = getEnvInt("RING_TIMEOUT_SEC", 60)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	}

	cfg.JWTSecret = loadOrGenerateSecret("jwt-secret.key", "JWT_SECRET")
	cfg.VAPIDKeys = loadVAPIDKeys()

	return cfg
}

func loadJSON() (*Config, error) {
	data, err := os.ReadFile(dataFilePath("config.json"))
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config.json: %w", err)
	}
	return &cfg, nil
}

func dataFilePath(name string) string {
	execPath, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(execPath), name)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadOrGenerateSecret resolves a secret from the environment, then from a
// key file beside the executable, generating and persisting a fresh one as
// the last resort.
func loadOrGenerateSecret(fileName, envKey string) string {
	if secret := os.Getenv(envKey); secret != "" {
		return secret
	}

	secretFile := dataFilePath(fileName)
	if data, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret
		}
	}

	secret := randomSecret()
	if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
		fmt.Printf("Warning: failed to save %s: %v\n", fileName, err)
		fmt.Println("Secret will be regenerated on next restart unless set via " + envKey)
	}
	return secret
}

func randomSecret() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

func loadVAPIDKeys() *VAPIDKeys {
	subject := getEnv("VAPID_SUBJECT", "mailto:admin@ringline.app")

	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}
	}

	publicFile := dataFilePath("vapid-public.key")
	privateFile := dataFilePath("vapid-private.key")
	if publicData, err := os.ReadFile(publicFile); err == nil {
		if privateData, err := os.ReadFile(privateFile); err == nil {
			return &VAPIDKeys{
				PublicKey:  strings.TrimSpace(string(publicData)),
				PrivateKey: strings.TrimSpace(string(privateData)),
				Subject:    subject,
			}
		}
	}

	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		panic("failed to generate VAPID keys: " + err.Error())
	}
	if err := os.WriteFile(publicFile, []byte(public), 0600); err == nil {
		_ = os.WriteFile(privateFile, []byte(private), 0600)
	} else {
		fmt.Printf("Warning: failed to save VAPID keys: %v\n", err)
	}

	return &VAPIDKeys{PublicKey: public, PrivateKey: private, Subject: subject}
}
