package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/securechat/internal/encryption"
)

type RateLimitConfig struct {
	Burst    int
	Interval time.Duration
}

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	EncryptionKey  []byte
	AllowedOrigins []string
	RedisAddr      string
	RateLimit      RateLimitConfig
}

type Params struct {
	ServerAddr        string
	DatabaseDSN       string
	SigningSecret     string
	EncryptionKey     string
	AllowedOrigins    []string
	RedisAddr         string
	RateLimitBurst    int
	RateLimitInterval time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret decoded to zero bytes")
	}
	return key, nil
}

func decodeEncryptionKey(base64Key string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, err
	}
	if len(key) != encryption.KeySize {
		return nil, encryption.ErrKeySize
	}
	return key, nil
}

func NewConfig(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if p.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if p.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if p.EncryptionKey == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}

	signingKey, err := decodeSigningSecret(p.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	encKey, err := decodeEncryptionKey(p.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}

	rl := RateLimitConfig{Burst: p.RateLimitBurst, Interval: p.RateLimitInterval}
	if rl.Burst <= 0 {
		rl.Burst = 5
	}
	if rl.Interval <= 0 {
		rl.Interval = time.Second
	}

	return &Config{
		DatabaseDSN:    p.DatabaseDSN,
		ServerAddr:     p.ServerAddr,
		SigningKey:     signingKey,
		EncryptionKey:  encKey,
		AllowedOrigins: p.AllowedOrigins,
		RedisAddr:      p.RedisAddr,
		RateLimit:      rl,
	}, nil
}

// LoadDotEnv loads variables from a .env file in the working directory, if
// one exists. Values already present in the environment win.
func LoadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func Getenv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetenvInt(key string, defaultValue int) int {
	if parsed, err := strconv.Atoi(os.Getenv(key)); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func GetenvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func SplitOrigins(origins string) []string {
	if origins == "" {
		return nil
	}

	parts := strings.Split(origins, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
