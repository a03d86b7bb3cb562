package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port           int
	DBPath         string
	JWTSecret      string
	TokenTTL       int // hours
	ReadTimeout    int // seconds
	WriteTimeout   int // seconds
	MaxMessageSize int64
	AllowedOrigins []string
	AllowReset     bool
	ResetOperator  string
	LogLevel       string
	ControlSocket  string
}

func Load() *Config {
	cfg := &Config{
		Port:           8080,
		DBPath:         "wapp.db",
		TokenTTL:       7 * 24,
		ReadTimeout:    60,
		WriteTimeout:   10,
		MaxMessageSize: 10 << 20,
		AllowedOrigins: []string{"*"},
		AllowReset:     false,
		LogLevel:       "INFO",
		ControlSocket:  "/tmp/wapp.sock",
	}

	if portStr := os.Getenv("WAPP_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if dbPath := os.Getenv("WAPP_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if secret := os.Getenv("WAPP_JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}

	if ttlStr := os.Getenv("WAPP_TOKEN_TTL_HOURS"); ttlStr != "" {
		if ttl, err := strconv.Atoi(ttlStr); err == nil && ttl > 0 {
			cfg.TokenTTL = ttl
		}
	}

	if timeoutStr := os.Getenv("WAPP_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil && timeout > 0 {
			cfg.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("WAPP_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil && timeout > 0 {
			cfg.WriteTimeout = timeout
		}
	}

	if sizeStr := os.Getenv("WAPP_MAX_MESSAGE_SIZE"); sizeStr != "" {
		if size, err := strconv.ParseInt(sizeStr, 10, 64); err == nil && size > 0 {
			cfg.MaxMessageSize = size
		}
	}

	if origins := os.Getenv("WAPP_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if allow := os.Getenv("WAPP_ALLOW_RESET"); allow != "" {
		if v, err := strconv.ParseBool(allow); err == nil {
			cfg.AllowReset = v
		}
	}

	if operator := os.Getenv("WAPP_RESET_OPERATOR"); operator != "" {
		cfg.ResetOperator = operator
	}

	if level := os.Getenv("WAPP_LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToUpper(level)
	}

	if sock := os.Getenv("WAPP_CONTROL_SOCKET"); sock != "" {
		cfg.ControlSocket = sock
	}

	return cfg
}

// ErrMissingSecret is returned by Validate when no token signing secret is
// configured.
var ErrMissingSecret = errors.New("WAPP_JWT_SECRET must be set")

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return ErrMissingSecret
	}
	return nil
}

func parseOrigins(origins string) []string {
	var out []string
	for _, part := range strings.Split(origins, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
