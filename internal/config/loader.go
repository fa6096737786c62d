package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envConfigDefaultPath = "WIREPUSH_CONFIG_DEFAULT_PATH"
	envPrefix            = "WIREPUSH"
	defaultConfigName    = "config.yaml"
)

// Load builds configuration from defaults, optional config file, env vars, and returns the resolved path.
// Precedence: defaults < config file < env vars < caller overrides.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			// try reading again in case it was just written
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, configPath, nil
}

// setDefaults registers every key so env vars can override values absent from the file.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("key", cfg.Key)
	v.SetDefault("cluster", cfg.Cluster)
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("path", cfg.Path)
	v.SetDefault("use_tls", cfg.UseTLS)
	v.SetDefault("channels", cfg.Channels)

	v.SetDefault("auth_endpoint", cfg.AuthEndpoint)
	v.SetDefault("auth_headers", cfg.AuthHeaders)
	v.SetDefault("auth_token", cfg.AuthToken)
	v.SetDefault("auth_timeout", cfg.AuthTimeout)

	v.SetDefault("handshake_timeout", cfg.HandshakeTimeout)
	v.SetDefault("activity_timeout", cfg.ActivityTimeout)
	v.SetDefault("pong_timeout", cfg.PongTimeout)
	v.SetDefault("write_timeout", cfg.WriteTimeout)

	v.SetDefault("auto_reconnect", cfg.AutoReconnect)
	v.SetDefault("reconnect_initial_interval", cfg.ReconnectInitialInterval)
	v.SetDefault("reconnect_max_interval", cfg.ReconnectMaxInterval)
	v.SetDefault("max_reconnect_attempts", cfg.MaxReconnectAttempts)
	v.SetDefault("max_malformed_frames", cfg.MaxMalformedFrames)

	v.SetDefault("journal_path", cfg.JournalPath)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)

	v.SetDefault("auth_server.addr", cfg.AuthServer.Addr)
	v.SetDefault("auth_server.app_key", cfg.AuthServer.AppKey)
	v.SetDefault("auth_server.app_secret", cfg.AuthServer.AppSecret)
	v.SetDefault("auth_server.encryption_master_key", cfg.AuthServer.EncryptionMasterKey)
	v.SetDefault("auth_server.jwt_secret", cfg.AuthServer.JWTSecret)
	v.SetDefault("auth_server.jwt_issuer", cfg.AuthServer.JWTIssuer)
	v.SetDefault("auth_server.jwt_audience", cfg.AuthServer.JWTAudience)
	v.SetDefault("auth_server.require_jwt", cfg.AuthServer.RequireJWT)
	v.SetDefault("auth_server.rate_limit", cfg.AuthServer.RateLimit)
	v.SetDefault("auth_server.read_header_timeout", cfg.AuthServer.ReadHeaderTimeout)
	v.SetDefault("auth_server.shutdown_timeout", cfg.AuthServer.ShutdownTimeout)
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
