package config

import "time"

// Config holds client and auth server configuration values.
type Config struct {
	Key      string   `mapstructure:"key" yaml:"key"`
	Cluster  string   `mapstructure:"cluster" yaml:"cluster"`
	Host     string   `mapstructure:"host" yaml:"host"`
	Port     int      `mapstructure:"port" yaml:"port"`
	Path     string   `mapstructure:"path" yaml:"path"`
	UseTLS   bool     `mapstructure:"use_tls" yaml:"use_tls"`
	Channels []string `mapstructure:"channels" yaml:"channels"`

	AuthEndpoint string            `mapstructure:"auth_endpoint" yaml:"auth_endpoint"`
	AuthHeaders  map[string]string `mapstructure:"auth_headers" yaml:"auth_headers"`
	// AuthToken is sent as a bearer token to the auth endpoint.
	AuthToken   string        `mapstructure:"auth_token" yaml:"auth_token"`
	AuthTimeout time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	// ActivityTimeout overrides the value announced by the server when non-zero.
	ActivityTimeout time.Duration `mapstructure:"activity_timeout" yaml:"activity_timeout"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout" yaml:"pong_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	AutoReconnect            bool          `mapstructure:"auto_reconnect" yaml:"auto_reconnect"`
	ReconnectInitialInterval time.Duration `mapstructure:"reconnect_initial_interval" yaml:"reconnect_initial_interval"`
	ReconnectMaxInterval     time.Duration `mapstructure:"reconnect_max_interval" yaml:"reconnect_max_interval"`
	// MaxReconnectAttempts of zero retries until disconnected.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	MaxMalformedFrames   int `mapstructure:"max_malformed_frames" yaml:"max_malformed_frames"`

	// JournalPath enables the SQLite event journal when set.
	JournalPath string `mapstructure:"journal_path" yaml:"journal_path"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat   string `mapstructure:"log_format" yaml:"log_format"`

	AuthServer AuthServerConfig `mapstructure:"auth_server" yaml:"auth_server"`
}

// AuthServerConfig configures the channel authorization endpoint.
type AuthServerConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	AppKey    string `mapstructure:"app_key" yaml:"app_key"`
	AppSecret string `mapstructure:"app_secret" yaml:"app_secret"`
	// EncryptionMasterKey is base64 encoded, 32 bytes once decoded.
	EncryptionMasterKey string `mapstructure:"encryption_master_key" yaml:"encryption_master_key"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	RequireJWT  bool   `mapstructure:"require_jwt" yaml:"require_jwt"`

	// RateLimit is the number of auth requests allowed per client IP per minute.
	RateLimit         int           `mapstructure:"rate_limit" yaml:"rate_limit"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Cluster:                  "mt1",
		UseTLS:                   true,
		AuthTimeout:              10 * time.Second,
		HandshakeTimeout:         10 * time.Second,
		PongTimeout:              30 * time.Second,
		WriteTimeout:             5 * time.Second,
		AutoReconnect:            true,
		ReconnectInitialInterval: time.Second,
		ReconnectMaxInterval:     30 * time.Second,
		MaxMalformedFrames:       5,
		LogLevel:                 "info",
		LogFormat:                "console",
		AuthServer: AuthServerConfig{
			Addr:              ":8080",
			RateLimit:         120,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
// Booleans cannot be told apart from their zero value and are left alone.
func (c *Config) UpdateFrom(other Config) {
	if other.Key != "" {
		c.Key = other.Key
	}
	if other.Cluster != "" {
		c.Cluster = other.Cluster
	}
	if other.Host != "" {
		c.Host = other.Host
	}
	if other.Port != 0 {
		c.Port = other.Port
	}
	if other.Path != "" {
		c.Path = other.Path
	}
	if len(other.Channels) > 0 {
		c.Channels = other.Channels
	}
	if other.AuthEndpoint != "" {
		c.AuthEndpoint = other.AuthEndpoint
	}
	if other.AuthToken != "" {
		c.AuthToken = other.AuthToken
	}
	if other.JournalPath != "" {
		c.JournalPath = other.JournalPath
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.AuthServer.Addr != "" {
		c.AuthServer.Addr = other.AuthServer.Addr
	}
}
