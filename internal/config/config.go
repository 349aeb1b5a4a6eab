package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// DatabasePath is the sqlite file backing messages, rooms and users.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	// RedisAddr points the broadcast bus at a Redis instance. When empty the
	// server falls back to an in-process bus, which is only correct for a
	// single worker process.
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`

	// CollaboratorTimeout bounds membership lookups and message appends.
	CollaboratorTimeout time.Duration `mapstructure:"collaborator_timeout" yaml:"collaborator_timeout"`

	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	JWTTTL      time.Duration `mapstructure:"jwt_ttl" yaml:"jwt_ttl"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:                ":8000",
		ReadHeaderTimeout:   5 * time.Second,
		ShutdownTimeout:     5 * time.Second,
		DatabasePath:        "studymatch.db",
		RedisAddr:           "",
		CollaboratorTimeout: 5 * time.Second,
		JWTSecret:           "dev-secret-change-me",
		JWTIssuer:           "studymatch",
		JWTAudience:         "studymatch-chat",
		JWTTTL:              24 * time.Hour,
		LogLevel:            "info",
	}
}
