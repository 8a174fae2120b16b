// Package config defines the server configuration structure.
//
// Every field maps to a FEDIS_* environment variable or config-file key
// through the flat koanf tag (FEDIS_AOF_PATH -> aof_path).
package config

// ServerConfig is the root configuration for fedis-server.
type ServerConfig struct {
	// Listen address pieces. URL > Listen > Host:Port.
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	Listen string `koanf:"listen"`
	URL    string `koanf:"url"`

	// Single-user auth for the default user.
	Password string `koanf:"password"`
	Username string `koanf:"username"`
	// Users holds additional users: "name:password[:enabled][:perms]"
	// entries separated by commas; perms are '|'-separated verbs or ALL.
	Users        string `koanf:"users"`
	UserCommands string `koanf:"user_commands"`
	UserEnabled  string `koanf:"user_enabled"`

	// Persistence.
	DataPath            string `koanf:"data_path"`
	AOFPath             string `koanf:"aof_path"`
	AOFFsync            string `koanf:"aof_fsync"`
	SnapshotPath        string `koanf:"snapshot_path"`
	SnapshotIntervalSec int    `koanf:"snapshot_interval_sec"`

	// Observability.
	MetricsAddr string `koanf:"metrics_addr"`
	Log         string `koanf:"log"`
	LogFormat   string `koanf:"log_format"`

	// Resource bounds.
	MaxConnections int   `koanf:"max_connections"`
	MaxRequestSize int   `koanf:"max_request_size"`
	MaxMemory      int64 `koanf:"maxmemory"`
	IdleTimeoutSec int   `koanf:"idle_timeout_sec"`
	RateLimit      int   `koanf:"rate_limit"`

	// Debug envelope. Response IDs only apply when both are on.
	NonRedisMode    string `koanf:"non_redis_mode"`
	DebugResponseID string `koanf:"debug_response_id"`
}
