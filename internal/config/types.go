package config

// Config is the process-wide service configuration (§6.7), loaded from the
// file at PULP_MANAGER_CONFIG_PATH plus environment variable overrides. It
// is distinct from the declarative repo-group config (§4.9 YAML), which
// internal/configreconciler parses independently from PULP_SYNC_CONFIG_PATH.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Redis    RedisConfig    `mapstructure:"redis"    json:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"     json:"auth"`
	Vault    VaultConfig    `mapstructure:"vault"    json:"vault"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  json:"metrics"`
	Pulp     PulpConfig     `mapstructure:"pulp"     json:"pulp"`

	// SyncConfigPath is PULP_SYNC_CONFIG_PATH, the §4.9 YAML file describing
	// backends, repo groups, and their bindings.
	SyncConfigPath string `mapstructure:"sync_config_path" json:"sync_config_path"`
	// SkipParserConfig mirrors PULP_MANAGER_SKIP_PARSER_CONFIG: when set, the
	// config reconciler (C9) is not run on startup.
	SkipParserConfig bool `mapstructure:"skip_parser_config" json:"skip_parser_config"`
	// IsLocal mirrors Is_local: bypass vault and use Vault.StaticPassword for
	// every backend's credential instead of a live vault lookup.
	IsLocal bool `mapstructure:"is_local" json:"is_local"`
}

// DatabaseConfig controls the C1 entity store's SQL backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default, for local/dev) or "mysql".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path, used when Driver == "sqlite".
	Path string `mapstructure:"path" json:"path"`
	// Hostname/Name/User/Password compose the MySQL DSN (§6.7's
	// DB_HOSTNAME/DB_NAME/DB_USER/DB_PASSWORD), used when Driver == "mysql".
	Hostname string `mapstructure:"hostname" json:"hostname"`
	Name     string `mapstructure:"name"     json:"name"`
	User     string `mapstructure:"user"     json:"user"`
	Password string `mapstructure:"password" json:"password"` // #nosec G101 -- config field, not a hardcoded credential
	// MaxPageSize bounds every paged filter result (§4.1 invariant).
	MaxPageSize int `mapstructure:"max_page_size" json:"max_page_size"`
}

// RedisConfig points the C3 job queue at its backing store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"     json:"addr"`
	Password string `mapstructure:"password" json:"password"` // #nosec G101 -- config field, not a hardcoded credential
	DB       int    `mapstructure:"db"       json:"db"`
}

// AuthConfig controls the control plane's JWT token check (§4.9/§6).
type AuthConfig struct {
	// Enabled toggles mutating-route auth checks; read routes stay open (§4.10).
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// JWTSecret is JWT_SECRET (§6.7), required when Enabled is true.
	JWTSecret string `mapstructure:"jwt_secret" json:"jwt_secret"` // #nosec G101 -- config field, not a hardcoded credential
	// AdminGroups is the set of group claims authorized for mutating routes.
	AdminGroups []string `mapstructure:"admin_groups" json:"admin_groups"`
	// StaticPassword authenticates every /auth/login username against
	// AdminGroups when no LDAP-backed Authenticator is wired in (local/dev
	// deployments only).
	StaticPassword string `mapstructure:"static_password" json:"static_password"` // #nosec G101 -- config field, not a hardcoded credential
}

// VaultConfig points the credential provider at the secrets vault (§6.2).
type VaultConfig struct {
	Addr  string `mapstructure:"addr"  json:"addr"`
	Token string `mapstructure:"token" json:"token"` // #nosec G101 -- config field, not a hardcoded credential
	// StaticPassword is used in place of a vault lookup when IsLocal is true.
	StaticPassword string `mapstructure:"static_password" json:"static_password"` // #nosec G101 -- config field, not a hardcoded credential
}

// MetricsConfig controls the Prometheus exposition endpoint (§6.5).
type MetricsConfig struct {
	Addr string `mapstructure:"addr" json:"addr"`
}

// PulpConfig carries the sync controller's static, deployment-wide policy
// (§4.6): which package names are banned from mirrored repos, and which
// remote feed URLs are considered internal (and so exempt from banned
// package screening).
type PulpConfig struct {
	// BannedPackageRegex matches content unit names that must be removed
	// from a repo's latest version after every sync.
	BannedPackageRegex string `mapstructure:"banned_package_regex" json:"banned_package_regex"`
	// InternalDomains is a comma-separated list of URL substrings; a remote
	// whose URL contains one is treated as internal and skips banned
	// package removal entirely.
	InternalDomains []string `mapstructure:"internal_domains" json:"internal_domains"`
	// PollInterval/MaxWaitCount bound how long a backend task is polled
	// before giving up (§9 "poll to completion").
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" json:"poll_interval_seconds"`
	MaxWaitCount         int `mapstructure:"max_wait_count"         json:"max_wait_count"`
}
