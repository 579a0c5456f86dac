package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	// EnvConfigPath is PULP_MANAGER_CONFIG_PATH (§6.7).
	EnvConfigPath = "PULP_MANAGER_CONFIG_PATH"
	// EnvSyncConfigPath is PULP_SYNC_CONFIG_PATH (§6.7).
	EnvSyncConfigPath = "PULP_SYNC_CONFIG_PATH"
)

// Load reads the service config from configPath (or PULP_MANAGER_CONFIG_PATH
// when configPath is empty), applying environment variable overrides on top
// (§6.7). DB_HOSTNAME/DB_NAME/DB_USER/DB_PASSWORD map onto database.hostname
// etc. through the explicit bindings in bindEnv; other keys use the
// "." -> "_" key replacer, matching the teacher's config.Load.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnv(v)
	setDefaults(v)

	path := configPath
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.SyncConfigPath == "" {
		cfg.SyncConfigPath = v.GetString("PULP_SYNC_CONFIG_PATH")
	}

	return &cfg, nil
}

// bindEnv wires each field's §6.7 environment variable name directly,
// since DB_HOSTNAME etc. don't follow the DATABASE_HOSTNAME shape the
// "."->"_" replacer alone would produce.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("database.hostname", "DB_HOSTNAME")
	_ = v.BindEnv("database.name", "DB_NAME")
	_ = v.BindEnv("database.user", "DB_USER")
	_ = v.BindEnv("database.password", "DB_PASSWORD")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("sync_config_path", "PULP_SYNC_CONFIG_PATH")
	_ = v.BindEnv("skip_parser_config", "PULP_MANAGER_SKIP_PARSER_CONFIG")
	_ = v.BindEnv("is_local", "Is_local")
}

// setDefaults populates viper with sensible out-of-the-box values, matching
// the teacher's config.setDefaults pattern.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "pulp-fleet-manager.db")
	v.SetDefault("database.max_page_size", 100)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.admin_groups", []string{"pulp-admins"})

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("is_local", false)
	v.SetDefault("skip_parser_config", false)

	v.SetDefault("pulp.banned_package_regex", "")
	v.SetDefault("pulp.internal_domains", []string{})
	v.SetDefault("pulp.poll_interval_seconds", 15)
	v.SetDefault("pulp.max_wait_count", 200)
}
