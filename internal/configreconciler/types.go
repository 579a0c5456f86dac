package configreconciler

// FileConfig is the root of the declarative repo-group YAML config (§4.9),
// loaded from PULP_SYNC_CONFIG_PATH. The three top-level maps cross-reference
// each other by key: pulp_servers.<host>.credentials must name an entry in
// Credentials, and pulp_servers.<host>.repo_groups.<name> must name an entry
// in RepoGroups.
type FileConfig struct {
	PulpServers map[string]PulpServerConfig `yaml:"pulp_servers" validate:"required,dive"`
	Credentials map[string]CredentialConfig `yaml:"credentials" validate:"required,dive"`
	RepoGroups  map[string]RepoGroupConfig  `yaml:"repo_groups" validate:"required,dive"`
}

// PulpServerConfig is one entry under pulp_servers.<host>.
type PulpServerConfig struct {
	Credentials            string                          `yaml:"credentials" validate:"required"`
	RepoGroups             map[string]RepoGroupBindingConfig `yaml:"repo_groups" validate:"required,dive"`
	RepoConfigRegistration *RepoConfigRegistrationConfig     `yaml:"repo_config_registration"`
	SnapshotSupport        *SnapshotSupportConfig            `yaml:"snapshot_support"`
}

// RepoGroupBindingConfig is one entry under pulp_servers.<host>.repo_groups.<name>.
type RepoGroupBindingConfig struct {
	Schedule           string `yaml:"schedule"`
	MaxConcurrentSyncs int    `yaml:"max_concurrent_syncs" validate:"required"`
	MaxRuntime         string `yaml:"max_runtime" validate:"required"`
	PulpMaster         string `yaml:"pulp_master"`
}

// RepoConfigRegistrationConfig is pulp_servers.<host>.repo_config_registration.
type RepoConfigRegistrationConfig struct {
	Schedule     string `yaml:"schedule" validate:"required"`
	MaxRuntime   string `yaml:"max_runtime" validate:"required"`
	RegexInclude string `yaml:"regex_include"`
	RegexExclude string `yaml:"regex_exclude"`
}

// SnapshotSupportConfig is pulp_servers.<host>.snapshot_support.
type SnapshotSupportConfig struct {
	MaxConcurrentSnapshots int `yaml:"max_concurrent_snapshots" validate:"required"`
}

// CredentialConfig is one entry under credentials.<name>.
type CredentialConfig struct {
	Username                 string `yaml:"username" validate:"required"`
	VaultServiceAccountMount string `yaml:"vault_service_account_mount" validate:"required"`
}

// RepoGroupConfig is one entry under repo_groups.<name>.
type RepoGroupConfig struct {
	RegexInclude string `yaml:"regex_include"`
	RegexExclude string `yaml:"regex_exclude"`
}
