package config

// DBConfig holds the state database's on-disk location.
type DBConfig struct {
	Path string
}

// NewDBConfig reads DB_PATH, defaulting to a path under the repo's storage
// directory when unset.
func NewDBConfig() *DBConfig {
	return &DBConfig{Path: envString("DB_PATH", "storage/state.db")}
}
