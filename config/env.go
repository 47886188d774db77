package config

import "os"

// Environment variables that parameterize bootstrap only, per spec.md §6:
// "all other knobs come from the config file". These mirror gravwell's
// GRAVWELL_* bootstrap variables (ingest/config/config.go).
const (
	EnvConfigPath = `NETCAPD_CONFIG`
	EnvLogLevel   = `NETCAPD_LOG_LEVEL`
	EnvSecret     = `NETCAPD_INDEXER_SECRET`
)

// ConfigPath resolves the config file path: CLI flag, then environment,
// then the supplied default.
func ConfigPath(flagVal, def string) string {
	if flagVal != `` {
		return flagVal
	}
	if v, ok := os.LookupEnv(EnvConfigPath); ok && v != `` {
		return v
	}
	return def
}

// LogLevelOverride returns an environment override for the log level, if
// present.
func LogLevelOverride() (string, bool) {
	v, ok := os.LookupEnv(EnvLogLevel)
	return v, ok && v != ``
}
