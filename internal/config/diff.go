package config

import "slices"

// ConfigDiff describes what changed between two configs. Only the log level
// is applied to a running process; every other changed section is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level sections ("server", "agent",
	// "bridge", "telemetry", "callrecords") whose changes take effect only
	// after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !serverEqualIgnoringLogLevel(old.Server, new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Agent != new.Agent {
		d.RestartRequired = append(d.RestartRequired, "agent")
	}
	if old.Bridge != new.Bridge {
		d.RestartRequired = append(d.RestartRequired, "bridge")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	if old.CallRecords != new.CallRecords {
		d.RestartRequired = append(d.RestartRequired, "callrecords")
	}
	return d
}

func serverEqualIgnoringLogLevel(a, b ServerConfig) bool {
	return a.ListenAddr == b.ListenAddr &&
		a.StreamPath == b.StreamPath &&
		a.AdminToken == b.AdminToken &&
		a.TLS == b.TLS &&
		slices.Equal(a.AllowedOrigins, b.AllowedOrigins)
}
