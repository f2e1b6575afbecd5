package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is the only change applied without a restart.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Sections names every top-level section whose restart-bound settings
	// changed, in declaration order.
	Sections []string
}

// RestartRequired reports whether the change touches settings that are
// fixed for the lifetime of a session.
func (d ConfigDiff) RestartRequired() bool {
	return len(d.Sections) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if oldServer != newServer {
		d.Sections = append(d.Sections, "server")
	}
	if !reflect.DeepEqual(old.Audio, new.Audio) {
		d.Sections = append(d.Sections, "audio")
	}
	if old.Codec != new.Codec {
		d.Sections = append(d.Sections, "codec")
	}
	if !reflect.DeepEqual(old.Transport, new.Transport) {
		d.Sections = append(d.Sections, "transport")
	}

	return d
}
