package application

import (
	alarms "netshield/internal/alarms/domain"
	"netshield/internal/config"
)

// applyOverlay merges the configured attribute overlays onto a freshly
// constructed alarm before it enters the pipeline. The "default" overlay
// applies to every type; the per-type overlay (keyed by alias) wins on
// conflict. The "timeout" key is configuration for the sweeper, never an
// alarm attribute, so it is always excluded; "state" is additionally
// excluded when the remote authority already fixed the alarm's state.
func applyOverlay(alarm *alarms.Alarm, cfg config.Config, remoteSync bool) {
	merged := map[string]string{}
	for key, value := range cfg.Alarms.Apply["default"] {
		merged[key] = value
	}
	for key, value := range cfg.Alarms.Apply[alarms.Alias(alarm.Type)] {
		merged[key] = value
	}
	if len(merged) == 0 {
		return
	}

	excludes := []string{"timeout"}
	if remoteSync && alarm.RemoteReady() {
		excludes = append(excludes, "state")
	}
	alarm.Apply(merged, excludes...)
}
