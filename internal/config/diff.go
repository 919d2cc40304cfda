package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notchd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging the reload.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Server (socket + HTTP)
	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Bool("server.socket_enabled", newCfg.SocketEnabled()),
			logx.Bool("server.http_enabled", newCfg.HTTPEnabled()),
			logx.String("server.http_addr", newCfg.HTTPAddr()),
			logx.Float64("server.rate_per_sec", newCfg.Server.HTTP.RatePerSec),
		)
	}

	// Engine (admission + display)
	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.queue_capacity", newCfg.Engine.QueueCapacity),
			logx.String("engine.dedup_window", strings.TrimSpace(newCfg.Engine.DedupWindow)),
			logx.String("engine.merge_window", strings.TrimSpace(newCfg.Engine.MergeWindow)),
			logx.Int("engine.rendezvous_poll_max", newCfg.Engine.Rendezvous.PollMax),
		)
	}

	// Storage. Nil section means defaults; compare resolved views.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	// Feedback
	oF := derefFeedback(oldCfg.Feedback)
	nF := derefFeedback(newCfg.Feedback)
	if oF != nF {
		changed = append(changed, "feedback")
		attrs = append(attrs,
			logx.Bool("feedback.enabled", nF.Enabled),
			logx.Bool("feedback.command_set", strings.TrimSpace(nF.Command) != ""),
		)
	}

	// Cleanup
	if oldCfg.Cleanup != newCfg.Cleanup {
		changed = append(changed, "cleanup")
		attrs = append(attrs,
			logx.Bool("cleanup.enabled", newCfg.Cleanup.Enabled),
			logx.String("cleanup.schedule", strings.TrimSpace(newCfg.Cleanup.Schedule)),
			logx.String("cleanup.retention", strings.TrimSpace(newCfg.Cleanup.Retention)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefFeedback(f *FeedbackConfig) FeedbackConfig {
	if f == nil {
		return FeedbackConfig{}
	}
	return *f
}
