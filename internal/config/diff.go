package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tickwheel/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{
	"wheel":   true,
	"storage": true,
}

// SummarizeChange returns the changed top-level sections (sorted) and safe
// structured fields for logging. Tokens are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Wheel != newCfg.Wheel {
		changed = append(changed, "wheel")
		attrs = append(attrs,
			logx.Int("wheel.slot_size", newCfg.Wheel.SlotSize),
			logx.String("wheel.interval", strings.TrimSpace(newCfg.Wheel.Interval)),
		)
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		d := newCfg.Dispatcher
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.workers", d.Workers),
			logx.Int("dispatcher.queue_size", d.QueueSize),
			logx.String("dispatcher.default_timeout", strings.TrimSpace(d.DefaultTimeout)),
			logx.String("dispatcher.max_queue_delay", strings.TrimSpace(d.MaxQueueDelay)),
			logx.Int("dispatcher.retry_max", d.RetryMax),
		)
	}

	if oldCfg.Delay != newCfg.Delay {
		changed = append(changed, "delay")
		attrs = append(attrs,
			logx.String("delay.timezone", strings.TrimSpace(newCfg.Delay.Timezone)),
			logx.String("delay.output", strings.TrimSpace(newCfg.Delay.Output)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		h := newCfg.HTTP
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", h.Enabled),
			logx.String("http.addr", strings.TrimSpace(h.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(h.Token) != ""),
			logx.Bool("http.allow_insecure", h.AllowInsecure),
			logx.Bool("http.pprof", h.Pprof),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled ||
		ot.Token != nt.Token ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		l := newCfg.Logging
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.telegram_enabled", l.Telegram.Enabled),
		)
	}

	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Int("storage.max_rows", newS.MaxRows),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart returns the sections in changed that are not hot-reloadable.
// A telegram change counts when it toggles the adapter or swaps its token.
func NeedsRestart(oldCfg, newCfg *Config, changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
			continue
		}
		if s == "telegram" && oldCfg != nil && newCfg != nil &&
			(oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled ||
				oldCfg.Telegram.Token != newCfg.Telegram.Token ||
				oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout) {
			out = append(out, s)
		}
	}
	return out
}
