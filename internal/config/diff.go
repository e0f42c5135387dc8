package config

import (
	"reflect"
	"sort"
	"strings"

	logx "funnelbot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens
// or DSN credentials).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.Telegram.Enabled != newCfg.Logging.Telegram.Enabled ||
		oldCfg.Logging.Telegram.MinLevel != newCfg.Logging.Telegram.MinLevel ||
		oldCfg.Logging.Telegram.RatePerSec != newCfg.Logging.Telegram.RatePerSec {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Catalog
	if strings.TrimSpace(oldCfg.Catalog.Path) != strings.TrimSpace(newCfg.Catalog.Path) ||
		strings.TrimSpace(oldCfg.Catalog.CacheTTL) != strings.TrimSpace(newCfg.Catalog.CacheTTL) ||
		strings.TrimSpace(oldCfg.Catalog.Refresh) != strings.TrimSpace(newCfg.Catalog.Refresh) {
		changed = append(changed, "catalog")
		attrs = append(attrs,
			logx.String("catalog.path", strings.TrimSpace(newCfg.Catalog.Path)),
			logx.String("catalog.cache_ttl", strings.TrimSpace(newCfg.Catalog.CacheTTL)),
			logx.String("catalog.refresh", strings.TrimSpace(newCfg.Catalog.Refresh)),
		)
	}

	// Ledger (never log DSN, it may embed credentials)
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet, oDSNSet, nDSNSet bool
	if oldCfg.Ledger != nil {
		oDriver = strings.ToLower(strings.TrimSpace(oldCfg.Ledger.Driver))
		oBusy = strings.TrimSpace(oldCfg.Ledger.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Ledger.Path) != ""
		oDSNSet = strings.TrimSpace(oldCfg.Ledger.DSN) != ""
	}
	if newCfg.Ledger != nil {
		nDriver = strings.ToLower(strings.TrimSpace(newCfg.Ledger.Driver))
		nBusy = strings.TrimSpace(newCfg.Ledger.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Ledger.Path) != ""
		nDSNSet = strings.TrimSpace(newCfg.Ledger.DSN) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet || oDSNSet != nDSNSet {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.String("ledger.driver", nDriver),
			logx.Bool("ledger.path_set", nPathSet),
			logx.Bool("ledger.dsn_set", nDSNSet),
			logx.String("ledger.busy_timeout", nBusy),
		)
	}

	// Funnel
	if oldCfg.Funnel != newCfg.Funnel {
		changed = append(changed, "funnel")
		attrs = append(attrs,
			logx.Bool("funnel.enabled", newCfg.Funnel.Enabled),
			logx.Bool("funnel.pay_url_set", strings.TrimSpace(newCfg.Funnel.PayURL) != ""),
			logx.String("funnel.delay_unit", strings.TrimSpace(newCfg.Funnel.DelayUnit)),
		)
	}

	// Broadcast. Nil means enabled with defaults.
	defB := BroadcastConfig{Enabled: true}
	oldB, newB := defB, defB
	if oldCfg.Broadcast != nil {
		oldB = *oldCfg.Broadcast
	}
	if newCfg.Broadcast != nil {
		newB = *newCfg.Broadcast
	}
	if oldB != newB {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Bool("broadcast.enabled", newB.Enabled),
			logx.Int("broadcast.workers", newB.Workers),
			logx.Int("broadcast.rate_per_sec", newB.RatePerSec),
			logx.Int("broadcast.retry_max", newB.RetryMax),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
