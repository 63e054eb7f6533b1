package config

import (
	"fmt"
	"strings"
)

// SummarizeChange renders the fields that differ between two configs as a
// short "a=x->y, b=..." string for reload logs. Secrets are masked.
func SummarizeChange(prev, next *Config) string {
	if prev == nil || next == nil {
		return "initial"
	}
	var parts []string
	add := func(name string, a, b any) {
		if a != b {
			parts = append(parts, fmt.Sprintf("%s=%v->%v", name, a, b))
		}
	}
	add("scheduler.enabled", prev.Scheduler.Enabled, next.Scheduler.Enabled)
	add("scheduler.tick", prev.Scheduler.Tick, next.Scheduler.Tick)
	add("scheduler.batch_size", prev.Scheduler.BatchSize, next.Scheduler.BatchSize)
	add("scheduler.lock_lease", prev.Scheduler.LockLease, next.Scheduler.LockLease)
	add("scheduler.timezone", prev.Scheduler.Timezone, next.Scheduler.Timezone)
	add("store.path", prev.Store.Path, next.Store.Path)
	add("outbound.chunk_limit", prev.Outbound.ChunkLimit, next.Outbound.ChunkLimit)
	add("outbound.default_chat_id", prev.Outbound.DefaultChatID, next.Outbound.DefaultChatID)
	add("delivery.enabled", prev.Delivery.Enabled, next.Delivery.Enabled)
	add("delivery.poll", prev.Delivery.Poll, next.Delivery.Poll)
	add("delivery.rate_per_sec", prev.Delivery.RatePerSec, next.Delivery.RatePerSec)
	add("delivery.retry_max", prev.Delivery.RetryMax, next.Delivery.RetryMax)
	if prev.Telegram.Token != next.Telegram.Token {
		parts = append(parts, "telegram.token=<changed>")
	}
	add("http.addr", prev.HTTP.Addr, next.HTTP.Addr)
	add("logging.level", prev.Logging.Level, next.Logging.Level)
	add("logging.console", prev.Logging.Console, next.Logging.Console)
	add("logging.file", prev.Logging.File, next.Logging.File)
	add("logging.chat_id", prev.Logging.ChatID, next.Logging.ChatID)
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}
