package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Prefix is tried first for every key; the bare key is the fallback.
const Prefix = "OTTO_"

const (
	KeySchedulerEnabled   = "SCHEDULER_ENABLED"
	KeySchedulerTickMS    = "SCHEDULER_TICK_MS"
	KeySchedulerBatchSize = "SCHEDULER_BATCH_SIZE"
	KeySchedulerLeaseMS   = "SCHEDULER_LOCK_LEASE_MS"
	KeySchedulerTimezone  = "SCHEDULER_TIMEZONE"

	KeyStorePath          = "STORE_PATH"
	KeyStoreBusyTimeoutMS = "STORE_BUSY_TIMEOUT_MS"

	KeyOutboundChunkLimit    = "OUTBOUND_CHUNK_LIMIT"
	KeyOutboundDefaultChatID = "OUTBOUND_DEFAULT_CHAT_ID"

	KeyDeliveryEnabled    = "DELIVERY_ENABLED"
	KeyDeliveryPollMS     = "DELIVERY_POLL_MS"
	KeyDeliveryBatchSize  = "DELIVERY_BATCH_SIZE"
	KeyDeliveryRatePerSec = "DELIVERY_RATE_PER_SEC"
	KeyDeliveryRetryMax   = "DELIVERY_RETRY_MAX"

	KeyTelegramToken         = "TELEGRAM_TOKEN"
	KeyTelegramPollTimeoutMS = "TELEGRAM_POLL_TIMEOUT_MS"

	KeyHTTPAddr = "HTTP_ADDR"

	KeyLogLevel        = "LOG_LEVEL"
	KeyLogConsole      = "LOG_CONSOLE"
	KeyLogFile         = "LOG_FILE"
	KeyLogChatID       = "LOG_CHAT_ID"
	KeyLogChatMinLevel = "LOG_CHAT_MIN_LEVEL"

	KeyConfigFile = "CONFIG_FILE"
)

const (
	DefaultSchedulerTick      = 60 * time.Second
	DefaultSchedulerBatchSize = 20
	DefaultSchedulerLockLease = 90 * time.Second
	DefaultStorePath          = "./data/otto.db"
	DefaultStoreBusyTimeout   = 5 * time.Second
	DefaultChunkLimit         = 4000
	DefaultDeliveryPoll       = 2 * time.Second
	DefaultDeliveryBatchSize  = 20
	DefaultDeliveryRatePerSec = 3
	DefaultDeliveryRetryMax   = 3
	DefaultTelegramPoll       = 10 * time.Second
	DefaultHTTPAddr           = "127.0.0.1:8787"
)

// Env is an environment-style key/value source.
type Env map[string]string

// lookup returns the value and the key it was found under. The reported
// name is always the prefixed form when nothing was found, so error
// messages point at the canonical setting.
func (e Env) lookup(key string) (string, string) {
	if v, ok := e[Prefix+key]; ok {
		return v, Prefix + key
	}
	if v, ok := e[key]; ok {
		return v, key
	}
	return "", Prefix + key
}

// Environ loads optional .env files (missing files are ignored) and returns
// the process environment as an Env. It is the only place that reads
// ambient process state.
func Environ(envFiles ...string) Env {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
	out := Env{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

// ResolveScheduler resolves and validates the scheduler section.
//
// A lease shorter than the tick would let a second tick re-claim a job that
// is still legitimately in flight, so it is rejected here rather than at
// runtime.
func ResolveScheduler(env Env) (SchedulerConfig, error) {
	var errs []error

	raw, name := env.lookup(KeySchedulerEnabled)
	enabled, err := parseBoolField(name, raw, true)
	errs = append(errs, err)

	raw, tickName := env.lookup(KeySchedulerTickMS)
	tick, err := ParseMillisField(tickName, raw, DefaultSchedulerTick)
	errs = append(errs, err)

	raw, name = env.lookup(KeySchedulerBatchSize)
	batch, err := parseIntField(name, raw, DefaultSchedulerBatchSize)
	if err == nil && batch <= 0 {
		err = fmt.Errorf("%w: %s: must be > 0", ErrInvalid, name)
	}
	errs = append(errs, err)

	raw, leaseName := env.lookup(KeySchedulerLeaseMS)
	lease, err := ParseMillisField(leaseName, raw, DefaultSchedulerLockLease)
	errs = append(errs, err)

	raw, name = env.lookup(KeySchedulerTimezone)
	tz := strings.TrimSpace(raw)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: unknown timezone %q", ErrInvalid, name, tz))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return SchedulerConfig{}, err
	}
	if lease < tick {
		return SchedulerConfig{}, fmt.Errorf("%w: %s (%dms) must be >= %s (%dms)",
			ErrInvalid, leaseName, lease.Milliseconds(), tickName, tick.Milliseconds())
	}

	return SchedulerConfig{
		Enabled:   enabled,
		Tick:      tick,
		BatchSize: batch,
		LockLease: lease,
		Timezone:  tz,
	}, nil
}

// Resolve builds the full Config. All problems are reported together.
func Resolve(env Env) (*Config, error) {
	var errs []error
	cfg := &Config{}

	sc, err := ResolveScheduler(env)
	errs = append(errs, err)
	cfg.Scheduler = sc

	raw, _ := env.lookup(KeyStorePath)
	cfg.Store.Path = strings.TrimSpace(raw)
	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath
	}
	raw, name := env.lookup(KeyStoreBusyTimeoutMS)
	cfg.Store.BusyTimeout, err = ParseMillisField(name, raw, DefaultStoreBusyTimeout)
	errs = append(errs, err)

	raw, name = env.lookup(KeyOutboundChunkLimit)
	cfg.Outbound.ChunkLimit, err = parseIntField(name, raw, DefaultChunkLimit)
	if err == nil && cfg.Outbound.ChunkLimit <= 0 {
		err = fmt.Errorf("%w: %s: must be > 0", ErrInvalid, name)
	}
	errs = append(errs, err)
	raw, name = env.lookup(KeyOutboundDefaultChatID)
	cfg.Outbound.DefaultChatID, err = parseInt64Field(name, raw, 0)
	errs = append(errs, err)

	raw, name = env.lookup(KeyDeliveryEnabled)
	cfg.Delivery.Enabled, err = parseBoolField(name, raw, true)
	errs = append(errs, err)
	raw, name = env.lookup(KeyDeliveryPollMS)
	cfg.Delivery.Poll, err = ParseMillisField(name, raw, DefaultDeliveryPoll)
	errs = append(errs, err)
	raw, name = env.lookup(KeyDeliveryBatchSize)
	cfg.Delivery.BatchSize, err = parseIntField(name, raw, DefaultDeliveryBatchSize)
	errs = append(errs, err)
	raw, name = env.lookup(KeyDeliveryRatePerSec)
	cfg.Delivery.RatePerSec, err = parseIntField(name, raw, DefaultDeliveryRatePerSec)
	errs = append(errs, err)
	raw, name = env.lookup(KeyDeliveryRetryMax)
	cfg.Delivery.RetryMax, err = parseIntField(name, raw, DefaultDeliveryRetryMax)
	if err == nil && cfg.Delivery.RetryMax < 0 {
		err = fmt.Errorf("%w: %s: must be >= 0", ErrInvalid, name)
	}
	errs = append(errs, err)

	raw, _ = env.lookup(KeyTelegramToken)
	cfg.Telegram.Token = strings.TrimSpace(raw)
	raw, name = env.lookup(KeyTelegramPollTimeoutMS)
	cfg.Telegram.PollTimeout, err = ParseMillisField(name, raw, DefaultTelegramPoll)
	errs = append(errs, err)

	if raw, ok := lookupSet(env, KeyHTTPAddr); ok {
		cfg.HTTP.Addr = strings.TrimSpace(raw)
	} else {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}

	raw, _ = env.lookup(KeyLogLevel)
	cfg.Logging.Level = strings.TrimSpace(raw)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	raw, name = env.lookup(KeyLogConsole)
	cfg.Logging.Console, err = parseBoolField(name, raw, true)
	errs = append(errs, err)
	raw, _ = env.lookup(KeyLogFile)
	cfg.Logging.File = strings.TrimSpace(raw)
	raw, name = env.lookup(KeyLogChatID)
	cfg.Logging.ChatID, err = parseInt64Field(name, raw, 0)
	errs = append(errs, err)
	raw, _ = env.lookup(KeyLogChatMinLevel)
	cfg.Logging.ChatMinLevel = strings.TrimSpace(raw)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// lookupSet distinguishes "explicitly empty" from "not set".
func lookupSet(env Env, key string) (string, bool) {
	if v, ok := env[Prefix+key]; ok {
		return v, true
	}
	v, ok := env[key]
	return v, ok
}
