package config

import (
	"errors"
	"time"
)

// ErrInvalid marks configuration that must stop the process at startup.
var ErrInvalid = errors.New("invalid config")

// Config is resolved once at startup from environment-style key/values and
// passed by value into every component constructor.
type Config struct {
	Scheduler SchedulerConfig
	Store     StoreConfig
	Outbound  OutboundConfig
	Delivery  DeliveryConfig
	Telegram  TelegramConfig
	HTTP      HTTPConfig
	Logging   LoggingConfig
}

// SchedulerConfig controls the tick loop.
//
// Defaults:
//   - enabled: true
//   - tick: 60s
//   - batch_size: 20
//   - lock_lease: 90s (must be >= tick)
type SchedulerConfig struct {
	Enabled   bool
	Tick      time.Duration
	BatchSize int
	LockLease time.Duration
	Timezone  string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
}

type StoreConfig struct {
	Path        string
	BusyTimeout time.Duration
}

type OutboundConfig struct {
	ChunkLimit    int
	DefaultChatID int64
}

// DeliveryConfig controls the worker that drains messages_out into the chat
// transport.
type DeliveryConfig struct {
	Enabled    bool
	Poll       time.Duration
	BatchSize  int
	RatePerSec int
	RetryMax   int
}

type TelegramConfig struct {
	Token       string
	PollTimeout time.Duration
}

type HTTPConfig struct {
	Addr string // empty disables the control API
}

type LoggingConfig struct {
	Level        string
	Console      bool
	File         string
	ChatID       int64 // operator chat for warn+ logs; 0 disables
	ChatMinLevel string
}
