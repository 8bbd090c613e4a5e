package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage is required: completion markers and antibot incidents must
	// survive restarts.
	Storage StorageConfig `json:"storage"`

	Backend  BackendConfig  `json:"backend"`
	Upstream UpstreamConfig `json:"upstream"`

	// RateLimit holds the static defaults. The live policy may be overridden
	// through the store (key "ratelimit.config") and is re-read periodically.
	RateLimit RateLimitConfig `json:"ratelimit"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Session   SessionConfig   `json:"session"`
	Tasks     TasksConfig     `json:"tasks"`

	Notify *NotifyConfig `json:"notify,omitempty"`
	Admin  *AdminConfig  `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./shopsync.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// BackendConfig points at the seller backend API (sync status, shop list).
type BackendConfig struct {
	BaseURL  string `json:"base_url"`
	APIToken string `json:"api_token"`
	// Timeout is a Go duration string (e.g. "10s").
	Timeout string `json:"timeout,omitempty"`
	// ShopCacheTTL bounds how long the shop list is reused ("5m" default).
	ShopCacheTTL string `json:"shop_cache_ttl,omitempty"`
}

// UpstreamConfig points at the marketplace seller surface.
type UpstreamConfig struct {
	BaseURL   string `json:"base_url"`
	UserAgent string `json:"user_agent,omitempty"`
	// Timeout is a Go duration string per request (e.g. "30s").
	Timeout string `json:"timeout,omitempty"`
}

// RateLimitConfig is the outbound throttle policy.
//
// Mode values:
//   - "fixed":  constant delay between dispatches (FixedDelay +/- jitter)
//   - "random": uniform delay in [RandomMin, RandomMax]
//
// All delays are Go duration strings.
type RateLimitConfig struct {
	Enabled    bool   `json:"enabled"`
	Mode       string `json:"mode"`
	FixedDelay string `json:"fixed_delay,omitempty"`
	RandomMin  string `json:"random_min,omitempty"`
	RandomMax  string `json:"random_max,omitempty"`

	// MaxConcurrent bounds in-flight requests (default 4).
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// SchedulerConfig controls the recurring invocation trigger.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Interval between invocations ("15m" default). A new invocation never
	// starts while the previous one is still draining.
	Interval string `json:"interval,omitempty"`
	// Timezone for task time-of-day windows (IANA TZ, e.g. "Europe/Berlin").
	Timezone string `json:"timezone,omitempty"`
	// HistorySize bounds the in-memory invocation report ring (default 50).
	HistorySize int `json:"history_size,omitempty"`
}

// SessionConfig controls tenant identity switching.
type SessionConfig struct {
	// SettleDelay after a cookie/identity swap before first use ("2s" default).
	SettleDelay string `json:"settle_delay,omitempty"`
	// ReadyTimeout bounds the execution-context readiness wait ("30s" default).
	ReadyTimeout string `json:"ready_timeout,omitempty"`
}

type TasksConfig struct {
	Crosspost  CrosspostConfig  `json:"crosspost"`
	PriceSync  PriceSyncConfig  `json:"pricesync"`
	StockAudit StockAuditConfig `json:"stockaudit"`
}

type CrosspostConfig struct {
	Enabled bool `json:"enabled"`
	// NotBefore is the earliest local time-of-day ("06:10" default).
	NotBefore string `json:"not_before,omitempty"`
	// MaxListings caps relists per shop per run (0 = no cap).
	MaxListings int `json:"max_listings,omitempty"`
}

type PriceSyncConfig struct {
	Enabled bool `json:"enabled"`
	// MinInterval between runs ("1h" default).
	MinInterval string `json:"min_interval,omitempty"`
}

type StockAuditConfig struct {
	Enabled bool `json:"enabled"`
	// MinInterval between runs ("6h" default).
	MinInterval string `json:"min_interval,omitempty"`
	// NotBefore is the earliest local time-of-day ("05:00" default).
	NotBefore string `json:"not_before,omitempty"`
}

// NotifyConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifyConfig struct {
	Enabled       bool   `json:"enabled"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// AdminConfig controls the local ops HTTP surface.
//
// Security note: prefer binding to localhost (e.g. "127.0.0.1:7077").
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:7077"
}
