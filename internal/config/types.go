package config

// Config is the daemon configuration. Durations are Go duration strings
// ("500ms", "15m"); empty means the component default.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	HTTP     HTTPConfig     `json:"http"`
	Storage  StorageConfig  `json:"storage"`
	Mail     MailConfig     `json:"mail"`
	Realtime RealtimeConfig `json:"realtime"`
	Notifier NotifierConfig `json:"notifier"`
	Debug    DebugConfig    `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty" validate:"omitempty,oneof=console json"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the listener serving /ws, /v1/events and /healthz.
type HTTPConfig struct {
	Addr string `json:"addr" validate:"required"`
	// IngestToken guards POST /v1/events. Empty disables the endpoint.
	IngestToken     string `json:"ingest_token,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// StorageConfig selects the sqlite database backing the directory and,
// by default, the dedup mirror.
//
// Example:
//
//	storage:
//	  path: ./taskbell.db
//	  dedup: redis
//	  redis: { addr: "127.0.0.1:6379" }
type StorageConfig struct {
	Path        string      `json:"path" validate:"required"`
	BusyTimeout string      `json:"busy_timeout,omitempty"`
	Dedup       string      `json:"dedup,omitempty" validate:"omitempty,oneof=sqlite redis none"`
	Redis       RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty" validate:"required_if=Enabled true"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty" validate:"gte=0"`
	Prefix   string `json:"prefix,omitempty"`
	// Enabled is derived from storage.dedup and never read from the file.
	Enabled bool `json:"-"`
}

type MailConfig struct {
	Enabled       bool   `json:"enabled"`
	Host          string `json:"host,omitempty" validate:"required_if=Enabled true"`
	Port          int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	From          string `json:"from,omitempty" validate:"required_if=Enabled true"`
	Timeout       string `json:"timeout,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	RetryMax      int    `json:"retry_max,omitempty" validate:"gte=0"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	VerifyOnStart bool   `json:"verify_on_start"`
}

type RealtimeConfig struct {
	JWTSecret      string   `json:"jwt_secret" validate:"required,min=16"`
	Issuer         string   `json:"issuer,omitempty"`
	PingInterval   string   `json:"ping_interval,omitempty"`
	WriteTimeout   string   `json:"write_timeout,omitempty"`
	SendBuffer     int      `json:"send_buffer,omitempty" validate:"gte=0"`
	MaxMessageSize int64    `json:"max_message_size,omitempty" validate:"gte=0"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

type NotifierConfig struct {
	// DigestSchedule and JanitorSchedule take "15m", "00:15" or a cron
	// expression such as "cron:0 8 * * 1-5".
	DigestSchedule  string   `json:"digest_schedule,omitempty"`
	JanitorSchedule string   `json:"janitor_schedule,omitempty"`
	Timezone        string   `json:"timezone,omitempty"`
	SendTimeout     string   `json:"send_timeout,omitempty"`
	DedupWindow     string   `json:"dedup_window,omitempty"`
	UserTTL         string   `json:"user_ttl,omitempty"`
	ExtraEventTypes []string `json:"extra_event_types,omitempty"`
}

// DebugConfig holds operator tooling that is off by default.
type DebugConfig struct {
	Pprof PprofConfig `json:"pprof"`
}

// PprofConfig serves /debug/pprof on its own listener. A non-loopback addr
// needs a token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}
