package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type ExchangeKind string

type TaskKind string

const (
	ExchangeBinance ExchangeKind = "binance"
	ExchangePaper   ExchangeKind = "paper"
)

const (
	TaskIceberg      TaskKind = "iceberg"
	TaskDeltaNeutral TaskKind = "delta_neutral"
)

const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	InstanceID     string               `yaml:"instance_id"`
	State          StateConfig          `yaml:"state"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Exchanges      []ExchangeConfig     `yaml:"exchanges"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
	Tasks          []TaskConfig         `yaml:"tasks"`
}

type StateConfig struct {
	Backend      string         `yaml:"backend"`
	Dir          string         `yaml:"dir"`
	SQLitePath   string         `yaml:"sqlite_path"`
	Postgres     PostgresConfig `yaml:"postgres"`
	LockTakeover *bool          `yaml:"lock_takeover"`
	LockStaleSec int64          `yaml:"lock_stale_sec"`
}

type PostgresConfig struct {
	DSN      string            `yaml:"dsn"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	User     string            `yaml:"user"`
	Password string            `yaml:"password"`
	Database string            `yaml:"database"`
	SSLMode  string            `yaml:"sslmode"`
	Params   map[string]string `yaml:"params"`
}

type SchedulerConfig struct {
	RecoverTasks       bool   `yaml:"recover_tasks"`
	DefaultIntervalMs  int64  `yaml:"default_interval_ms"`
	TickTimeoutSec     int64  `yaml:"tick_timeout_sec"`
	CleanupCron        string `yaml:"cleanup_cron"`
	CleanupMaxAgeHours int64  `yaml:"cleanup_max_age_hours"`
}

type ExchangeConfig struct {
	Name                   string       `yaml:"name"`
	Kind                   ExchangeKind `yaml:"kind"`
	APIKey                 string       `yaml:"api_key"`
	APISecret              string       `yaml:"api_secret"`
	RestBaseURL            string       `yaml:"rest_base_url"`
	WSBaseURL              string       `yaml:"ws_base_url"`
	RecvWindowMs           int64        `yaml:"recv_window_ms"`
	HTTPTimeoutSec         int64        `yaml:"http_timeout_sec"`
	UserStreamKeepaliveSec int64        `yaml:"user_stream_keepalive_sec"`
	RateLimitPerSec        float64      `yaml:"rate_limit_per_sec"`
	RateLimitBurst         int          `yaml:"rate_limit_burst"`
	Paper                  PaperConfig  `yaml:"paper"`
}

type PaperConfig struct {
	// QuoteSource names another configured exchange whose book drives
	// matching.
	QuoteSource  string                       `yaml:"quote_source"`
	MakerFeeRate Decimal                      `yaml:"maker_fee_rate"`
	Symbols      map[string]PaperSymbolConfig `yaml:"symbols"`
}

type PaperSymbolConfig struct {
	MinQty      Decimal `yaml:"min_qty"`
	MinNotional Decimal `yaml:"min_notional"`
	PriceTick   Decimal `yaml:"price_tick"`
	QtyStep     Decimal `yaml:"qty_step"`
	Bid         Decimal `yaml:"bid"`
	Ask         Decimal `yaml:"ask"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPlaceFailures     int   `yaml:"max_place_failures"`
	MaxCancelFailures    int   `yaml:"max_cancel_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	CooldownSec          int64 `yaml:"cooldown_sec"`
	ProbePasses          int   `yaml:"probe_passes"`
}

type ObservabilityConfig struct {
	Telegram           TelegramConfig  `yaml:"telegram"`
	StatusAddr         string          `yaml:"status_addr"`
	AlertDropReportSec int64           `yaml:"alert_drop_report_sec"`
	Pyroscope          PyroscopeConfig `yaml:"pyroscope"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type PyroscopeConfig struct {
	Enabled         bool              `yaml:"enabled"`
	ServerAddress   string            `yaml:"server_address"`
	ApplicationName string            `yaml:"application_name"`
	Tags            map[string]string `yaml:"tags"`
}

// TaskConfig declares a task started by `run`. Key identifies the entry
// across restarts so it is submitted only once.
type TaskConfig struct {
	Key            string            `yaml:"key"`
	Kind           TaskKind          `yaml:"kind"`
	Symbol         string            `yaml:"symbol"`
	Exchange       string            `yaml:"exchange"`
	Side           string            `yaml:"side"`
	BuyExchange    string            `yaml:"buy_exchange"`
	SellExchange   string            `yaml:"sell_exchange"`
	TargetQty      Decimal           `yaml:"target_qty"`
	SliceQty       Decimal           `yaml:"slice_qty"`
	OffsetTicks    int64             `yaml:"offset_ticks"`
	ToleranceTicks int64             `yaml:"tolerance_ticks"`
	MinUnit        Decimal           `yaml:"min_unit"`
	MaxRecoveries  int               `yaml:"max_recoveries"`
	TimeoutSec     int64             `yaml:"timeout_sec"`
	IntervalMs     int64             `yaml:"interval_ms"`
	Metadata       map[string]string `yaml:"metadata"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.State.Backend = strings.ToLower(strings.TrimSpace(c.State.Backend))
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.State.SQLitePath = strings.TrimSpace(c.State.SQLitePath)
	c.Scheduler.CleanupCron = strings.TrimSpace(c.Scheduler.CleanupCron)
	for i := range c.Exchanges {
		ex := &c.Exchanges[i]
		ex.Name = strings.ToLower(strings.TrimSpace(ex.Name))
		ex.Kind = ExchangeKind(strings.ToLower(strings.TrimSpace(string(ex.Kind))))
		ex.APIKey = strings.TrimSpace(ex.APIKey)
		ex.APISecret = strings.TrimSpace(ex.APISecret)
		ex.RestBaseURL = strings.TrimSpace(ex.RestBaseURL)
		ex.WSBaseURL = strings.TrimSpace(ex.WSBaseURL)
		ex.Paper.QuoteSource = strings.ToLower(strings.TrimSpace(ex.Paper.QuoteSource))
		if len(ex.Paper.Symbols) > 0 {
			symbols := make(map[string]PaperSymbolConfig, len(ex.Paper.Symbols))
			for sym, rules := range ex.Paper.Symbols {
				symbols[strings.ToUpper(strings.TrimSpace(sym))] = rules
			}
			ex.Paper.Symbols = symbols
		}
	}
	for i := range c.Tasks {
		t := &c.Tasks[i]
		t.Key = strings.TrimSpace(t.Key)
		t.Kind = TaskKind(strings.ToLower(strings.TrimSpace(string(t.Kind))))
		t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
		t.Exchange = strings.ToLower(strings.TrimSpace(t.Exchange))
		t.Side = strings.ToUpper(strings.TrimSpace(t.Side))
		t.BuyExchange = strings.ToLower(strings.TrimSpace(t.BuyExchange))
		t.SellExchange = strings.ToLower(strings.TrimSpace(t.SellExchange))
	}
	c.Observability.StatusAddr = strings.TrimSpace(c.Observability.StatusAddr)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.Observability.Pyroscope.ServerAddress = strings.TrimSpace(c.Observability.Pyroscope.ServerAddress)
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.State.Backend == "" {
		c.State.Backend = BackendFile
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.Backend == BackendSQLite && c.State.SQLitePath == "" {
		c.State.SQLitePath = filepath.Join(c.State.Dir, "tasks.db")
	}
	if c.State.Backend == BackendPostgres && c.State.Postgres.DSN == "" {
		if c.State.Postgres.Port == 0 {
			c.State.Postgres.Port = 5432
		}
		if c.State.Postgres.SSLMode == "" {
			c.State.Postgres.SSLMode = "disable"
		}
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Scheduler.DefaultIntervalMs == 0 {
		c.Scheduler.DefaultIntervalMs = 1000
	}
	if c.Scheduler.TickTimeoutSec == 0 {
		c.Scheduler.TickTimeoutSec = 30
	}
	if c.Scheduler.CleanupMaxAgeHours == 0 {
		c.Scheduler.CleanupMaxAgeHours = 168
	}
	for i := range c.Exchanges {
		ex := &c.Exchanges[i]
		if ex.Kind != ExchangeBinance {
			continue
		}
		if ex.RestBaseURL == "" {
			ex.RestBaseURL = "https://api.binance.com"
		}
		if ex.WSBaseURL == "" {
			ex.WSBaseURL = "wss://ws-api.binance.com/ws-api/v3"
		}
		if ex.RecvWindowMs == 0 {
			ex.RecvWindowMs = 5000
		}
		if ex.HTTPTimeoutSec == 0 {
			ex.HTTPTimeoutSec = 15
		}
		if ex.UserStreamKeepaliveSec == 0 {
			ex.UserStreamKeepaliveSec = 30
		}
		if ex.RateLimitPerSec == 0 {
			ex.RateLimitPerSec = 10
		}
	}
	for i := range c.Exchanges {
		if c.Exchanges[i].RateLimitBurst == 0 {
			c.Exchanges[i].RateLimitBurst = 1
		}
	}
	for i := range c.Tasks {
		if c.Tasks[i].Kind == TaskDeltaNeutral && c.Tasks[i].MaxRecoveries == 0 {
			c.Tasks[i].MaxRecoveries = 5
		}
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.CircuitBreaker.ProbePasses == 0 {
		c.CircuitBreaker.ProbePasses = 1
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.AlertDropReportSec == 0 {
		c.Observability.AlertDropReportSec = 60
	}
	if c.Observability.Pyroscope.ApplicationName == "" {
		c.Observability.Pyroscope.ApplicationName = "arbexec"
	}
}

func (c Config) Validate() error {
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if err := c.State.validate(); err != nil {
		return err
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange is required")
	}
	kinds := make(map[string]ExchangeKind, len(c.Exchanges))
	for i, ex := range c.Exchanges {
		if err := ex.validate(); err != nil {
			return fmt.Errorf("exchanges[%d]: %w", i, err)
		}
		if _, dup := kinds[ex.Name]; dup {
			return fmt.Errorf("exchanges[%d]: duplicate name %q", i, ex.Name)
		}
		kinds[ex.Name] = ex.Kind
	}
	for i, ex := range c.Exchanges {
		src := ex.Paper.QuoteSource
		if ex.Kind != ExchangePaper || src == "" {
			continue
		}
		kind, ok := kinds[src]
		if !ok {
			return fmt.Errorf("exchanges[%d]: paper.quote_source %q is not a configured exchange", i, src)
		}
		if kind != ExchangeBinance {
			return fmt.Errorf("exchanges[%d]: paper.quote_source must name a binance exchange", i)
		}
	}
	keys := make(map[string]struct{}, len(c.Tasks))
	for i, t := range c.Tasks {
		if err := t.validate(kinds); err != nil {
			return fmt.Errorf("tasks[%d]: %w", i, err)
		}
		if _, dup := keys[t.Key]; dup {
			return fmt.Errorf("tasks[%d]: duplicate key %q", i, t.Key)
		}
		keys[t.Key] = struct{}{}
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_reconnect_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ProbePasses < 1 || c.CircuitBreaker.ProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.probe_passes must be between 1 and 20")
		}
	}
	return c.Observability.validate()
}

func (s StateConfig) validate() error {
	switch s.Backend {
	case BackendFile, BackendSQLite:
	case BackendPostgres:
		if s.Postgres.DSN == "" {
			if s.Postgres.Host == "" || s.Postgres.User == "" || s.Postgres.Database == "" {
				return fmt.Errorf("state.postgres host/user/database are required without dsn")
			}
			if s.Postgres.Port < 1 || s.Postgres.Port > 65535 {
				return fmt.Errorf("state.postgres.port must be between 1 and 65535")
			}
		}
	default:
		return fmt.Errorf("state.backend must be file, sqlite, or postgres")
	}
	if s.LockStaleSec < 0 || s.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	return nil
}

func (s SchedulerConfig) validate() error {
	if s.DefaultIntervalMs < 10 || s.DefaultIntervalMs > 3_600_000 {
		return fmt.Errorf("scheduler.default_interval_ms must be between 10 and 3600000")
	}
	if s.TickTimeoutSec < 1 || s.TickTimeoutSec > 600 {
		return fmt.Errorf("scheduler.tick_timeout_sec must be between 1 and 600")
	}
	if s.CleanupMaxAgeHours < 1 {
		return fmt.Errorf("scheduler.cleanup_max_age_hours must be >= 1")
	}
	return nil
}

func (e ExchangeConfig) validate() error {
	if !isValidInstanceID(e.Name) {
		return fmt.Errorf("name must match [a-z0-9_-], length 1..24")
	}
	if e.RateLimitPerSec < 0 {
		return fmt.Errorf("rate_limit_per_sec must be >= 0")
	}
	if e.RateLimitBurst < 1 {
		return fmt.Errorf("rate_limit_burst must be >= 1")
	}
	switch e.Kind {
	case ExchangeBinance:
		if e.APIKey == "" || e.APISecret == "" {
			return fmt.Errorf("api_key/api_secret are required for binance")
		}
		if e.RecvWindowMs < 1 || e.RecvWindowMs > 60000 {
			return fmt.Errorf("recv_window_ms must be between 1 and 60000")
		}
		if e.HTTPTimeoutSec < 1 || e.HTTPTimeoutSec > 120 {
			return fmt.Errorf("http_timeout_sec must be between 1 and 120")
		}
		if e.UserStreamKeepaliveSec < 1 || e.UserStreamKeepaliveSec > 3600 {
			return fmt.Errorf("user_stream_keepalive_sec must be between 1 and 3600")
		}
		if err := validateURL(e.RestBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("rest_base_url %v", err)
		}
		if err := validateURL(e.WSBaseURL, "ws", "wss"); err != nil {
			return fmt.Errorf("ws_base_url %v", err)
		}
	case ExchangePaper:
		if e.Paper.MakerFeeRate.Cmp(decimal.Zero) < 0 {
			return fmt.Errorf("paper.maker_fee_rate must be >= 0")
		}
		if len(e.Paper.Symbols) == 0 {
			return fmt.Errorf("paper.symbols must list at least one symbol")
		}
		for sym, rules := range e.Paper.Symbols {
			if !isValidSymbol(sym) {
				return fmt.Errorf("paper.symbols: symbol %q must match [A-Z0-9], length 6..20", sym)
			}
			for name, v := range map[string]Decimal{
				"min_qty": rules.MinQty, "min_notional": rules.MinNotional,
				"price_tick": rules.PriceTick, "qty_step": rules.QtyStep,
				"bid": rules.Bid, "ask": rules.Ask,
			} {
				if v.Cmp(decimal.Zero) < 0 {
					return fmt.Errorf("paper.symbols.%s.%s must be >= 0", sym, name)
				}
			}
			if rules.Bid.Cmp(decimal.Zero) > 0 && rules.Ask.Cmp(rules.Bid.Decimal) <= 0 {
				return fmt.Errorf("paper.symbols.%s ask must be above bid", sym)
			}
		}
	default:
		return fmt.Errorf("kind must be binance or paper")
	}
	return nil
}

func (t TaskConfig) validate(exchanges map[string]ExchangeKind) error {
	if t.Key == "" {
		return fmt.Errorf("key is required")
	}
	if !isValidSymbol(t.Symbol) {
		return fmt.Errorf("symbol must match [A-Z0-9], length 6..20")
	}
	if t.TargetQty.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("target_qty must be > 0")
	}
	if t.SliceQty.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("slice_qty must be > 0")
	}
	if t.MinUnit.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("min_unit must be >= 0")
	}
	if t.OffsetTicks < 0 || t.ToleranceTicks < 0 {
		return fmt.Errorf("offset_ticks/tolerance_ticks must be >= 0")
	}
	if t.TimeoutSec < 0 {
		return fmt.Errorf("timeout_sec must be >= 0")
	}
	if t.IntervalMs != 0 && (t.IntervalMs < 10 || t.IntervalMs > 3_600_000) {
		return fmt.Errorf("interval_ms must be 0 or between 10 and 3600000")
	}
	known := func(name string) error {
		if _, ok := exchanges[name]; !ok {
			return fmt.Errorf("exchange %q is not configured", name)
		}
		return nil
	}
	switch t.Kind {
	case TaskIceberg:
		if t.Side != "BUY" && t.Side != "SELL" {
			return fmt.Errorf("side must be BUY or SELL")
		}
		return known(t.Exchange)
	case TaskDeltaNeutral:
		if err := known(t.BuyExchange); err != nil {
			return fmt.Errorf("buy_exchange: %w", err)
		}
		if err := known(t.SellExchange); err != nil {
			return fmt.Errorf("sell_exchange: %w", err)
		}
		if t.MaxRecoveries < 0 {
			return fmt.Errorf("max_recoveries must be >= 0")
		}
		return nil
	default:
		return fmt.Errorf("kind must be iceberg or delta_neutral")
	}
}

func (o ObservabilityConfig) validate() error {
	if o.AlertDropReportSec < 0 || o.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.alert_drop_report_sec must be between 0 and 3600")
	}
	if o.Telegram.Enabled {
		if o.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if o.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if o.Telegram.TimeoutSec < 1 || o.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(o.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	if o.Pyroscope.Enabled {
		if err := validateURL(o.Pyroscope.ServerAddress, "http", "https"); err != nil {
			return fmt.Errorf("observability.pyroscope.server_address %v", err)
		}
	}
	return nil
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 6 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
