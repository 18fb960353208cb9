package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

const paperExchange = `
exchanges:
  - name: Paper
    kind: paper
    paper:
      maker_fee_rate: "0.001"
      symbols:
        btcusdt:
          min_qty: "0.01"
          min_notional: "5"
          price_tick: "0.1"
          qty_step: "0.01"
          bid: "100"
          ask: "100.1"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfgPath := writeTempConfig(t, paperExchange+`
tasks:
  - key: dn-1
    kind: delta_neutral
    symbol: btcusdt
    buy_exchange: paper
    sell_exchange: paper
    target_qty: "1"
    slice_qty: "0.1"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InstanceID != "default" {
		t.Fatalf("instance_id = %q, want default", cfg.InstanceID)
	}
	if cfg.State.Backend != BackendFile || cfg.State.Dir != "state" {
		t.Fatalf("state = %+v, want file backend in state/", cfg.State)
	}
	if cfg.State.LockTakeover == nil || !*cfg.State.LockTakeover {
		t.Fatalf("state.lock_takeover = %v, want true", cfg.State.LockTakeover)
	}
	if cfg.State.LockStaleSec != 600 {
		t.Fatalf("state.lock_stale_sec = %d, want 600", cfg.State.LockStaleSec)
	}
	if cfg.Scheduler.DefaultIntervalMs != 1000 || cfg.Scheduler.TickTimeoutSec != 30 {
		t.Fatalf("scheduler = %+v, want 1000ms interval and 30s tick timeout", cfg.Scheduler)
	}
	if cfg.Scheduler.CleanupMaxAgeHours != 168 {
		t.Fatalf("scheduler.cleanup_max_age_hours = %d, want 168", cfg.Scheduler.CleanupMaxAgeHours)
	}
	ex := cfg.Exchanges[0]
	if ex.Name != "paper" || ex.RateLimitBurst != 1 {
		t.Fatalf("exchange = %+v, want normalized paper with burst 1", ex)
	}
	if _, ok := ex.Paper.Symbols["BTCUSDT"]; !ok {
		t.Fatalf("paper.symbols = %v, want upper-cased BTCUSDT", ex.Paper.Symbols)
	}
	if !ex.Paper.MakerFeeRate.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("paper.maker_fee_rate = %s, want 0.001", ex.Paper.MakerFeeRate.String())
	}
	task := cfg.Tasks[0]
	if task.Symbol != "BTCUSDT" || task.MaxRecoveries != 5 {
		t.Fatalf("task = %+v, want BTCUSDT with max_recoveries 5", task)
	}
	if cfg.Observability.AlertDropReportSec != 60 {
		t.Fatalf("observability.alert_drop_report_sec = %d, want 60", cfg.Observability.AlertDropReportSec)
	}
	if cfg.CircuitBreaker.CooldownSec != 30 || cfg.CircuitBreaker.ProbePasses != 1 {
		t.Fatalf("circuit_breaker = %+v, want 30s cooldown and 1 probe", cfg.CircuitBreaker)
	}
}

func TestLoadBinanceDefaults(t *testing.T) {
	cfgPath := writeTempConfig(t, `
instance_id: Desk-A
exchanges:
  - name: binance
    kind: binance
    api_key: key
    api_secret: secret
state:
  backend: sqlite
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InstanceID != "desk-a" {
		t.Fatalf("instance_id = %q, want desk-a", cfg.InstanceID)
	}
	ex := cfg.Exchanges[0]
	if ex.RestBaseURL != "https://api.binance.com" {
		t.Fatalf("rest_base_url = %q", ex.RestBaseURL)
	}
	if ex.UserStreamKeepaliveSec != 30 || ex.RecvWindowMs != 5000 || ex.RateLimitPerSec != 10 {
		t.Fatalf("exchange = %+v, want binance defaults", ex)
	}
	if cfg.State.SQLitePath != filepath.Join("state", "tasks.db") {
		t.Fatalf("state.sqlite_path = %q, want state/tasks.db", cfg.State.SQLitePath)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	cfgPath := writeTempConfig(t, paperExchange+`
scheduler:
  unknown_field: 1
`)

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatalf("Load() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "field unknown_field not found") {
		t.Fatalf("Load() error = %q, want unknown field message", err.Error())
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "no exchanges",
			body: "instance_id: x\n",
			want: "at least one exchange",
		},
		{
			name: "unknown task exchange",
			body: paperExchange + `
tasks:
  - key: ice
    kind: iceberg
    symbol: BTCUSDT
    exchange: kraken
    side: BUY
    target_qty: "1"
    slice_qty: "0.1"
`,
			want: `exchange "kraken" is not configured`,
		},
		{
			name: "bad side",
			body: paperExchange + `
tasks:
  - key: ice
    kind: iceberg
    symbol: BTCUSDT
    exchange: paper
    side: HOLD
    target_qty: "1"
    slice_qty: "0.1"
`,
			want: "side must be BUY or SELL",
		},
		{
			name: "zero target",
			body: paperExchange + `
tasks:
  - key: ice
    kind: iceberg
    symbol: BTCUSDT
    exchange: paper
    side: SELL
    target_qty: "0"
    slice_qty: "0.1"
`,
			want: "target_qty must be > 0",
		},
		{
			name: "duplicate task key",
			body: paperExchange + `
tasks:
  - key: same
    kind: iceberg
    symbol: BTCUSDT
    exchange: paper
    side: SELL
    target_qty: "1"
    slice_qty: "0.1"
  - key: same
    kind: iceberg
    symbol: BTCUSDT
    exchange: paper
    side: BUY
    target_qty: "1"
    slice_qty: "0.1"
`,
			want: `duplicate key "same"`,
		},
		{
			name: "unknown backend",
			body: paperExchange + `
state:
  backend: redis
`,
			want: "state.backend must be",
		},
		{
			name: "postgres without host",
			body: paperExchange + `
state:
  backend: postgres
`,
			want: "state.postgres host/user/database",
		},
		{
			name: "binance ws scheme",
			body: `
exchanges:
  - name: binance
    kind: binance
    api_key: key
    api_secret: secret
    ws_base_url: https://ws-api.binance.com/ws-api/v3
`,
			want: "ws_base_url scheme must be ws or wss",
		},
		{
			name: "quote source must be binance",
			body: `
exchanges:
  - name: a
    kind: paper
    paper:
      quote_source: b
      symbols:
        BTCUSDT: {}
  - name: b
    kind: paper
    paper:
      symbols:
        BTCUSDT: {}
`,
			want: "quote_source must name a binance exchange",
		},
		{
			name: "telegram without token",
			body: paperExchange + `
observability:
  telegram:
    enabled: true
    chat_id: "1"
`,
			want: "bot_token is required",
		},
		{
			name: "stale lock window",
			body: paperExchange + `
state:
  lock_stale_sec: 90000
`,
			want: "state.lock_stale_sec must be between 0 and 86400",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.body))
			if err == nil {
				t.Fatalf("Load() error = nil, want %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %q, want %q", err.Error(), tc.want)
			}
		})
	}
}

func TestLoadStateLockTakeoverCanDisableExplicitly(t *testing.T) {
	cfgPath := writeTempConfig(t, paperExchange+`
state:
  lock_takeover: false
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.State.LockTakeover == nil {
		t.Fatalf("state.lock_takeover = nil, want false")
	}
	if *cfg.State.LockTakeover {
		t.Fatalf("state.lock_takeover = true, want false")
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	cfgPath := writeTempConfig(t, paperExchange+"\n---\ninstance_id: other\n")
	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("Load() error = nil, want multi-document error")
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write temp config failed: %v", err)
	}
	return path
}
