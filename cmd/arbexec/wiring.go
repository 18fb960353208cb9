package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"

	"arb-executor/internal/alert"
	"arb-executor/internal/config"
	"arb-executor/internal/core"
	"arb-executor/internal/exchange"
	"arb-executor/internal/exchange/binance"
	"arb-executor/internal/exchange/paper"
	"arb-executor/internal/execution"
	"arb-executor/internal/safety"
	"arb-executor/internal/scheduler"
	"arb-executor/internal/taskstore"
)

// configKeyField is the metadata entry linking a persisted task to the
// tasks[] entry that submitted it.
const configKeyField = "config_key"

func openStore(ctx context.Context, cfg config.Config) (taskstore.Store, error) {
	pg := cfg.State.Postgres
	return taskstore.Open(ctx, taskstore.Options{
		Backend:    cfg.State.Backend,
		Dir:        cfg.State.Dir,
		SQLitePath: cfg.State.SQLitePath,
		Postgres: taskstore.PostgresOptions{
			Host:       pg.Host,
			Port:       pg.Port,
			User:       pg.User,
			Password:   pg.Password,
			Database:   pg.Database,
			SSLMode:    pg.SSLMode,
			Params:     pg.Params,
			ConnString: pg.DSN,
		},
	})
}

func acquireLock(cfg config.Config) (*taskstore.InstanceLock, error) {
	takeover := true
	if cfg.State.LockTakeover != nil {
		takeover = *cfg.State.LockTakeover
	}
	return taskstore.AcquireLock(cfg.State.Dir, taskstore.LockOptions{
		Takeover:   takeover,
		StaleAfter: time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
}

func buildAlertManager(cfg config.Config) (*alert.Manager, error) {
	tg := cfg.Observability.Telegram
	var notifier alert.Notifier = alert.LogNotifier{}
	if tg.Enabled {
		n, err := alert.NewTelegramNotifier(alert.TelegramOptions{
			BotToken: tg.BotToken,
			ChatID:   tg.ChatID,
			BaseURL:  tg.APIBaseURL,
			Timeout:  time.Duration(tg.TimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		notifier = n
	}
	return alert.NewManager(cfg.InstanceID, notifier, alert.ManagerOptions{
		DropReportInterval: time.Duration(cfg.Observability.AlertDropReportSec) * time.Second,
	}), nil
}

func newBreaker(name string, cb config.CircuitBreakerConfig, alerts alert.Alerter) *safety.Breaker {
	b := safety.NewBreaker(name, safety.BreakerOptions{
		Enabled:              cb.Enabled,
		MaxPlaceFailures:     cb.MaxPlaceFailures,
		MaxCancelFailures:    cb.MaxCancelFailures,
		MaxReconnectFailures: cb.MaxReconnectFailures,
		Cooldown:             time.Duration(cb.CooldownSec) * time.Second,
		HalfOpenSuccesses:    cb.ProbePasses,
	})
	if alerts != nil {
		b.SetAlerter(alerts)
	}
	return b
}

// buildExchanges registers every configured venue behind its rate limiter
// and circuit breaker. Binance venues are built first so that paper venues
// can quote from them.
func buildExchanges(cfg config.Config, alerts alert.Alerter) (*exchange.Registry, error) {
	reg := exchange.NewRegistry()
	fail := func(err error) (*exchange.Registry, error) {
		if cerr := reg.Close(); cerr != nil {
			log.Printf("level=WARN event=exchange_close_failed err=%q", cerr.Error())
		}
		return nil, err
	}
	for _, ec := range cfg.Exchanges {
		if ec.Kind != config.ExchangeBinance {
			continue
		}
		breaker := newBreaker(ec.Name, cfg.CircuitBreaker, alerts)
		client, err := binance.NewClient(binance.Options{
			Name:                   ec.Name,
			APIKey:                 ec.APIKey,
			APISecret:              ec.APISecret,
			RestBaseURL:            ec.RestBaseURL,
			WSBaseURL:              ec.WSBaseURL,
			RecvWindowMs:           ec.RecvWindowMs,
			HTTPTimeoutSec:         ec.HTTPTimeoutSec,
			UserStreamKeepaliveSec: ec.UserStreamKeepaliveSec,
			ReconnectGuard:         breaker,
		})
		if err != nil {
			return fail(fmt.Errorf("exchange %s: %w", ec.Name, err))
		}
		if err := register(reg, ec, client, breaker); err != nil {
			return fail(err)
		}
	}
	for _, ec := range cfg.Exchanges {
		if ec.Kind != config.ExchangePaper {
			continue
		}
		venue, err := newPaperExchange(ec, reg)
		if err != nil {
			return fail(fmt.Errorf("exchange %s: %w", ec.Name, err))
		}
		if err := register(reg, ec, venue, newBreaker(ec.Name, cfg.CircuitBreaker, alerts)); err != nil {
			return fail(err)
		}
	}
	return reg, nil
}

func register(reg *exchange.Registry, ec config.ExchangeConfig, inner exchange.Exchange, breaker *safety.Breaker) error {
	limited := exchange.NewLimited(inner, ec.RateLimitPerSec, ec.RateLimitBurst)
	if err := reg.Register(ec.Name, safety.NewGuardedExchange(limited, breaker)); err != nil {
		return err
	}
	log.Printf("level=INFO event=exchange_registered name=%s kind=%s rate_limit=%g burst=%d", ec.Name, ec.Kind, ec.RateLimitPerSec, ec.RateLimitBurst)
	return nil
}

func newPaperExchange(ec config.ExchangeConfig, reg *exchange.Registry) (*paper.Exchange, error) {
	var opts []paper.Option
	if ec.Paper.QuoteSource != "" {
		src, err := reg.Get(ec.Paper.QuoteSource)
		if err != nil {
			return nil, fmt.Errorf("quote_source: %w", err)
		}
		opts = append(opts, paper.WithQuoteSource(src))
	}
	venue := paper.New(ec.Name, opts...)
	if err := venue.SetFees(ec.Paper.MakerFeeRate.Decimal); err != nil {
		return nil, err
	}
	for symbol, sc := range ec.Paper.Symbols {
		venue.SetRules(symbol, core.Rules{
			MinQty:      sc.MinQty.Decimal,
			MinNotional: sc.MinNotional.Decimal,
			PriceTick:   sc.PriceTick.Decimal,
			QtyStep:     sc.QtyStep.Decimal,
		})
		if sc.Bid.Sign() > 0 && sc.Ask.Sign() > 0 {
			venue.SetTopOfBook(core.TopOfBook{Symbol: symbol, BidPrice: sc.Bid.Decimal, AskPrice: sc.Ask.Decimal})
		}
	}
	return venue, nil
}

func newScheduler(cfg config.Config, store taskstore.Store, env execution.Env, alerts alert.Alerter) *scheduler.TaskManager {
	sc := cfg.Scheduler
	tm := scheduler.New(store, scheduler.Options{
		DefaultInterval: time.Duration(sc.DefaultIntervalMs) * time.Millisecond,
		TickTimeout:     time.Duration(sc.TickTimeoutSec) * time.Second,
		CleanupCron:     sc.CleanupCron,
		CleanupMaxAge:   time.Duration(sc.CleanupMaxAgeHours) * time.Hour,
		Alerter:         alerts,
	})
	restore := func(rec taskstore.Record) (execution.StateMachine, error) {
		return execution.Restore(rec, env)
	}
	tm.RegisterDecoder(execution.KindIceberg, restore)
	tm.RegisterDecoder(execution.KindDeltaNeutral, restore)
	return tm
}

// buildMachine turns one tasks[] entry into a fresh state machine tagged
// with its config key.
func buildMachine(tc config.TaskConfig, env execution.Env) (execution.StateMachine, error) {
	metadata := make(map[string]string, len(tc.Metadata)+1)
	for k, v := range tc.Metadata {
		metadata[k] = v
	}
	metadata[configKeyField] = tc.Key
	timeout := time.Duration(tc.TimeoutSec) * time.Second

	switch tc.Kind {
	case config.TaskIceberg:
		m, err := execution.NewIceberg(execution.IcebergParams{
			Exchange:       tc.Exchange,
			Symbol:         tc.Symbol,
			Side:           core.Side(tc.Side),
			TargetQty:      tc.TargetQty.Decimal,
			SliceQty:       tc.SliceQty.Decimal,
			OffsetTicks:    tc.OffsetTicks,
			ToleranceTicks: tc.ToleranceTicks,
			MinUnit:        tc.MinUnit.Decimal,
			Timeout:        timeout,
			Metadata:       metadata,
		}, env)
		if err != nil {
			return nil, err
		}
		return m, nil
	case config.TaskDeltaNeutral:
		leg := func(name string) execution.LegParams {
			return execution.LegParams{Exchange: name, OffsetTicks: tc.OffsetTicks, ToleranceTicks: tc.ToleranceTicks}
		}
		m, err := execution.NewDeltaNeutral(execution.DeltaNeutralParams{
			Symbol:        tc.Symbol,
			Buy:           leg(tc.BuyExchange),
			Sell:          leg(tc.SellExchange),
			TargetQty:     tc.TargetQty.Decimal,
			SliceQty:      tc.SliceQty.Decimal,
			MinUnit:       tc.MinUnit.Decimal,
			MaxRecoveries: tc.MaxRecoveries,
			Timeout:       timeout,
			Metadata:      metadata,
		}, env)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported task kind %q", tc.Kind)
	}
}

// submittedKeys collects config keys already present in any bucket so a
// restart does not submit the same entry twice.
func submittedKeys(ctx context.Context, store taskstore.Store) (map[string]string, error) {
	keys := make(map[string]string)
	for _, bucket := range []taskstore.Bucket{taskstore.BucketActive, taskstore.BucketCompleted, taskstore.BucketErrored} {
		records, err := store.List(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", bucket, err)
		}
		for _, rec := range records {
			md, err := execution.RecordMetadata(rec)
			if err != nil {
				log.Printf("level=WARN event=task_metadata_unreadable task_id=%q err=%q", rec.TaskID, err.Error())
				continue
			}
			if key := md[configKeyField]; key != "" {
				keys[key] = rec.TaskID
			}
		}
	}
	return keys, nil
}

// submitConfigTasks adds every tasks[] entry not submitted by an earlier run.
func submitConfigTasks(ctx context.Context, cfg config.Config, store taskstore.Store, tm *scheduler.TaskManager, env execution.Env) (int, error) {
	seen, err := submittedKeys(ctx, store)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, tc := range cfg.Tasks {
		if id, ok := seen[tc.Key]; ok {
			log.Printf("level=INFO event=config_task_skipped key=%q task_id=%q", tc.Key, id)
			continue
		}
		m, err := buildMachine(tc, env)
		if err != nil {
			return added, fmt.Errorf("task %s: %w", tc.Key, err)
		}
		if _, err := tm.AddTask(ctx, m, scheduler.WithInterval(time.Duration(tc.IntervalMs)*time.Millisecond)); err != nil {
			m.Close()
			return added, fmt.Errorf("task %s: %w", tc.Key, err)
		}
		added++
	}
	return added, nil
}

func startProfiler(cfg config.Config) (func(), error) {
	pc := cfg.Observability.Pyroscope
	if !pc.Enabled {
		return func() {}, nil
	}
	tags := map[string]string{"instance": cfg.InstanceID}
	if host, err := os.Hostname(); err == nil {
		tags["hostname"] = host
	}
	for k, v := range pc.Tags {
		tags[k] = v
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: pc.ApplicationName,
		ServerAddress:   pc.ServerAddress,
		Tags:            tags,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start pyroscope: %w", err)
	}
	log.Printf("level=INFO event=profiler_started server=%q app=%q", pc.ServerAddress, pc.ApplicationName)
	return func() {
		if err := profiler.Stop(); err != nil {
			log.Printf("level=WARN event=profiler_stop_failed err=%q", err.Error())
		}
	}, nil
}

// anyErrored reports whether a task ended in ERROR during this run.
func anyErrored(st scheduler.Status) bool {
	for _, ts := range st.Tasks {
		if ts.Status == execution.StatusError {
			return true
		}
	}
	return false
}

// allSettled reports whether every task has a sealed final record and
// will not be scheduled again.
func allSettled(st scheduler.Status) bool {
	if len(st.Tasks) == 0 {
		return false
	}
	for _, ts := range st.Tasks {
		if !ts.Finalized {
			return false
		}
	}
	return true
}
