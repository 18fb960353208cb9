package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/urfave/cli/v3"

	"arb-executor/internal/config"
	"arb-executor/internal/execution"
	"arb-executor/internal/statusapi"
)

var errTasksFailed = errors.New("one or more tasks ended in ERROR")

const settlePollInterval = time.Second

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run configured and recovered tasks until stopped",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "recover",
				Usage: "Resume tasks from the active bucket (also enabled by scheduler.recover_tasks)",
			},
			&cli.BoolFlag{
				Name:  "exit-when-done",
				Usage: "Stop once every task is terminal and persisted",
				Value: true,
			},
		},
		Action: runAction,
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return run(ctx, cfg, runOptions{
		Recover:      cfg.Scheduler.RecoverTasks || cmd.Bool("recover"),
		ExitWhenDone: cmd.Bool("exit-when-done"),
	})
}

type runOptions struct {
	Recover      bool
	ExitWhenDone bool
}

func run(ctx context.Context, cfg config.Config, opts runOptions) error {
	lock, err := acquireLock(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Printf("level=WARN event=lock_release_failed err=%q", err.Error())
		}
	}()

	stopProfiler, err := startProfiler(cfg)
	if err != nil {
		return err
	}
	defer stopProfiler()

	alerts, err := buildAlertManager(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := alerts.Close(closeCtx); err != nil {
			log.Printf("level=WARN event=alert_close_failed err=%q", err.Error())
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("level=WARN event=store_close_failed err=%q", err.Error())
		}
	}()

	reg, err := buildExchanges(cfg, alerts)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Printf("level=WARN event=exchange_close_failed err=%q", err.Error())
		}
	}()

	env := execution.Env{Exchanges: reg}
	tm := newScheduler(cfg, store, env, alerts)
	if err := tm.Start(ctx, opts.Recover); err != nil {
		return err
	}
	added, err := submitConfigTasks(ctx, cfg, store, tm, env)
	if err != nil {
		tm.Stop()
		return err
	}
	log.Printf("level=INFO event=run_started instance=%s backend=%s config_tasks_added=%d tasks=%d", cfg.InstanceID, cfg.State.Backend, added, len(tm.TaskIDs()))

	var srv *statusapi.Server
	if cfg.Observability.StatusAddr != "" {
		srv = statusapi.NewServer(cfg.Observability.StatusAddr, tm)
		go func() {
			if err := srv.Start(); err != nil {
				log.Printf("level=ERROR event=status_api_failed err=%q", err.Error())
			}
		}()
	}

	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-ctx.Done():
			log.Printf("level=INFO event=shutdown_requested")
			break wait
		case <-ticker.C:
			if opts.ExitWhenDone && allSettled(tm.Status()) {
				log.Printf("level=INFO event=all_tasks_settled")
				break wait
			}
		}
	}

	tm.Stop()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("level=WARN event=status_api_shutdown_failed err=%q", err.Error())
		}
		cancel()
	}

	final := tm.Status()
	log.Printf("level=INFO event=run_stopped tasks=%d active=%d executions=%d", len(final.Tasks), final.ActiveTasks, final.TotalExecutions)
	if anyErrored(final) {
		return errTasksFailed
	}
	return nil
}
