package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/exchange/orchestrator/internal/janitor"
	"github.com/exchange/orchestrator/internal/ledger"
	"github.com/exchange/orchestrator/internal/repository"
	"github.com/exchange/orchestrator/pkg/logger"
)

type janitorConfig struct {
	DBURL string
	TTL   time.Duration
	Batch int
	Cron  string
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
	exitFunc(code)
}

func parseFlags(args []string) (janitorConfig, error) {
	fs := flag.NewFlagSet("janitor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg janitorConfig
	fs.StringVar(&cfg.DBURL, "db-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	fs.DurationVar(&cfg.TTL, "ttl", 10*time.Minute, "operations older than this are expired")
	fs.IntVar(&cfg.Batch, "batch", 100, "operations expired per query")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled runs; empty runs once")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.DBURL) == "" {
		return cfg, errors.New("missing required --db-url")
	}
	if cfg.TTL <= 0 {
		return cfg, errors.New("--ttl must be positive")
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	db, err := opener(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping database: %v\n", err)
		return 2
	}

	log := logger.New("orchestrator-janitor", out)
	reaper := janitor.NewReaper(ledger.New(repository.NewOperationRepository(db), log), cfg.TTL, cfg.Batch, log, nil)

	if strings.TrimSpace(cfg.Cron) == "" {
		if _, err := reaper.RunOnce(ctx); err != nil {
			fmt.Fprintln(errOut, err.Error())
			return 1
		}
		return 0
	}
	return runScheduled(ctx, cfg, reaper, errOut)
}

func runScheduled(ctx context.Context, cfg janitorConfig, reaper *janitor.Reaper, errOut io.Writer) int {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if _, err := reaper.RunOnce(ctx); err != nil {
		fmt.Fprintf(errOut, "initial run failed: %v\n", err)
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := reaper.RunOnce(ctx); err != nil {
			fmt.Fprintf(errOut, "scheduled run failed: %v\n", err)
		}
	}))

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return 0
}
