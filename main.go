package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/eddielth/eds-sync/config"
	"github.com/eddielth/eds-sync/logger"
	"github.com/eddielth/eds-sync/pipeline"
)

// Exit codes
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

const usage = `Usage: eds-sync [-config config.yaml] <command>

Commands:
  once   run one sync cycle
  main   run sync cycles on schedule until interrupted
  test   run one cycle without sending data or writing checkpoints
  live   archive the current value of every point
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	flags := flag.NewFlagSet("eds-sync", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprint(stderr, usage)
		fmt.Fprintln(stderr, "\nFlags:")
		flags.PrintDefaults()
	}
	configPath := flags.String("config", "config.yaml", "path to the configuration file")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return exitUsage
	}

	command := flags.Arg(0)
	switch command {
	case "once", "main", "test", "live":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		flags.Usage()
		return exitUsage
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return exitError
	}

	lc := cfg.Logger
	if err := logger.InitFromConfig(lc.Level, lc.Format, lc.FilePath, lc.MaxSize, lc.MaxBackups, lc.Console); err != nil {
		fmt.Fprintf(stderr, "failed to initialize logger: %v\n", err)
		return exitError
	}
	defer logger.Close()

	a, err := newApp(ctx, cfg, command == "test")
	if err != nil {
		logger.Error("failed to initialize: %v", err)
		return exitError
	}
	defer a.Close()

	switch command {
	case "once", "test":
		report, err := a.orch.RunCycle(ctx)
		return cycleExitCode(report, err)
	case "live":
		n, err := a.orch.Live(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("live sync failed: %v", err)
			return exitError
		}
		logger.Info("archived %d live values", n)
		return exitOK
	default:
		if err := a.daemon(ctx, *configPath); err != nil {
			logger.Error("scheduler stopped: %v", err)
			return exitError
		}
		logger.Info("shutting down")
		return exitOK
	}
}

// cycleExitCode maps the outcome of a single cycle to an exit code. Group
// failures are retried by the next cycle and do not fail the run.
func cycleExitCode(report *pipeline.Report, err error) int {
	switch {
	case err == nil:
		logger.Info("cycle %s: %d sent, %d failed, %d skipped", report.CycleID,
			report.Count(pipeline.Succeeded), report.Count(pipeline.Failed), report.Count(pipeline.Skipped))
		return exitOK
	case errors.Is(err, context.Canceled):
		logger.Warn("cycle interrupted")
		return exitOK
	case errors.Is(err, config.ErrConfiguration):
		logger.Error("configuration error: %v", err)
		return exitError
	default:
		logger.Error("cycle failed: %v", err)
		return exitError
	}
}
