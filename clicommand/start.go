package clicommand

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/rpc"
	"github.com/shellgate/shellgate/internal/session"
	"github.com/shellgate/shellgate/logger"
	"github.com/urfave/cli"
)

const startHelpDescription = `Usage:

   shellgate start [arguments...]

Description:

   Starts the shellgate service. Requests arrive as newline-delimited JSON on
   stdin and responses leave on stdout, so all diagnostics go to stderr (or
   the configured log file). Commands are validated against the whitelist,
   optionally held for human approval, and executed under supervision.

Example:

   $ shellgate start --config ./shellgate.yml`

type StartConfig struct {
	Config         string `cli:"config"`
	StartDirectory string `cli:"start-directory"`
	LogLevel       string `cli:"log-level"`
	LogFile        string `cli:"log-file"`
	LogFormat      string `cli:"log-format"`
	ApprovalCenter bool   `cli:"approval-center"`
	NoColor        bool   `cli:"no-color"`
}

var StartCommand = cli.Command{
	Name:        "start",
	Usage:       "Starts the shellgate service on stdio",
	Description: startHelpDescription,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:   "config",
			Usage:  "Path to the configuration file",
			EnvVar: "MCP_SHELL_CONFIG_PATH",
		},
		cli.StringFlag{
			Name:   "start-directory",
			Usage:  "Directory command execution is anchored to",
			EnvVar: "MCP_SHELL_START_DIRECTORY",
		},
		cli.StringFlag{
			Name:   "log-level",
			Usage:  "Log level: debug, info, notice, warn, error, fatal",
			EnvVar: "MCP_SHELL_LOG_LEVEL",
		},
		cli.StringFlag{
			Name:   "log-file",
			Usage:  "Append logs to this file instead of stderr",
			EnvVar: "LOG_FILE",
		},
		cli.StringFlag{
			Name:   "log-format",
			Usage:  "Log format: text or json",
			EnvVar: "LOG_FORMAT",
		},
		cli.BoolFlag{
			Name:  "approval-center",
			Usage: "Launch the approval center on startup",
		},
		cli.BoolFlag{
			Name:   "no-color",
			Usage:  "Disable colored log output",
			EnvVar: "NO_COLOR",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if v := c.String("start-directory"); v != "" {
			cfg.StartDirectory = v
		}
		if v := c.String("log-level"); v != "" {
			cfg.Log.Level = v
		}
		if v := c.String("log-file"); v != "" {
			cfg.Log.File = v
		}
		if v := c.String("log-format"); v != "" {
			cfg.Log.Format = v
		}

		l, ring, closeLogs, err := buildLogger(cfg, c.Bool("no-color"))
		if err != nil {
			return err
		}
		defer closeLogs()

		sess, err := session.New(l, cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		if c.Bool("approval-center") {
			if _, err := sess.LaunchApprovalCenter(false, true); err != nil {
				l.Warn("[Start] Approval center failed to launch: %v", err)
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
			sig := <-signals
			l.Notice("[Start] Received %v, shutting down", sig)
			cancel()

			// A second signal skips the graceful drain.
			sig = <-signals
			l.Warn("[Start] Received %v again, exiting immediately", sig)
			os.Exit(1)
		}()

		l.Notice("[Start] shellgate ready (pid %d)", os.Getpid())
		dispatcher := rpc.New(l, ring, sess)
		if err := dispatcher.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

// buildLogger assembles the console/file printers plus the in-memory ring
// that backs the get_logs operation.
func buildLogger(cfg *config.Config, noColor bool) (logger.Logger, *logger.Ring, func(), error) {
	ring := logger.NewRing(logger.DefaultRingSize)
	closeLogs := func() {}

	var printer logger.Printer
	switch cfg.Log.Format {
	case "json":
		printer = logger.NewJSONPrinter(os.Stderr)
	default:
		text := logger.NewTextPrinter(os.Stderr)
		text.Colors = !noColor
		printer = text
	}

	if cfg.Log.File != "" {
		strategy := logger.RotationTruncate
		if cfg.Log.RotationStrategy == "rotate" {
			strategy = logger.RotationRotate
		}
		w, err := logger.NewRotatingWriter(cfg.Log.File, cfg.Log.MaxSizeMB, strategy, cfg.Log.KeepFiles)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		closeLogs = func() { w.Close() }
		printer = logger.NewTeePrinter(printer, logger.NewJSONPrinter(w))
	}

	l := logger.NewConsoleLogger(logger.NewTeePrinter(printer, ring), os.Exit)
	if level, err := logger.ParseLevel(cfg.Log.Level); err == nil {
		l.SetLevel(level)
	}
	return l, ring, closeLogs, nil
}
