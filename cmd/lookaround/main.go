package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"lookaround/internal/config"
	"lookaround/internal/logging"
	"lookaround/internal/web"
)

const flagConfig = "config"

var configFlag = &cli.StringFlag{
	Name:    flagConfig,
	Aliases: []string{"c"},
	Value:   "./dev.yaml",
	Usage:   "load configuration from `FILE`",
}

func newApp() *cli.App {
	return &cli.App{
		Name:            "lookaround",
		Usage:           "drive a camera rotation from handset orientation",
		HideHelpCommand: true,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the controller, render loop and web API",
				Flags:  []cli.Flag{configFlag},
				Action: runAction,
			},
			{
				Name:   "check",
				Usage:  "validate a config file and exit",
				Flags:  []cli.Flag{configFlag},
				Action: checkAction,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "lookaround: %v\n", err)
		os.Exit(1)
	}
}

func checkAction(c *cli.Context) error {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "config ok: mode=%s listen=%s render=%s udp=%t\n",
		cfg.Platform.Mode, cfg.Web.Listen, cfg.Render.Interval, cfg.UDP.Enable)
	return nil
}

func runAction(c *cli.Context) error {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	logs := web.NewLogBuffer(cfg.Log.BufferLines)
	logger, err := logging.New(cfg.Log, logs)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(cfg, logger, logs)
	if err != nil {
		return err
	}

	logger.Info("lookaround starting")
	runErr := rt.run(ctx)
	logger.Info("lookaround stopping")
	if err := rt.close(); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}
