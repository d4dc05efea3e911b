package main

// ---------------------------------------------------------------------------
// cmd_up.go: start the guard service and REST API
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"

	"github.com/flowguard-project/flowguard/internal/api"
	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/flowguard-project/flowguard/internal/guard"
)

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "Build every component, then exit")
	quiet := fs.Bool("quiet", false, "Suppress banner and non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress banner and non-essential output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	if !*quiet {
		fmt.Fprint(os.Stderr, bannerText())
	}

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}

	warnings, validationErrs := cfg.Validate()
	if !*quiet {
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
	}
	if len(validationErrs) > 0 {
		for _, e := range validationErrs {
			fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), e)
		}
		errorf("config validation failed with %d error(s)", len(validationErrs))
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger := core.NewLogger(cfg.Logging)

	svc, err := guard.New(cfg, logger)
	if err != nil {
		errorf("creating guard service: %v", err)
	}

	if *dryRun {
		if err := svc.Shutdown(); err != nil {
			errorf("shutting down: %v", err)
		}
		fmt.Fprintf(os.Stdout, "%s Config valid. store=%s shared=%v bus=%v kafka=%v crypto=%v\n",
			green("✓"), cfg.Store.Driver, cfg.Shared.Enabled, cfg.Bus.Enabled, cfg.Kafka.Enabled, svc.Crypto != nil)
		os.Exit(0)
	}

	srv := api.NewServer(svc)
	if err := srv.Start(); err != nil {
		errorf("starting API server: %v", err)
	}
	// Stop taking requests before the recorder drains.
	svc.OnShutdown(func() error {
		if err := srv.Stop(); err != nil {
			warnf("stopping API server: %v", err)
		}
		return nil
	})

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s flowguard running, API on %s:%d\n", green("✓"), cfg.Server.Host, cfg.Server.Port)
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	if err := svc.Run(); err != nil {
		errorf("guard service: %v", err)
	}
	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s Stopped.\n", green("✓"))
	}
}
