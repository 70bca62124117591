// Command fleetd runs the agent fleet control plane: it keeps the agent pool
// healthy, scales it, governs provider quotas, drains the outbound request
// queue and pauses projects that run out of quota.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"agentfleet/internal/kernel"
	"agentfleet/pkg/config"
	"agentfleet/pkg/logx"
	"agentfleet/pkg/version"
)

func main() {
	var (
		configPath  = flag.String("config", "fleet.yaml", "Path to the YAML config file")
		debug       = flag.String("debug", "", "Comma-separated debug domains (\"all\" for every domain)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("fleetd"))
		return
	}
	if *debug != "" {
		if *debug == "all" {
			logx.SetDebug(true)
		} else {
			logx.SetDebug(true, strings.Split(*debug, ",")...)
		}
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// Create context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	k, err := kernel.NewKernel(ctx, cfg)
	if err != nil {
		return err
	}
	if err := k.Start(); err != nil {
		_ = k.Stop()
		return err
	}
	logx.Infof("%s started (database %s, %d providers)", version.String("fleetd"), cfg.Database.Path, len(cfg.Providers))

	<-k.Context().Done()
	if ctx.Err() != nil {
		logx.Infof("Shutdown signal received, stopping...")
	} else {
		logx.Warnf("Kernel requested shutdown, stopping...")
	}
	return k.Stop()
}
