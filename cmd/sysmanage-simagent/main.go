// SysManage simulated agent - a reference client for the core server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sysmanage/core/internal/simagent"
)

func main() {
	showHelp := flag.Bool("help", false, "show usage")
	flag.BoolVar(showHelp, "h", false, "show usage")
	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().
		Str("hostname", cfg.Hostname).
		Str("server", cfg.ServerURL).
		Msg("simulated agent starting")

	a := simagent.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		cancel()
	}()

	a.Run(ctx)
}

func loadConfig() (simagent.Config, error) {
	cfg := simagent.Config{
		ServerURL:         os.Getenv("SYSMANAGE_SERVER_URL"),
		Hostname:          os.Getenv("SYSMANAGE_AGENT_HOSTNAME"),
		IPv4:              os.Getenv("SYSMANAGE_AGENT_IPV4"),
		IPv6:              os.Getenv("SYSMANAGE_AGENT_IPV6"),
		Platform:          os.Getenv("SYSMANAGE_AGENT_PLATFORM"),
		HeartbeatInterval: 30 * time.Second,
	}
	if cfg.ServerURL == "" {
		return cfg, fmt.Errorf("SYSMANAGE_SERVER_URL is required")
	}
	if cfg.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return cfg, fmt.Errorf("SYSMANAGE_AGENT_HOSTNAME is required when hostname detection fails: %w", err)
		}
		cfg.Hostname = hostname
	}
	if v := os.Getenv("SYSMANAGE_AGENT_HEARTBEAT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.HeartbeatInterval = time.Duration(secs) * time.Second
		}
	}
	return cfg, nil
}

func printUsage() {
	fmt.Print(`Usage: sysmanage-simagent [options]

Simulated SysManage agent - authenticates, connects over WebSocket,
registers, heartbeats, and answers commands and config pushes.

Options:
  -h, --help      Print this help and exit

Environment variables:
  SYSMANAGE_SERVER_URL                 Core server base URL (required)
  SYSMANAGE_AGENT_HOSTNAME             Override hostname detection
  SYSMANAGE_AGENT_IPV4                 Reported IPv4 address
  SYSMANAGE_AGENT_IPV6                 Reported IPv6 address
  SYSMANAGE_AGENT_PLATFORM             Reported platform (e.g. linux)
  SYSMANAGE_AGENT_HEARTBEAT_SECONDS    Heartbeat interval (default: 30)
`)
}
