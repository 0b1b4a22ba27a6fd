// Package main is the entry point for the usbgate workstation agent. The
// agent watches udev for USB storage attachments, asks the server for an
// admission decision for the active desktop user, and mounts approved
// devices. It must run as root: mounting, session discovery, and reading
// other users' process environments all require it.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/usbgate/usbgate/internal/agent"
	"github.com/usbgate/usbgate/internal/config"
	"github.com/usbgate/usbgate/internal/safego"
	"github.com/usbgate/usbgate/internal/telemetry"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("usbgate-agent v%s\n", version)
		return nil
	}

	cfg, err := config.LoadAgent(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if os.Geteuid() != 0 {
		return fmt.Errorf("the agent must run as root")
	}

	resolver := agent.NewSessionResolver()
	policy := agent.NewPolicyClient(
		agent.NewClient(&cfg.Server),
		resolver,
		agent.NewExecMountManager(),
		agent.NewDesktopNotifier(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		slog.Info("shutting down agent")
		cancel()
	}()

	listener := agent.NewListener(cfg, resolver, policy)
	safego.Go(func() { listener.Run(ctx) })

	slog.Info("agent started",
		"server", cfg.Server.URL,
		"retry_attempts", cfg.Server.RetryAttempts,
		"timeout", cfg.Server.Timeout,
	)

	// Attach events are resolved one at a time; the check round trip for one
	// device completes before the next event is read.
	monitor := agent.NewMonitor()
	err = monitor.Run(ctx, func(ev agent.DeviceEvent) {
		switch ev.Action {
		case "add":
			policy.HandleAttach(ctx, ev.Attach)
		case "remove":
			policy.HandleDetach(ev.Attach.DeviceNode)
		}
	})
	if err == context.Canceled {
		return nil
	}
	return err
}
