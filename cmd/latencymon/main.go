// Command latencymon discovers peers on the local network via mDNS and
// continuously measures UDP, ICMP, and TCP latency to each one, publishing
// the results on a telnet-style terminal dashboard. Grounded on main.cc.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/opoznienia/latencymon/internal/config"
	"github.com/opoznienia/latencymon/internal/dashboard"
	"github.com/opoznienia/latencymon/internal/discovery/mdns"
	"github.com/opoznienia/latencymon/internal/latency"
	"github.com/opoznienia/latencymon/internal/measureloop"
	"github.com/opoznienia/latencymon/internal/probe/icmpprobe"
	"github.com/opoznienia/latencymon/internal/probe/tcpprobe"
	"github.com/opoznienia/latencymon/internal/probe/udpprobe"
	"github.com/opoznienia/latencymon/pkg/lib/log"
)

var logger = log.Logger("latencymon/cmd")

func main() {
	if err := run(os.Args[1:]); err != nil {
		logger.Error("exiting", "err", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("latencymon", flag.ContinueOnError)
	cfg, err := config.ParseFlags(fs, args)
	if err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	printBanner(cfg)

	app := fx.New(
		fx.Supply(
			cfg.UDP,
			cfg.ICMP,
			cfg.TCP,
			cfg.MDNS,
			cfg.Dashboard,
		),
		fx.Supply(
			fx.Annotate(cfg.MeasurementInterval, fx.ResultTags(`name:"measurementInterval"`)),
		),
		fx.Provide(latency.NewStore),

		mdns.Module,
		udpprobe.Module,
		icmpprobe.Module,
		tcpprobe.Module,
		dashboard.Module,
		measureloop.Module,

		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("starting: %w", err)
	}

	fmt.Printf("latencymon running: dashboard on telnet port %d, probing UDP %d\n",
		cfg.Dashboard.Port, cfg.UDP.Port)
	waitForSignal()

	fmt.Println("shutting down...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return app.Stop(stopCtx)
}

func printBanner(cfg config.RunConfig) {
	logger.Info("starting latencymon",
		"udpPort", cfg.UDP.Port,
		"tcpPort", cfg.TCP.Port,
		"dashboardPort", cfg.Dashboard.Port,
		"measurementInterval", cfg.MeasurementInterval,
		"mdnsLookupInterval", cfg.MDNS.LookupInterval,
		"dashboardRefresh", cfg.Dashboard.RefreshInterval,
		"advertiseSSHTCP", cfg.MDNS.AdvertiseTCP,
	)
}

func waitForSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
}
