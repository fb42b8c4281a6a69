// Package config assembles the per-component configs from a single set of
// CLI flags, mirroring main.cc's RunConfiguration and parseArguments.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/opoznienia/latencymon/internal/dashboard"
	"github.com/opoznienia/latencymon/internal/discovery/mdns"
	"github.com/opoznienia/latencymon/internal/probe/icmpprobe"
	"github.com/opoznienia/latencymon/internal/probe/tcpprobe"
	"github.com/opoznienia/latencymon/internal/probe/udpprobe"
)

// RunConfig holds every component's config plus the top-level measurement
// loop interval, assembled from one CLI invocation.
type RunConfig struct {
	UDP       udpprobe.Config
	ICMP      icmpprobe.Config
	TCP       tcpprobe.Config
	MDNS      mdns.Config
	Dashboard dashboard.Config

	// MeasurementInterval is the sleep between probe rounds (main.cc's -t
	// flag, default 1s).
	MeasurementInterval time.Duration
}

// Default returns the configuration main.cc's unflagged invocation would
// produce.
func Default() RunConfig {
	return RunConfig{
		UDP:                 udpprobe.DefaultConfig(),
		ICMP:                icmpprobe.DefaultConfig(),
		TCP:                 tcpprobe.DefaultConfig(),
		MDNS:                mdns.DefaultConfig(),
		Dashboard:           dashboard.DefaultConfig(),
		MeasurementInterval: time.Second,
	}
}

// ParseFlags parses args (typically os.Args[1:]) into a RunConfig,
// matching main.cc's -u/-U/-t/-T/-v/-s flag surface. -t and -T take plain
// non-negative integer seconds (main.cc's parseToSeconds/isUnsignedInteger
// only ever accepts digit strings, e.g. "-t 2", not a Go duration string
// like "2s"); -v keeps its existing decimal-seconds-to-Duration handling.
// fs.Usage is left at its default; callers that want the original's
// "Usage: ..." wording can override it after this returns.
func ParseFlags(fs *flag.FlagSet, args []string) (RunConfig, error) {
	cfg := Default()

	var verboseSeconds float64
	measurementSeconds := int(cfg.MeasurementInterval / time.Second)
	lookupSeconds := int(cfg.MDNS.LookupInterval / time.Second)

	fs.IntVar(&cfg.UDP.Port, "u", cfg.UDP.Port, "UDP probe port")
	fs.IntVar(&cfg.Dashboard.Port, "U", cfg.Dashboard.Port, "terminal dashboard port")
	fs.IntVar(&measurementSeconds, "t", measurementSeconds,
		"interval between probe rounds, in whole seconds")
	fs.IntVar(&lookupSeconds, "T", lookupSeconds,
		"interval between mDNS queries, in whole seconds")
	fs.Float64Var(&verboseSeconds, "v", cfg.Dashboard.RefreshInterval.Seconds(),
		"terminal refresh period in seconds, decimal allowed")
	fs.BoolVar(&cfg.MDNS.AdvertiseTCP, "s", cfg.MDNS.AdvertiseTCP, "advertise the _ssh._tcp service")

	if err := fs.Parse(args); err != nil {
		return RunConfig{}, err
	}
	if fs.NArg() != 0 {
		return RunConfig{}, fmt.Errorf("config: unexpected positional arguments: %v", fs.Args())
	}
	if measurementSeconds < 0 {
		return RunConfig{}, fmt.Errorf("config: -t must be a non-negative number of seconds")
	}
	if lookupSeconds < 0 {
		return RunConfig{}, fmt.Errorf("config: -T must be a non-negative number of seconds")
	}

	cfg.MeasurementInterval = time.Duration(measurementSeconds) * time.Second
	cfg.MDNS.LookupInterval = time.Duration(lookupSeconds) * time.Second
	cfg.Dashboard.RefreshInterval = time.Duration(verboseSeconds * float64(time.Second))

	if err := cfg.MDNS.Validate(); err != nil {
		return RunConfig{}, err
	}

	return cfg, nil
}
