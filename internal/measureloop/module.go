package measureloop

import (
	"context"
	"time"

	"github.com/opoznienia/latencymon/internal/latency"
	"github.com/opoznienia/latencymon/internal/probe/icmpprobe"
	"github.com/opoznienia/latencymon/internal/probe/tcpprobe"
	"github.com/opoznienia/latencymon/internal/probe/udpprobe"
	"go.uber.org/fx"
)

// Module wires the measurement loop into the application's fx graph.
var Module = fx.Module("measureloop",
	fx.Provide(newFromComponents),
	fx.Invoke(registerLifecycle),
)

// Params groups the fx-provided dependencies New needs, alongside the
// measurement interval (provided as a bare time.Duration value by the
// application's top-level config wiring).
type Params struct {
	fx.In
	Store    *latency.Store
	UDP      *udpprobe.Prober
	ICMP     *icmpprobe.Prober
	TCP      *tcpprobe.Prober
	Interval time.Duration `name:"measurementInterval"`
}

func newFromComponents(p Params) *Loop {
	return New(p.Store, p.UDP, p.ICMP, p.TCP, p.Interval)
}

func registerLifecycle(lc fx.Lifecycle, l *Loop) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return l.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			return l.Stop()
		},
	})
}
