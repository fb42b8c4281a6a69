package udpprobe

import (
	"context"

	"github.com/opoznienia/latencymon/internal/latency"
	"go.uber.org/fx"
)

// Module wires the UDP prober into the application's fx graph.
var Module = fx.Module("probe/udp",
	fx.Provide(New),
	fx.Invoke(registerLifecycle),
)

// New constructs the Prober from its fx-provided dependencies.
func New(cfg Config, store *latency.Store) *Prober {
	return NewProber(cfg, store)
}

func registerLifecycle(lc fx.Lifecycle, p *Prober) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return p.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			return p.Stop()
		},
	})
}
