package mdns

import (
	"context"

	"github.com/opoznienia/latencymon/internal/latency"
	"github.com/opoznienia/latencymon/internal/randsrc"
	"go.uber.org/fx"
)

// Module wires the mDNS engine into the application's fx graph.
var Module = fx.Module("discovery/mdns",
	fx.Provide(New),
	fx.Invoke(registerLifecycle),
)

// New constructs the Engine from its fx-provided dependencies.
func New(cfg Config, store *latency.Store) *Engine {
	return NewEngine(cfg, store, randsrc.System)
}

func registerLifecycle(lc fx.Lifecycle, e *Engine) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return e.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			return e.Stop()
		},
	})
}
