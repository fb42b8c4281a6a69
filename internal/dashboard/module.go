package dashboard

import (
	"context"

	"github.com/opoznienia/latencymon/internal/latency"
	"go.uber.org/fx"
)

// Module wires the dashboard server into the application's fx graph.
var Module = fx.Module("dashboard",
	fx.Provide(New),
	fx.Invoke(registerLifecycle),
)

// New constructs the Server from its fx-provided dependencies.
func New(cfg Config, store *latency.Store) *Server {
	return NewServer(cfg, store)
}

func registerLifecycle(lc fx.Lifecycle, s *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop()
		},
	})
}
