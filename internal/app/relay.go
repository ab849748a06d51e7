package app

import (
	"context"

	"github.com/pterm/pterm"

	"github.com/1ureka/meshcall/internal/config"
	"github.com/1ureka/meshcall/internal/relay"
	"github.com/1ureka/meshcall/internal/telemetry"
)

// RunRelay serves the development relay until ctx is cancelled.
func RunRelay(ctx context.Context, cfg *config.Config) error {
	metrics := telemetry.New()
	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.MetricsAddr, metrics)
		if err != nil {
			return err
		}
		defer stop()
	}

	srv := relay.NewServer(relay.Options{
		MaxParticipants: cfg.Relay.MaxParticipants,
		ChatRate:        cfg.Relay.ChatRate,
		ChatBurst:       cfg.Relay.ChatBurst,
		Metrics:         metrics,
	})
	addr, err := srv.Start(cfg.Relay.Listen)
	if err != nil {
		return err
	}
	defer srv.Close()

	pterm.DefaultBox.WithTitle("meshcall relay").Println(
		pterm.Sprintf("Listen  : %s\nWS path : /ws\nMax     : %d per session", addr, cfg.Relay.MaxParticipants),
	)

	<-ctx.Done()
	return nil
}
