// Meshcall CLI entry point.
//
// This tool joins a small group call: every participant keeps a direct
// WebRTC link to every other one, while a WebSocket relay carries
// signaling, chat and the shared whiteboard. The same binary also runs the
// development relay.
//
// Settings come from flags, MESHCALL_* environment variables (a .env file
// is honoured), and an optional config file. Missing session or name are
// prompted for interactively.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/1ureka/meshcall/internal/app"
	"github.com/1ureka/meshcall/internal/config"
	"github.com/1ureka/meshcall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "meshcall",
		Usage:   "peer-to-peer group calls with chat and a shared whiteboard",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "config file (yaml, json or toml)", EnvVars: []string{"MESHCALL_CONFIG"}},
			&cli.StringFlag{Name: "metrics", Usage: "serve Prometheus metrics on this address"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Before: func(c *cli.Context) error {
			// A missing .env is fine.
			_ = godotenv.Load()
			if c.Bool("debug") {
				util.EnableDebug()
			}
			pterm.Info.Println(fmt.Sprintf("Meshcall — v%s", version))
			pterm.Println()
			return nil
		},
		Commands: []*cli.Command{joinCommand(), relayCommand()},
	}
}

func joinCommand() *cli.Command {
	return &cli.Command{
		Name:  "join",
		Usage: "join a call session",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "relay", Aliases: []string{"r"}, Usage: "relay WebSocket URL"},
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "session ID"},
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "display name"},
			&cli.StringFlag{Name: "id", Usage: "participant ID (random when empty)"},
			&cli.StringFlag{Name: "role", Usage: "participant role"},
			&cli.StringSliceFlag{Name: "ice", Usage: "STUN server URL, repeatable"},
			&cli.StringFlag{Name: "camera", Usage: "IVF file used as the camera"},
			&cli.StringFlag{Name: "mic", Usage: "Ogg/Opus file used as the microphone"},
			&cli.StringFlag{Name: "screen", Usage: "IVF file used as the screen"},
			&cli.BoolFlag{Name: "no-video", Usage: "join without a camera"},
			&cli.BoolFlag{Name: "no-audio", Usage: "join without a microphone"},
			&cli.StringFlag{Name: "snapshot", Usage: "save the whiteboard as PNG when leaving"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c, map[string]string{
				"relay":    "relay_url",
				"session":  "session_id",
				"name":     "display_name",
				"id":       "participant_id",
				"role":     "role",
				"camera":   "media.camera",
				"mic":      "media.microphone",
				"screen":   "media.screen",
				"snapshot": "snapshot_path",
			})
			if err != nil {
				return err
			}

			wsURL, err := normalizeWSURL(cfg.RelayURL)
			if err != nil {
				return err
			}
			cfg.RelayURL = wsURL

			if cfg.SessionID == "" {
				cfg.SessionID = ask("Session ID")
			}
			if cfg.DisplayName == "" {
				cfg.DisplayName = ask("Display name")
			}
			if err := cfg.Validate(config.ModeJoin); err != nil {
				return err
			}

			if err := app.RunJoin(c.Context, cfg, os.Stdin); err != nil {
				return err
			}
			util.LogInfo("left session %s", cfg.SessionID)
			return nil
		},
	}
}

func relayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "run the development signaling relay",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "listen address"},
			&cli.IntFlag{Name: "max", Usage: "maximum participants per session"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c, map[string]string{
				"listen": "relay.listen",
			})
			if err != nil {
				return err
			}
			if err := cfg.Validate(config.ModeRelay); err != nil {
				return err
			}
			return app.RunRelay(c.Context, cfg)
		},
	}
}

// loadConfig maps the flags the user actually set onto config keys, so that
// unset flags never shadow the environment or the config file.
func loadConfig(c *cli.Context, stringFlags map[string]string) (*config.Config, error) {
	overrides := make(map[string]any)
	for flag, key := range stringFlags {
		if c.IsSet(flag) {
			overrides[key] = c.String(flag)
		}
	}
	if c.IsSet("metrics") {
		overrides["metrics_addr"] = c.String("metrics")
	}
	if c.IsSet("debug") {
		overrides["debug"] = c.Bool("debug")
	}
	if c.IsSet("ice") {
		overrides["ice_servers"] = c.StringSlice("ice")
	}
	if c.IsSet("no-video") {
		overrides["media.video"] = !c.Bool("no-video")
	}
	if c.IsSet("no-audio") {
		overrides["media.audio"] = !c.Bool("no-audio")
	}
	if c.IsSet("max") {
		overrides["relay.max_participants"] = c.Int("max")
	}

	cfg, err := config.Load(c.String("config"), overrides)
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		util.EnableDebug()
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a relay URL and points it at the /ws endpoint.
// Bare hosts default to wss; http(s) schemes map to ws(s).
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}

	scheme := "wss"
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// ask prompts until a non-empty answer is entered.
func ask(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		pterm.Println()

		if v := strings.TrimSpace(raw); v != "" {
			return v
		}
		util.LogWarning("%s cannot be empty", strings.ToLower(prompt))
	}
}
