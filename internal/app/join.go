// Package app contains the top-level orchestration for the join and relay
// commands.
package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/meshcall/internal/config"
	"github.com/1ureka/meshcall/internal/media"
	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/replog"
	"github.com/1ureka/meshcall/internal/session"
	"github.com/1ureka/meshcall/internal/signaling"
	"github.com/1ureka/meshcall/internal/telemetry"
	"github.com/1ureka/meshcall/internal/transport"
	"github.com/1ureka/meshcall/internal/util"
)

// RunJoin orchestrates one participant's whole session:
//  1. Expose metrics if configured
//  2. Build the pion API, the relay client and the peer registry
//  3. Open the file-backed capture devices
//  4. Join the session
//  5. Run the console until /quit, Ctrl+C or signaling loss
//  6. Leave: media, then links, then the relay
func RunJoin(ctx context.Context, cfg *config.Config, in io.Reader) error {
	// ── 1. Metrics ─────────────────────────────────────────────────────
	metrics := telemetry.New()
	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.MetricsAddr, metrics)
		if err != nil {
			return err
		}
		defer stop()
	}

	// ── 2. Signaling + peers ───────────────────────────────────────────
	api, err := transport.NewAPI()
	if err != nil {
		return err
	}

	client := signaling.NewClient(signaling.Options{
		URL:               cfg.RelayURL,
		DialTimeout:       cfg.DialTimeout,
		JoinTimeout:       cfg.JoinTimeout,
		ReconnectAttempts: cfg.Reconnect.Attempts,
		ReconnectDelay:    cfg.Reconnect.Delay,
	})
	factory, closeLinks := linkFactory(ctx, api, cfg.ICEServers)
	defer closeLinks()
	peers := peer.NewRegistry(factory, client, metrics)

	// ── 3. Media ───────────────────────────────────────────────────────
	ctrl := media.NewController(&media.FileCapturer{
		CameraPath:     cfg.Media.Camera,
		MicrophonePath: cfg.Media.Microphone,
		ScreenPath:     cfg.Media.Screen,
		Loop:           cfg.Media.Loop,
	})

	// ── 4. Join ────────────────────────────────────────────────────────
	coord := session.New(client, ctrl, peers, session.Options{
		PeerSetupDelay: cfg.PeerSetupDelay,
		Constraints:    media.Constraints{Video: cfg.Media.Video, Audio: cfg.Media.Audio},
		Metrics:        metrics,
	})
	defer coord.Close()
	coord.Subscribe(printEvent)

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Joining %s as %s...", cfg.SessionID, cfg.DisplayName))
	err = coord.Join(ctx, cfg.SessionID, signaling.Identity{
		ParticipantID: cfg.ParticipantID,
		DisplayName:   cfg.DisplayName,
		Role:          cfg.Role,
	})
	if err != nil {
		spinner.Fail(err.Error())
		return fmt.Errorf("failed to join session %s: %w", cfg.SessionID, err)
	}
	spinner.Success(fmt.Sprintf("Joined %s", cfg.SessionID))

	util.StartStatsReporter(ctx)
	printWelcome(coord)

	// ── 5. Console ─────────────────────────────────────────────────────
	con := &console{coord: coord, out: os.Stdout}
	lines := readLines(ctx, in)

	var result error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case <-coord.Done():
			result = coord.Err()
			break loop

		case line, ok := <-lines:
			if !ok {
				break loop
			}
			quit, err := con.exec(ctx, line)
			if err != nil {
				util.LogWarning("%v", err)
			}
			if quit {
				break loop
			}
		}
	}

	// ── 6. Leave ───────────────────────────────────────────────────────
	if cfg.SnapshotPath != "" {
		if err := writeSnapshot(cfg.SnapshotPath, coord.Whiteboard()); err != nil {
			util.LogWarning("failed to save whiteboard: %v", err)
		}
	}
	if err := coord.Leave(); err != nil {
		util.LogDebug("leave: %v", err)
	}
	return result
}

// linkFactory creates peer connections that survive cancellation of ctx:
// on Ctrl+C, Leave must stop local media before the links go down. The
// returned func closes whatever Leave did not.
func linkFactory(ctx context.Context, api *webrtc.API, iceServers []string) (peer.ConnFactory, func()) {
	linkCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return transport.Factory(linkCtx, api, iceServers), cancel
}

// readLines feeds stdin lines to a channel until EOF or ctx ends.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func writeSnapshot(path string, ops []signaling.WhiteboardOp) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := replog.DefaultCanvas().WritePNG(f, ops); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
