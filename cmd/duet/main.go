// Duet: CLI entry point for a call peer.
//
// Two duet peers (or a duet peer and a browser) joined to the same relay room
// announce readiness, then either side can call the other. Offers, answers
// and ICE candidates travel over the relay; media flows peer to peer.
//
// It can be driven interactively (no -start/-call flags) or run headless.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/duet/internal/call"
	"github.com/1ureka/duet/internal/config"
	"github.com/1ureka/duet/internal/media"
	"github.com/1ureka/duet/internal/signaling"
	"github.com/1ureka/duet/internal/util"
)

var version = "dev"

const intentTimeout = 30 * time.Second

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()

	// CLI flags.
	relayURL := flag.String("relay", "", "Relay URL, e.g. wss://relay.example.com")
	room := flag.String("room", cfg.Room, "Relay room to join")
	readyInterval := flag.Duration("readyInterval", cfg.ReadyInterval, "How often to re-announce readiness (0 = only on demand)")
	stunServers := flag.String("stun", strings.Join(cfg.Media.STUNServers, ","), "Comma-separated STUN server URLs")
	videoFile := flag.String("video", "", "IVF (VP8) file to send as local video")
	audioFile := flag.String("audio", "", "Ogg (Opus) file to send as local audio")
	iceDisconnected := flag.Duration("iceDisconnected", 0, "ICE disconnected timeout (0 = pion default)")
	iceFailed := flag.Duration("iceFailed", 0, "ICE failed timeout (0 = pion default)")
	iceKeepAlive := flag.Duration("iceKeepAlive", 0, "ICE keepalive interval (0 = pion default)")
	autoStart := flag.Bool("start", false, "Start immediately without prompting")
	autoCall := flag.Bool("call", false, "Start, then call as soon as a remote peer is ready")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	traceMode := flag.Bool("trace", false, "Enable debug logging including pion internals")
	flag.Parse()

	switch {
	case *traceMode:
		util.EnableTrace()
	case *debugMode:
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Duet v%s", version))
	pterm.Println()

	cfg.Room = *room
	cfg.ReadyInterval = *readyInterval
	cfg.Media.STUNServers = splitList(*stunServers)
	cfg.Media.VideoFile = *videoFile
	cfg.Media.AudioFile = *audioFile
	cfg.Media.DisconnectedTimeout = *iceDisconnected
	cfg.Media.FailedTimeout = *iceFailed
	cfg.Media.KeepAliveInterval = *iceKeepAlive

	if *relayURL == "" {
		cfg.RelayURL = askURL()
	} else {
		cfg.RelayURL = *relayURL
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	cfg.RelayURL, _ = config.NormalizeRelayURL(cfg.RelayURL)

	if err := run(ctx, cfg, *autoStart || *autoCall, *autoCall); err != nil && ctx.Err() == nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("left room %q", cfg.Room)
}

// ---------------------------------------------------------------------------
// Peer wiring
// ---------------------------------------------------------------------------

// run wires relay client, router, media engine and state machine, then hands
// control to the interactive menu or the headless flow.
func run(ctx context.Context, cfg config.Config, headless, autoCall bool) error {
	engine, err := media.NewEngine(cfg.Media, nil)
	if err != nil {
		return fmt.Errorf("failed to create media engine: %w", err)
	}

	client := signaling.NewClient(signaling.ClientConfig{URL: cfg.RelayURL, Room: cfg.Room})
	router := signaling.NewRouter(client)

	states := make(chan call.Snapshot, 16)
	machine := call.New(engine, router, call.Options{
		ReadyInterval: cfg.ReadyInterval,
		Hooks: call.Hooks{
			OnNotice: func(err error) {
				pterm.Warning.Println(err.Error())
			},
			OnStateChange: func(s call.Snapshot) {
				util.LogInfo("state: %s (local ready: %t, remote ready: %t)", s.Phase, s.LocalReady, s.RemoteReady)
				select {
				case states <- s:
				default:
				}
			},
			OnRemoteTrack: func(t *call.RemoteTrack) {
				if t == nil {
					util.LogInfo("remote media cleared")
					return
				}
				util.LogSuccess("receiving remote %s track %s", t.Kind, t.ID)
			},
		},
	})
	router.Attach(machine)

	client.OnMessage(func(frame []byte) { _ = router.Dispatch(frame) })
	client.OnConnect(func(string) { machine.Announce() })

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	machineDone := make(chan error, 1)
	go func() { machineDone <- machine.Run(ctx) }()
	go client.Run(ctx)
	util.StartStatsReporter(ctx, config.DefaultStatsInterval)

	if headless {
		runHeadless(ctx, machine, states, autoCall)
	} else {
		runInteractive(ctx, machine)
	}

	cancel()
	<-machineDone
	return nil
}

// runHeadless starts the peer and, with autoCall, places one call as soon as a
// remote peer is ready. It returns when ctx is cancelled.
func runHeadless(ctx context.Context, m *call.Machine, states <-chan call.Snapshot, autoCall bool) {
	if err := doIntent(ctx, "start", m.Start); err != nil {
		return
	}

	called := false
	for {
		select {
		case s := <-states:
			if autoCall && !called && s.Phase == call.PhaseReady && s.RemoteReady {
				called = true
				go doIntent(ctx, "call", m.Call)
			}
		case <-ctx.Done():
			return
		}
	}
}

// runInteractive shows the action menu until the user quits.
func runInteractive(ctx context.Context, m *call.Machine) {
	actions := []string{"Start", "Call", "End", "Test", "Stop", "Quit"}
	intents := map[string]func(context.Context) error{
		"Start": m.Start,
		"Call":  m.Call,
		"End":   m.End,
		"Test":  m.Test,
		"Stop":  m.Stop,
	}

	for ctx.Err() == nil {
		s := m.Snapshot()
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions(actions).
			WithDefaultText(fmt.Sprintf("[%s] Select an action", s.Phase)).
			Show()
		if err != nil || choice == "Quit" {
			return
		}
		_ = doIntent(ctx, strings.ToLower(choice), intents[choice])
		pterm.Println()
	}
}

func doIntent(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, intentTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		util.LogError("%s: %v", name, err)
		return err
	}
	util.LogSuccess("%s: done", name)
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// askURL prompts the user for a relay URL until a valid one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. wss://relay.example.com)").
			Show()

		relayURL, err := config.NormalizeRelayURL(raw)
		if err == nil {
			pterm.Println()
			return relayURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
