// Duet relay: broadcast signaling relay.
//
// Peers connect to /ws?room=<name>. Every frame a peer sends is delivered to
// every peer in the same room, the sender included; the relay never looks
// inside the frames.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/duet/internal/config"
	"github.com/1ureka/duet/internal/signaling"
	"github.com/1ureka/duet/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var cfg config.Relay
	flag.StringVar(&cfg.Addr, "addr", ":8080", "Listen address (\":0\" picks a random port)")
	flag.IntVar(&cfg.RoomCapacity, "capacity", signaling.DefaultRoomCapacity, "Maximum peers per room")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	srv := signaling.NewServer(cfg.RoomCapacity)
	port, err := srv.Start(cfg.Addr)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.Println()
	pterm.DefaultBox.WithTitle(fmt.Sprintf("Duet relay v%s", version)).Println(
		fmt.Sprintf("Port     : %d\nEndpoint : ws://<host>:%d/ws?room=<name>\nCapacity : %d peers per room",
			port, port, cfg.RoomCapacity))
	pterm.Println()

	util.StartStatsReporter(ctx, config.DefaultStatsInterval)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Close(shutdownCtx); err != nil {
		util.LogWarning("relay shutdown: %v", err)
	}
	util.LogInfo("relay stopped")
}
