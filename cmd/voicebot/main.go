// Command voicebot is a thin wiring example, not part of the library: it
// shows how a real Discord gateway client plugs into discordvoice.ParentGateway.
// The gateway client itself is out of scope here — the stub in
// gateway_stub.go models only the shape a real one would have.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/bwmarrin/discordvoice"
)

func main() {
	token := os.Getenv("DISCORD_BOT_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "DISCORD_BOT_TOKEN must be set")
		os.Exit(1)
	}

	logger := log.New(os.Stderr)

	parent, err := newDiscordGatewayStub(token, logger)
	if err != nil {
		logger.Fatal("connect to discord gateway", "err", err)
	}

	coordinator := discordvoice.NewCoordinator(parent, logger)
	defer coordinator.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	guildID := os.Getenv("DISCORD_GUILD_ID")
	channelID := os.Getenv("DISCORD_CHANNEL_ID")
	if guildID == "" || channelID == "" {
		logger.Fatal("DISCORD_GUILD_ID and DISCORD_CHANNEL_ID must be set")
	}

	session, err := coordinator.Join(ctx, guildID, channelID)
	if err != nil {
		logger.Fatal("join voice channel", "err", err)
	}
	logger.Info("joined voice channel", "guild_id", guildID, "ssrc", session.SSRC)

	<-ctx.Done()
}
