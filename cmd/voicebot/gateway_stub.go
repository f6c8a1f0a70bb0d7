package main

import (
	"context"

	"github.com/charmbracelet/log"
)

// discordGatewayStub is a placeholder ParentGateway: a real integration
// wires in an actual Discord gateway client's dispatch stream and
// Update-Voice-State sender here. That client is out of scope for this
// library.
type discordGatewayStub struct {
	logger    *log.Logger
	events    chan any
	botUserID string
}

func newDiscordGatewayStub(token string, logger *log.Logger) (*discordGatewayStub, error) {
	return &discordGatewayStub{
		logger:    logger,
		events:    make(chan any),
		botUserID: "unset",
	}, nil
}

func (s *discordGatewayStub) DuplicateEvents() <-chan any {
	return s.events
}

func (s *discordGatewayStub) SendVoiceStateUpdate(ctx context.Context, guildID string, channelID *string, selfMute, selfDeaf bool) error {
	s.logger.Debug("send voice state update", "guild_id", guildID, "channel_id", channelID)
	return nil
}

func (s *discordGatewayStub) BotUserID() string {
	return s.botUserID
}
