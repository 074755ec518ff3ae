//go:build !discord

package main

import (
	"fmt"
	"log/slog"

	"conductor-ai/internal/adapter/channel"
	"conductor-ai/internal/domain"
	"conductor-ai/internal/infra/config"
)

const buildTagDiscord = false

func buildDiscordChannel(_ *config.DiscordConfig, _ channel.CommandRouterDeps, _ *slog.Logger) (domain.Channel, domain.MessageHandler, error) {
	return nil, nil, fmt.Errorf("discord channel requires build with -tags discord")
}
