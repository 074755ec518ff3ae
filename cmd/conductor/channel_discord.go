//go:build discord

package main

import (
	"log/slog"

	"conductor-ai/internal/adapter/channel"
	"conductor-ai/internal/domain"
	"conductor-ai/internal/infra/config"
)

const buildTagDiscord = true

func buildDiscordChannel(cfg *config.DiscordConfig, deps channel.CommandRouterDeps, log *slog.Logger) (domain.Channel, domain.MessageHandler, error) {
	var opts []channel.DiscordOption
	if len(cfg.ChannelIDs) > 0 {
		opts = append(opts, channel.WithDiscordChannels(cfg.ChannelIDs))
	}
	if cfg.Prefix != "" {
		opts = append(opts, channel.WithDiscordPrefix(cfg.Prefix))
	}
	ch := channel.NewDiscordChannel(cfg.Token, log, opts...)
	router := channel.NewCommandRouter(cfg.Prefix, deps, ch.Send)
	return ch, router.Handle, nil
}
