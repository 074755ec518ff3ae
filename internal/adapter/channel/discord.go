//go:build discord

package channel

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"conductor-ai/internal/domain"
)

// DiscordOption configures the Discord channel.
type DiscordOption func(*DiscordChannel)

// WithDiscordChannels limits the bot to specific channel IDs.
func WithDiscordChannels(ids []string) DiscordOption {
	return func(d *DiscordChannel) {
		d.channelIDs = make(map[string]bool, len(ids))
		for _, id := range ids {
			d.channelIDs[id] = true
		}
	}
}

// WithDiscordPrefix sets the command prefix messages must start with.
func WithDiscordPrefix(prefix string) DiscordOption {
	return func(d *DiscordChannel) { d.prefix = prefix }
}

// DiscordChannel implements domain.Channel for Discord via discordgo.
// The Discord user ID is the actor and the channel ID is the conversation.
type DiscordChannel struct {
	token      string
	session    *discordgo.Session
	handler    domain.MessageHandler
	logger     *slog.Logger
	channelIDs map[string]bool
	prefix     string
	botUserID  string
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
}

// NewDiscordChannel creates a Discord bot channel.
func NewDiscordChannel(token string, logger *slog.Logger, opts ...DiscordOption) *DiscordChannel {
	d := &DiscordChannel{
		token:  token,
		logger: logger,
		prefix: "!",
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handler = handler
	d.ctx, d.cancel = context.WithCancel(ctx)

	dg, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return err
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	dg.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		d.onMessage(m.Message)
	})

	if err := dg.Open(); err != nil {
		return err
	}
	d.session = dg
	d.botUserID = dg.State.User.ID
	d.logger.Info("discord channel started", "user_id", d.botUserID)
	return nil
}

func (d *DiscordChannel) Stop(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		err := d.session.Close()
		d.session = nil
		return err
	}
	return nil
}

func (d *DiscordChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s == nil {
		return domain.NewDomainError("DiscordChannel.Send", domain.ErrUnavailable, "not connected")
	}

	content := msg.Content
	if msg.IsError {
		content = "Error: " + content
	}
	if msg.ReplyToID != "" {
		_, err := s.ChannelMessageSendReply(msg.ConversationID, content, &discordgo.MessageReference{
			MessageID: msg.ReplyToID,
			ChannelID: msg.ConversationID,
		})
		return err
	}
	_, err := s.ChannelMessageSend(msg.ConversationID, content)
	return err
}

// inbound converts a Discord message to an InboundMessage, reporting false
// for messages the bot should ignore.
func (d *DiscordChannel) inbound(m *discordgo.Message) (domain.InboundMessage, bool) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == d.botUserID {
		return domain.InboundMessage{}, false
	}
	if len(d.channelIDs) > 0 && !d.channelIDs[m.ChannelID] {
		return domain.InboundMessage{}, false
	}

	content := m.Content
	if d.botUserID != "" {
		content = strings.ReplaceAll(content, "<@"+d.botUserID+">", "")
		content = strings.ReplaceAll(content, "<@!"+d.botUserID+">", "")
	}
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, d.prefix) {
		return domain.InboundMessage{}, false
	}

	return domain.InboundMessage{
		ChannelName:    "discord",
		ActorID:        m.Author.ID,
		ConversationID: m.ChannelID,
		Content:        content,
		SenderName:     m.Author.Username,
		ReplyToID:      m.ID,
	}, true
}

func (d *DiscordChannel) onMessage(m *discordgo.Message) {
	msg, ok := d.inbound(m)
	if !ok {
		return
	}
	if err := d.handler(d.ctx, msg); err != nil {
		d.logger.Error("discord handler error", "error", err, "channel", m.ChannelID)
	}
}
