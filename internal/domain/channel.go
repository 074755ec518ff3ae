package domain

import "context"

// InboundMessage is a message received from a chat channel.
type InboundMessage struct {
	ChannelName    string
	ActorID        string
	ConversationID string
	Content        string
	SenderName     string
	ReplyToID      string
}

// OutboundMessage is a message sent to a chat channel.
type OutboundMessage struct {
	ConversationID string
	Content        string
	IsError        bool
	ReplyToID      string
}

// MessageHandler is a callback the channel invokes when it receives input.
type MessageHandler func(ctx context.Context, msg InboundMessage) error

// Channel is the interface for user-facing I/O adapters.
type Channel interface {
	Start(ctx context.Context, handler MessageHandler) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg OutboundMessage) error
	Name() string
}
