package main

import (
	"context"

	"github.com/pacnpal/polly-sub001/orchestrator/discord"
)

// ChatAPI is the narrow capability surface the services use against the chat
// platform. *discord.Client implements it; tests substitute a fake.
type ChatAPI interface {
	PostMessage(ctx context.Context, channelID string, content string, embed *discord.Embed) (string, error)
	EditMessage(ctx context.Context, channelID, messageID string, content string, embed *discord.Embed) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	FetchMessage(ctx context.Context, channelID, messageID string) (*discord.Message, error)
	ChannelMessages(ctx context.Context, channelID string, limit int) ([]discord.Message, error)

	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, channelID, messageID, emoji, userID string) error
	ClearReactions(ctx context.Context, channelID, messageID string) error
	IterReactionUsers(ctx context.Context, channelID, messageID, emoji string, fn func(discord.User) error) error

	SendDM(ctx context.Context, userID string, content string, embed *discord.Embed) error

	Channel(ctx context.Context, channelID string) (*discord.GuildChannel, error)
	Guilds(ctx context.Context) ([]discord.Guild, error)
	GuildChannels(ctx context.Context, guildID string) ([]discord.GuildChannel, error)
	GuildRoles(ctx context.Context, guildID string) ([]discord.Role, error)
	GuildEmojis(ctx context.Context, guildID string) ([]discord.Emoji, error)
}

var _ ChatAPI = (*discord.Client)(nil)
