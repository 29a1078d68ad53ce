package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const apiBase = "https://discord.com/api/v10"

const maxAttempts = 3

// Client is the narrow REST capability surface the orchestrator needs.
// All outbound calls go through a shared token-bucket limiter; the Discord
// global limit is 50 req/s, we stay well under it.
type Client struct {
	token   string
	base    string
	http    *http.Client
	limiter *rate.Limiter

	// BotUserID is populated by Me at startup and used to skip the bot's
	// own reactions.
	BotUserID string
}

// NewClient creates a REST client for the given bot token.
func NewClient(token string) *Client {
	return &Client{
		token:   token,
		base:    apiBase,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(25), 5),
	}
}

// SetBaseURL overrides the API base, for tests against a local server.
func (c *Client) SetBaseURL(base string) { c.base = base }

// do sends one API request with rate limiting and bounded retries. 429s wait
// out the server-advised delay; 5xx and transport errors back off
// exponentially; other 4xx fail immediately as *APIError.
func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		lastErr = c.send(req, out)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}

		wait := backoff
		var apiErr *APIError
		if errors.As(lastErr, &apiErr) && apiErr.Status == 429 && apiErr.RetryAfter > 0 {
			wait = apiErr.RetryAfter
		}
		logrus.WithFields(logrus.Fields{
			"path":    path,
			"attempt": attempt + 1,
			"wait":    wait,
		}).WithError(lastErr).Warn("discord request failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return lastErr
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var parsed struct {
			Code       int     `json:"code"`
			Message    string  `json:"message"`
			RetryAfter float64 `json:"retry_after"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			apiErr.Code = parsed.Code
			apiErr.Message = parsed.Message
			if parsed.RetryAfter > 0 {
				apiErr.RetryAfter = time.Duration(parsed.RetryAfter * float64(time.Second))
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}
	if out != nil && len(respBody) > 0 {
		return json.Unmarshal(respBody, out)
	}
	return nil
}

// --- Messages ---

type messagePayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// PostMessage sends a message with an optional embed and returns its id.
func (c *Client) PostMessage(ctx context.Context, channelID string, content string, embed *Embed) (string, error) {
	payload := messagePayload{Content: content}
	if embed != nil {
		payload.Embeds = []Embed{*embed}
	}
	var msg Message
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/messages", channelID), payload, &msg)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// EditMessage replaces the embed on an existing message. A 404 is swallowed:
// an externally deleted message is the safeguard's problem, not the caller's.
func (c *Client) EditMessage(ctx context.Context, channelID, messageID string, content string, embed *Embed) error {
	payload := messagePayload{Content: content}
	if embed != nil {
		payload.Embeds = []Embed{*embed}
	}
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID), payload, nil)
	if IsNotFound(err) {
		logrus.WithFields(logrus.Fields{"channel": channelID, "message": messageID}).
			Warn("edit target message is gone, skipping")
		return nil
	}
	return err
}

// DeleteMessage removes a message. Idempotent: a 404 is success.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// FetchMessage retrieves a single message; *APIError 404 when gone.
func (c *Client) FetchMessage(ctx context.Context, channelID, messageID string) (*Message, error) {
	var msg Message
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID), nil, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ChannelMessages returns up to limit recent messages, newest first. Used by
// the safeguard's history scan when a direct fetch 404s.
func (c *Client) ChannelMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var msgs []Message
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/channels/%s/messages?limit=%d", channelID, limit), nil, &msgs)
	return msgs, err
}

// --- Reactions ---

// AddReaction adds the bot's own reaction.
func (c *Client) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return c.do(ctx, http.MethodPut,
		fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me", channelID, messageID, escapeEmoji(emoji)), nil, nil)
}

// RemoveReaction removes a specific user's reaction. Idempotent on 404.
func (c *Client) RemoveReaction(ctx context.Context, channelID, messageID, emoji, userID string) error {
	err := c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/%s", channelID, messageID, escapeEmoji(emoji), userID), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// ClearReactions removes every reaction from a message. Idempotent on 404.
func (c *Client) ClearReactions(ctx context.Context, channelID, messageID string) error {
	err := c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/channels/%s/messages/%s/reactions", channelID, messageID), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// IterReactionUsers walks every user who reacted with emoji, in pages of
// 100, invoking fn for each. Stopping early is done by returning an error
// from fn, which is propagated.
func (c *Client) IterReactionUsers(ctx context.Context, channelID, messageID, emoji string, fn func(User) error) error {
	after := ""
	for {
		path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s?limit=100", channelID, messageID, escapeEmoji(emoji))
		if after != "" {
			path += "&after=" + after
		}
		var users []User
		if err := c.do(ctx, http.MethodGet, path, nil, &users); err != nil {
			return err
		}
		for _, u := range users {
			if err := fn(u); err != nil {
				return err
			}
		}
		if len(users) < 100 {
			return nil
		}
		after = users[len(users)-1].ID
	}
}

// escapeEmoji converts a stored emoji token to the form the reactions
// endpoints accept: custom display tokens <a:name:id> become name:id,
// unicode passes through. Everything is path-escaped.
func escapeEmoji(emoji string) string {
	if name, id, ok := ParseCustomEmoji(emoji); ok {
		return url.PathEscape(name + ":" + id)
	}
	return url.PathEscape(emoji)
}

// --- Direct Messages ---

// SendDM opens (or reuses) the DM channel with a user and sends an embed.
// A user who blocks DMs surfaces as a permission error.
func (c *Client) SendDM(ctx context.Context, userID string, content string, embed *Embed) error {
	var dm struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/users/@me/channels", map[string]string{"recipient_id": userID}, &dm)
	if err != nil {
		return err
	}
	_, err = c.PostMessage(ctx, dm.ID, content, embed)
	return err
}

// --- Guild Introspection ---

// Me returns the bot's own user and caches its id.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/@me", nil, &u); err != nil {
		return nil, err
	}
	c.BotUserID = u.ID
	return &u, nil
}

// Guilds lists the guilds the bot is a member of.
func (c *Client) Guilds(ctx context.Context) ([]Guild, error) {
	var all []Guild
	after := ""
	for {
		path := "/users/@me/guilds?limit=200"
		if after != "" {
			path += "&after=" + after
		}
		var page []Guild
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < 200 {
			return all, nil
		}
		after = page[len(page)-1].ID
	}
}

// GuildChannels lists a guild's channels.
func (c *Client) GuildChannels(ctx context.Context, guildID string) ([]GuildChannel, error) {
	var channels []GuildChannel
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%s/channels", guildID), nil, &channels)
	return channels, err
}

// Channel fetches one channel, used for pre-posting validation.
func (c *Client) Channel(ctx context.Context, channelID string) (*GuildChannel, error) {
	var ch GuildChannel
	if err := c.do(ctx, http.MethodGet, "/channels/"+channelID, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// GuildRoles lists the roles the bot can ping: mentionable and not
// integration-managed.
func (c *Client) GuildRoles(ctx context.Context, guildID string) ([]Role, error) {
	var roles []Role
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%s/roles", guildID), nil, &roles); err != nil {
		return nil, err
	}
	pingable := roles[:0]
	for _, r := range roles {
		if r.Mentionable && !r.Managed {
			pingable = append(pingable, r)
		}
	}
	return pingable, nil
}

// GuildEmojis lists a guild's custom emojis, for renderability checks.
func (c *Client) GuildEmojis(ctx context.Context, guildID string) ([]Emoji, error) {
	var emojis []Emoji
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%s/emojis", guildID), nil, &emojis)
	return emojis, err
}
