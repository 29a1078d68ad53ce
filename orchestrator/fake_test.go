package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pacnpal/polly-sub001/orchestrator/cache"
	"github.com/pacnpal/polly-sub001/orchestrator/discord"
	"github.com/pacnpal/polly-sub001/orchestrator/scheduler"
	"github.com/pacnpal/polly-sub001/orchestrator/store"
)

type postedMessage struct {
	ID        string
	ChannelID string
	Content   string
	Embed     *discord.Embed
}

type editCall struct {
	ChannelID string
	MessageID string
	Embed     *discord.Embed
}

type reactionCall struct {
	MessageID string
	Emoji     string
	UserID    string // empty for bot-added reactions
}

// fakeChat is an in-memory ChatAPI that records every call and lets tests
// inject failures per operation.
type fakeChat struct {
	mu     sync.Mutex
	nextID int

	posted   []postedMessage
	edits    []editCall
	deleted  []string
	dms      map[string][]string
	added    []reactionCall
	removed  []reactionCall
	cleared  []string
	messages map[string]*discord.Message
	// key messageID|emoji
	reactionUsers map[string][]discord.User

	postErr    error
	channelErr error
	fetchErr   map[string]error
	dmErr      error

	guilds        []discord.Guild
	guildChannels map[string][]discord.GuildChannel
	guildRoles    map[string][]discord.Role
	guildEmojis   map[string][]discord.Emoji
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		dms:           make(map[string][]string),
		messages:      make(map[string]*discord.Message),
		reactionUsers: make(map[string][]discord.User),
		fetchErr:      make(map[string]error),
		guildChannels: make(map[string][]discord.GuildChannel),
		guildRoles:    make(map[string][]discord.Role),
		guildEmojis:   make(map[string][]discord.Emoji),
	}
}

func notFoundErr() error { return &discord.APIError{Status: 404, Message: "not found"} }

func (f *fakeChat) PostMessage(ctx context.Context, channelID, content string, embed *discord.Embed) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", f.postErr
	}
	f.nextID++
	id := fmt.Sprintf("msg-%d", f.nextID)
	f.posted = append(f.posted, postedMessage{ID: id, ChannelID: channelID, Content: content, Embed: embed})
	f.messages[id] = &discord.Message{ID: id, ChannelID: channelID, Content: content}
	return id, nil
}

func (f *fakeChat) EditMessage(ctx context.Context, channelID, messageID, content string, embed *discord.Embed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editCall{ChannelID: channelID, MessageID: messageID, Embed: embed})
	return nil
}

func (f *fakeChat) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	delete(f.messages, messageID)
	return nil
}

func (f *fakeChat) FetchMessage(ctx context.Context, channelID, messageID string) (*discord.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fetchErr[messageID]; ok {
		return nil, err
	}
	if msg, ok := f.messages[messageID]; ok {
		cp := *msg
		return &cp, nil
	}
	return nil, notFoundErr()
}

func (f *fakeChat) ChannelMessages(ctx context.Context, channelID string, limit int) ([]discord.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []discord.Message
	for _, m := range f.messages {
		if m.ChannelID == channelID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeChat) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, reactionCall{MessageID: messageID, Emoji: emoji})
	return nil
}

func (f *fakeChat) RemoveReaction(ctx context.Context, channelID, messageID, emoji, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, reactionCall{MessageID: messageID, Emoji: emoji, UserID: userID})
	return nil
}

func (f *fakeChat) ClearReactions(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, messageID)
	return nil
}

func (f *fakeChat) IterReactionUsers(ctx context.Context, channelID, messageID, emoji string, fn func(discord.User) error) error {
	f.mu.Lock()
	users := append([]discord.User(nil), f.reactionUsers[messageID+"|"+emoji]...)
	f.mu.Unlock()
	for _, u := range users {
		if err := fn(u); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeChat) SendDM(ctx context.Context, userID, content string, embed *discord.Embed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dmErr != nil {
		return f.dmErr
	}
	body := content
	if body == "" && embed != nil {
		body = embed.Title
	}
	f.dms[userID] = append(f.dms[userID], body)
	return nil
}

func (f *fakeChat) Channel(ctx context.Context, channelID string) (*discord.GuildChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelErr != nil {
		return nil, f.channelErr
	}
	return &discord.GuildChannel{ID: channelID, Type: discord.ChannelTypeGuildText}, nil
}

func (f *fakeChat) Guilds(ctx context.Context) ([]discord.Guild, error) {
	return f.guilds, nil
}

func (f *fakeChat) GuildChannels(ctx context.Context, guildID string) ([]discord.GuildChannel, error) {
	return f.guildChannels[guildID], nil
}

func (f *fakeChat) GuildRoles(ctx context.Context, guildID string) ([]discord.Role, error) {
	return f.guildRoles[guildID], nil
}

func (f *fakeChat) GuildEmojis(ctx context.Context, guildID string) ([]discord.Emoji, error) {
	return f.guildEmojis[guildID], nil
}

func (f *fakeChat) dmCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dms[userID])
}

var _ ChatAPI = (*fakeChat)(nil)

// --- shared fixtures ---

const (
	testGuild   = "guild-1"
	testChannel = "chan-1"
	testCreator = "creator-1"
	testBotID   = "bot-1"
)

func noopScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.ExecutorFunc{
		Open:  func(ctx context.Context, pollID int64) error { return nil },
		Close: func(ctx context.Context, pollID int64) error { return nil },
	})
}

type fixture struct {
	store     *store.MemoryStore
	chat      *fakeChat
	cache     cache.Cache
	sched     *scheduler.Scheduler
	notifier  *Notifier
	archiver  *Archiver
	lifecycle *Lifecycle
	engine    *VoteEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	chat := newFakeChat()
	c := cache.NewMemoryCache()
	sched := noopScheduler()
	notifier := NewNotifier(chat, "")
	archiver := NewArchiver(st, t.TempDir())
	lifecycle := NewLifecycle(st, chat, c, sched, notifier, archiver)
	engine := NewVoteEngine(st, chat, c, notifier, testBotID)
	return &fixture{
		store: st, chat: chat, cache: c, sched: sched,
		notifier: notifier, archiver: archiver, lifecycle: lifecycle, engine: engine,
	}
}

// newPoll creates a scheduled poll with sensible defaults, mutated by opts.
func (fx *fixture) newPoll(t *testing.T, opts ...func(*store.Poll)) *store.Poll {
	t.Helper()
	now := time.Now().UTC()
	poll := &store.Poll{
		Name:      "Snack vote",
		Question:  "Pick a snack",
		Options:   []string{"Pretzels", "Popcorn"},
		Emojis:    []string{"🥨", "🍿"},
		ServerID:  testGuild,
		ChannelID: testChannel,
		CreatorID: testCreator,
		OpenTime:  now.Add(-time.Minute),
		CloseTime: now.Add(time.Hour),
		Timezone:  "UTC",
	}
	for _, opt := range opts {
		opt(poll)
	}
	require.NoError(t, fx.store.CreatePoll(context.Background(), poll))
	return poll
}

// openPoll opens a freshly created poll and returns it in active state.
func (fx *fixture) openPoll(t *testing.T, opts ...func(*store.Poll)) *store.Poll {
	t.Helper()
	poll := fx.newPoll(t, opts...)
	result := fx.lifecycle.Open(context.Background(), poll.ID, ReasonScheduled)
	require.True(t, result.Success, "open failed: %s", result.Error)
	active, err := fx.store.GetPoll(context.Background(), poll.ID)
	require.NoError(t, err)
	return active
}

func multiChoice(max int) func(*store.Poll) {
	return func(p *store.Poll) {
		p.MultipleChoice = true
		p.MaxChoices = max
	}
}

func anonymous(p *store.Poll) { p.Anonymous = true }

func reactionEvent(poll *store.Poll, userID string, optionIndex int) discord.ReactionEvent {
	return discord.ReactionEvent{
		UserID:    userID,
		ChannelID: poll.ChannelID,
		MessageID: poll.MessageID,
		GuildID:   poll.ServerID,
		Emoji:     discord.Emoji{Name: poll.Emojis[optionIndex]},
	}
}
