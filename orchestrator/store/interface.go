package store

import (
	"context"
	"time"
)

// VoteAction describes what the vote engine did with a collected reaction.
type VoteAction string

const (
	ActionAdded   VoteAction = "added"
	ActionRemoved VoteAction = "removed"
	ActionChanged VoteAction = "changed"
	ActionIgnored VoteAction = "ignored"
)

// Store is the transactional persistence boundary. It abstracts over
// Postgres (production) and an in-memory implementation (tests, dev mode).
// All multi-row writes happen inside a single transaction; status
// transitions re-check the guard inside the transaction so a stale caller
// loses cleanly instead of clobbering state.
type Store interface {
	// Poll operations
	CreatePoll(ctx context.Context, p *Poll) error
	GetPoll(ctx context.Context, id int64) (*Poll, error)

	// GetPollByMessageID resolves a chat message back to its poll, the
	// lookup every inbound reaction event starts with. Returns
	// ErrPollNotFound for messages that are not poll messages.
	GetPollByMessageID(ctx context.Context, messageID string) (*Poll, error)
	ListPollsByStatus(ctx context.Context, status string) ([]*Poll, error)
	ListPollsByGuild(ctx context.Context, guildID string, limit int) ([]*Poll, error)
	ListClosedPollsNewestFirst(ctx context.Context, limit int) ([]*Poll, error)

	// MarkActive transitions scheduled -> active and records the posted
	// message id atomically. Returns ErrNotScheduled if the guard fails.
	MarkActive(ctx context.Context, id int64, messageID string) error

	// MarkClosed transitions active -> closed. The bool result reports
	// whether the poll was already closed (idempotent closure).
	MarkClosed(ctx context.Context, id int64) (alreadyClosed bool, err error)

	// MarkReopened transitions closed -> active, optionally extending the
	// close time and purging recorded votes, in one transaction.
	MarkReopened(ctx context.Context, id int64, newCloseTime time.Time, resetVotes bool) error

	SetImageMessageID(ctx context.Context, id int64, messageID string) error

	// SetEmojis persists emoji fallback substitutions decided at opening so
	// rendering and reaction matching agree on the final tokens.
	SetEmojis(ctx context.Context, id int64, emojis []string) error
	DeletePoll(ctx context.Context, id int64) error

	// Vote operations. CollectVote is the single write path for vote rows;
	// it runs the full decision algorithm inside one transaction and
	// returns the action taken. ErrVoteCapHit and ErrInvalidOption are the
	// only expected failures besides ErrStaleWrite under contention.
	CollectVote(ctx context.Context, pollID int64, userID string, optionIndex int) (VoteAction, error)
	ListVotes(ctx context.Context, pollID int64) ([]*Vote, error)
	ListVotesByUser(ctx context.Context, pollID int64, userID string) ([]*Vote, error)
	CountVotesByOption(ctx context.Context, pollID int64) (map[int]int, error)
	CountUniqueVoters(ctx context.Context, pollID int64) (int, error)

	// User cache
	UpsertUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// User preferences
	GetPreference(ctx context.Context, userID string) (*UserPreference, error)
	SavePreference(ctx context.Context, pref *UserPreference) error

	// Guild/channel hierarchy cache
	UpsertGuild(ctx context.Context, g *Guild) error
	UpsertChannel(ctx context.Context, c *Channel) error
	ListGuilds(ctx context.Context) ([]*Guild, error)
	ListChannels(ctx context.Context, guildID string) ([]*Channel, error)

	// Migrate applies all pending schema migrations in order.
	Migrate(ctx context.Context) error

	Close()
}
