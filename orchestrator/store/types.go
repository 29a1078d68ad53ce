package store

import (
	"errors"
	"fmt"
	"time"
)

// Poll lifecycle states.
const (
	StatusScheduled = "scheduled"
	StatusActive    = "active"
	StatusClosed    = "closed"
)

// Option count bounds enforced at creation and again before posting.
const (
	MinOptions = 2
	MaxOptions = 10
)

// State machine errors returned by transition guards.
var (
	ErrNotScheduled  = errors.New("poll is not in scheduled state")
	ErrNotActive     = errors.New("poll is not in active state")
	ErrNotClosed     = errors.New("poll is not in closed state")
	ErrNoMessage     = errors.New("poll has no chat message")
	ErrNotDeletable  = errors.New("active polls cannot be deleted")
	ErrStaleWrite    = errors.New("concurrent modification detected")
	ErrPollNotFound  = errors.New("poll not found")
	ErrVoteCapHit    = errors.New("max choices reached")
	ErrInvalidOption = errors.New("option index out of range")
)

// Poll is the lifecycle aggregate. Votes are loaded on demand, never held as
// a back-reference; read paths that need them ask the store explicitly.
type Poll struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Question    string    `json:"question" db:"question"`
	Options     []string  `json:"options" db:"options_json"`
	Emojis      []string  `json:"emojis" db:"emojis_json"`
	ImagePath   string    `json:"image_path,omitempty" db:"image_path"`
	ImageText   string    `json:"image_message_text,omitempty" db:"image_message_text"`
	ImageMsgID  string    `json:"image_message_id,omitempty" db:"image_message_id"`
	ServerID    string    `json:"server_id" db:"server_id"`
	ServerName  string    `json:"server_name,omitempty" db:"server_name"`
	ChannelID   string    `json:"channel_id" db:"channel_id"`
	ChannelName string    `json:"channel_name,omitempty" db:"channel_name"`
	CreatorID   string    `json:"creator_id" db:"creator_id"`
	MessageID   string    `json:"message_id,omitempty" db:"message_id"` // empty until opened
	OpenTime    time.Time `json:"open_time" db:"open_time"`             // UTC
	CloseTime   time.Time `json:"close_time" db:"close_time"`           // UTC
	Timezone    string    `json:"timezone" db:"timezone"`               // creator's display zone
	Anonymous   bool      `json:"anonymous" db:"anonymous"`
	MultipleChoice  bool `json:"multiple_choice" db:"multiple_choice"`
	MaxChoices      int  `json:"max_choices,omitempty" db:"max_choices"` // 1 for single-choice
	OpenImmediately bool `json:"open_immediately" db:"open_immediately"`

	PingRoleEnabled  bool   `json:"ping_role_enabled" db:"ping_role_enabled"`
	PingRoleID       string `json:"ping_role_id,omitempty" db:"ping_role_id"`
	PingRoleName     string `json:"ping_role_name,omitempty" db:"ping_role_name"`
	PingRoleOnOpen   bool   `json:"ping_role_on_open" db:"ping_role_on_open"`
	PingRoleOnClose  bool   `json:"ping_role_on_close" db:"ping_role_on_close"`
	PingRoleOnUpdate bool   `json:"ping_role_on_update" db:"ping_role_on_update"`

	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Vote is one recorded selection. The vote engine is the sole writer.
type Vote struct {
	ID          int64     `json:"id" db:"id"`
	PollID      int64     `json:"poll_id" db:"poll_id"`
	UserID      string    `json:"user_id" db:"user_id"`
	OptionIndex int       `json:"option_index" db:"option_index"`
	VotedAt     time.Time `json:"voted_at" db:"voted_at"`
}

// User is a minimal cache of chat-platform identity.
type User struct {
	ID        string    `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	Avatar    string    `json:"avatar" db:"avatar"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// UserPreference holds per-user defaults for the poll creation form.
type UserPreference struct {
	ID              int64     `json:"id" db:"id"`
	UserID          string    `json:"user_id" db:"user_id"`
	LastServerID    string    `json:"last_server_id" db:"last_server_id"`
	LastChannelID   string    `json:"last_channel_id" db:"last_channel_id"`
	LastRoleID      string    `json:"last_role_id,omitempty" db:"last_role_id"`
	DefaultTimezone string    `json:"default_timezone" db:"default_timezone"`
	TimezoneSet     bool      `json:"timezone_explicitly_set" db:"timezone_explicitly_set"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Guild is a periodically refreshed snapshot of a server the bot can see.
type Guild struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Icon      string    `json:"icon" db:"icon"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Channel is a snapshot of a text channel within a cached guild.
type Channel struct {
	ID        string    `json:"id" db:"id"`
	GuildID   string    `json:"guild_id" db:"guild_id"`
	Name      string    `json:"name" db:"name"`
	Type      int       `json:"type" db:"type"`
	Position  int       `json:"position" db:"position"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EffectiveMaxChoices normalizes the multi-select cap: single-choice polls
// always allow exactly one, multi-select defaults to unlimited-within-options.
func (p *Poll) EffectiveMaxChoices() int {
	if !p.MultipleChoice {
		return 1
	}
	if p.MaxChoices <= 0 || p.MaxChoices > len(p.Options) {
		return len(p.Options)
	}
	return p.MaxChoices
}

// Validate checks the structural invariants that hold for every poll row.
func (p *Poll) Validate() error {
	if len(p.Options) < MinOptions || len(p.Options) > MaxOptions {
		return fmt.Errorf("poll must have between %d and %d options, got %d", MinOptions, MaxOptions, len(p.Options))
	}
	if len(p.Options) != len(p.Emojis) {
		return fmt.Errorf("options (%d) and emojis (%d) must be parallel", len(p.Options), len(p.Emojis))
	}
	if !p.CloseTime.After(p.OpenTime) {
		return errors.New("close time must be after open time")
	}
	if p.Question == "" {
		return errors.New("question is required")
	}
	if p.ChannelID == "" || p.ServerID == "" {
		return errors.New("server and channel are required")
	}
	return nil
}

// --- State machine guards ---
//
//            open()          close()
// scheduled ────────► active ──────► closed
//     │                 ▲               │
//     │                 └── reopen() ───┘
//     └── delete() (scheduled or closed only)

// CanOpen reports whether the poll may transition to active.
func (p *Poll) CanOpen() error {
	if p.Status != StatusScheduled {
		return ErrNotScheduled
	}
	return nil
}

// CanClose reports whether the poll may transition to closed. Closure of an
// opened poll additionally requires a live message to finalize.
func (p *Poll) CanClose() error {
	if p.Status != StatusActive {
		return ErrNotActive
	}
	if p.MessageID == "" {
		return ErrNoMessage
	}
	return nil
}

// CanReopen reports whether the poll may transition back to active. Reopening
// never posts a new message, so the old one must still be referenced.
func (p *Poll) CanReopen() error {
	if p.Status != StatusClosed {
		return ErrNotClosed
	}
	if p.MessageID == "" {
		return ErrNoMessage
	}
	return nil
}

// CanDelete reports whether the poll row may be removed. Active polls must be
// closed first so the chat side is finalized.
func (p *Poll) CanDelete() error {
	if p.Status == StatusActive {
		return ErrNotDeletable
	}
	return nil
}
