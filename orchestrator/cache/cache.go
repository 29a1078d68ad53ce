// Package cache provides the shared caching layer for poll data, dashboard
// queries and screenshot tokens. Redis is the primary backend; when Redis is
// unreachable the layer degrades to an in-process LRU and every caller keeps
// working against the database as the source of truth.
package cache

import (
	"context"
	"strconv"
	"time"
)

// Cache is the capability surface the services use. Implementations must
// treat misses and backend failures as distinguishable: a miss is (false, nil),
// a backend failure is (false, err) and callers fall through to the database.
type Cache interface {
	// GetJSON unmarshals the cached value for key into out. Returns false on
	// miss.
	GetJSON(ctx context.Context, key string, out any) (bool, error)

	// SetJSON marshals v and stores it under key with the given TTL.
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error

	// SetNX stores v only if key is absent. Returns true when the write won.
	// Token single-use validation depends on this being atomic per backend.
	SetNX(ctx context.Context, key string, v any, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key with the given prefix, for bulk
	// invalidation when a poll changes.
	DeletePrefix(ctx context.Context, prefix string) error

	Close() error
}

// Key builders. All keys are namespaced under "polly:" so a shared Redis
// instance stays tidy.

func PollKey(pollID int64) string {
	return "polly:poll:" + itoa(pollID)
}

func PollResultsKey(pollID int64) string {
	return "polly:poll:" + itoa(pollID) + ":results"
}

func DashboardKey(guildID string) string {
	return "polly:dashboard:" + guildID
}

func GuildChannelsKey(guildID string) string {
	return "polly:guild:" + guildID + ":channels"
}

func GuildRolesKey(guildID string) string {
	return "polly:guild:" + guildID + ":roles"
}

func GuildEmojisKey(guildID string) string {
	return "polly:guild:" + guildID + ":emojis"
}

func TokenKey(token string) string {
	return "polly:token:" + token
}

func TokenUsedKey(token string) string {
	return "polly:token:" + token + ":used"
}

// PollPrefix covers every cached artifact of one poll.
func PollPrefix(pollID int64) string {
	return "polly:poll:" + itoa(pollID)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
