// Package tokens issues and validates the single-use screenshot tokens that
// gate access to closed-poll detail pages from the screenshot worker.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pacnpal/polly-sub001/orchestrator/cache"
)

const (
	// tokenBytes gives 256 bits of entropy per token.
	tokenBytes = 32

	// DefaultTTL is how long an issued token stays redeemable.
	DefaultTTL = 15 * time.Minute
)

var (
	ErrTokenInvalid = errors.New("token is unknown or expired")
	ErrTokenUsed    = errors.New("token has already been used")
	ErrWrongPoll    = errors.New("token was issued for a different poll")
)

// Grant is what a token is bound to. Validation checks the poll binding so a
// token minted for one poll cannot read another.
type Grant struct {
	PollID    int64     `json:"poll_id"`
	CreatorID string    `json:"creator_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service mints and redeems tokens against the cache layer. The cache's
// in-process fallback keeps tokens working when Redis is down; tokens are
// short-lived so losing them on restart is acceptable.
type Service struct {
	cache cache.Cache
	ttl   time.Duration
}

func NewService(c cache.Cache) *Service {
	return &Service{cache: c, ttl: DefaultTTL}
}

// SetTTL overrides the token lifetime, for tests.
func (s *Service) SetTTL(d time.Duration) { s.ttl = d }

// Issue mints a fresh token bound to the poll and its creator.
func (s *Service) Issue(ctx context.Context, pollID int64, creatorID string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)

	grant := Grant{
		PollID:    pollID,
		CreatorID: creatorID,
		ExpiresAt: time.Now().Add(s.ttl).UTC(),
	}
	if err := s.cache.SetJSON(ctx, cache.TokenKey(token), grant, s.ttl); err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{"poll_id": pollID, "creator_id": creatorID}).
		Debug("issued screenshot token")
	return token, nil
}

// Redeem validates the token against pollID and burns it. The burn is an
// atomic set-if-absent on a tombstone key, so two concurrent redeems of the
// same token cannot both succeed.
func (s *Service) Redeem(ctx context.Context, token string, pollID int64) (*Grant, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}

	var grant Grant
	ok, err := s.cache.GetJSON(ctx, cache.TokenKey(token), &grant)
	if err != nil {
		return nil, err
	}
	if !ok || time.Now().After(grant.ExpiresAt) {
		return nil, ErrTokenInvalid
	}
	if grant.PollID != pollID {
		return nil, ErrWrongPoll
	}

	// Tombstone outlives the grant so a replayed token stays distinguishable
	// from an expired one for a while.
	won, err := s.cache.SetNX(ctx, cache.TokenUsedKey(token), 1, s.ttl*2)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrTokenUsed
	}

	_ = s.cache.Delete(ctx, cache.TokenKey(token))
	return &grant, nil
}
