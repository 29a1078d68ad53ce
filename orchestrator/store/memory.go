package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-node dev mode. It
// serializes everything behind one mutex, which also gives CollectVote the
// same per-(poll, user) write serialization the Postgres advisory lock does.
type MemoryStore struct {
	mu         sync.Mutex
	polls      map[int64]*Poll
	votes      map[int64]*Vote
	users      map[string]*User
	prefs      map[string]*UserPreference
	guilds     map[string]*Guild
	channels   map[string]*Channel
	nextPollID int64
	nextVoteID int64
	nextPrefID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		polls:    make(map[int64]*Poll),
		votes:    make(map[int64]*Vote),
		users:    make(map[string]*User),
		prefs:    make(map[string]*UserPreference),
		guilds:   make(map[string]*Guild),
		channels: make(map[string]*Channel),
	}
}

func (s *MemoryStore) Close()                            {}
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func copyPoll(p *Poll) *Poll {
	cp := *p
	cp.Options = append([]string(nil), p.Options...)
	cp.Emojis = append([]string(nil), p.Emojis...)
	return &cp
}

// --- Poll Operations ---

func (s *MemoryStore) CreatePoll(ctx context.Context, p *Poll) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !p.MultipleChoice {
		p.MaxChoices = 1
	}
	s.nextPollID++
	p.ID = s.nextPollID
	p.Status = StatusScheduled
	p.CreatedAt = time.Now().UTC()
	s.polls[p.ID] = copyPoll(p)
	return nil
}

func (s *MemoryStore) GetPoll(ctx context.Context, id int64) (*Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[id]
	if !ok {
		return nil, ErrPollNotFound
	}
	return copyPoll(p), nil
}

func (s *MemoryStore) GetPollByMessageID(ctx context.Context, messageID string) (*Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.polls {
		if p.MessageID != "" && p.MessageID == messageID {
			return copyPoll(p), nil
		}
	}
	return nil, ErrPollNotFound
}

func (s *MemoryStore) ListPollsByStatus(ctx context.Context, status string) ([]*Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Poll
	for _, p := range s.polls {
		if p.Status == status {
			out = append(out, copyPoll(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListPollsByGuild(ctx context.Context, guildID string, limit int) ([]*Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Poll
	for _, p := range s.polls {
		if p.ServerID == guildID {
			out = append(out, copyPoll(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListClosedPollsNewestFirst(ctx context.Context, limit int) ([]*Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Poll
	for _, p := range s.polls {
		if p.Status == StatusClosed {
			out = append(out, copyPoll(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkActive(ctx context.Context, id int64, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[id]
	if !ok {
		return ErrPollNotFound
	}
	if p.Status != StatusScheduled {
		return ErrNotScheduled
	}
	p.Status = StatusActive
	p.MessageID = messageID
	return nil
}

func (s *MemoryStore) MarkClosed(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[id]
	if !ok {
		return false, ErrPollNotFound
	}
	if p.Status == StatusClosed {
		return true, nil
	}
	if p.Status != StatusActive {
		return false, ErrNotActive
	}
	p.Status = StatusClosed
	p.ClosedAt = time.Now().UTC()
	return false, nil
}

func (s *MemoryStore) MarkReopened(ctx context.Context, id int64, newCloseTime time.Time, resetVotes bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[id]
	if !ok {
		return ErrPollNotFound
	}
	if p.Status != StatusClosed {
		return ErrNotClosed
	}
	if p.MessageID == "" {
		return ErrNoMessage
	}
	p.Status = StatusActive
	p.CloseTime = newCloseTime.UTC()
	p.ClosedAt = time.Time{}
	if resetVotes {
		for id, v := range s.votes {
			if v.PollID == p.ID {
				delete(s.votes, id)
			}
		}
	}
	return nil
}

func (s *MemoryStore) SetImageMessageID(ctx context.Context, id int64, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[id]
	if !ok {
		return ErrPollNotFound
	}
	p.ImageMsgID = messageID
	return nil
}

func (s *MemoryStore) SetEmojis(ctx context.Context, id int64, emojis []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[id]
	if !ok {
		return ErrPollNotFound
	}
	p.Emojis = append([]string(nil), emojis...)
	return nil
}

func (s *MemoryStore) DeletePoll(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.polls[id]; !ok {
		return ErrPollNotFound
	}
	delete(s.polls, id)
	for vid, v := range s.votes {
		if v.PollID == id {
			delete(s.votes, vid)
		}
	}
	return nil
}

// --- Vote Operations ---

func (s *MemoryStore) CollectVote(ctx context.Context, pollID int64, userID string, optionIndex int) (VoteAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.polls[pollID]
	if !ok {
		return ActionIgnored, ErrPollNotFound
	}
	if p.Status != StatusActive {
		return ActionIgnored, nil
	}
	if optionIndex < 0 || optionIndex >= len(p.Options) {
		return ActionIgnored, ErrInvalidOption
	}

	var prior []*Vote
	for _, v := range s.votes {
		if v.PollID == pollID && v.UserID == userID {
			prior = append(prior, v)
		}
	}
	sort.Slice(prior, func(i, j int) bool { return prior[i].ID < prior[j].ID })

	insert := func() VoteAction {
		s.nextVoteID++
		s.votes[s.nextVoteID] = &Vote{
			ID:          s.nextVoteID,
			PollID:      pollID,
			UserID:      userID,
			OptionIndex: optionIndex,
			VotedAt:     time.Now().UTC(),
		}
		return ActionAdded
	}

	if !p.MultipleChoice {
		if len(prior) == 0 {
			return insert(), nil
		}
		if prior[0].OptionIndex == optionIndex {
			delete(s.votes, prior[0].ID)
			return ActionRemoved, nil
		}
		prior[0].OptionIndex = optionIndex
		prior[0].VotedAt = time.Now().UTC()
		return ActionChanged, nil
	}

	for _, v := range prior {
		if v.OptionIndex == optionIndex {
			delete(s.votes, v.ID)
			return ActionRemoved, nil
		}
	}
	if len(prior) >= p.EffectiveMaxChoices() {
		return ActionIgnored, ErrVoteCapHit
	}
	return insert(), nil
}

func (s *MemoryStore) ListVotes(ctx context.Context, pollID int64) ([]*Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Vote
	for _, v := range s.votes {
		if v.PollID == pollID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListVotesByUser(ctx context.Context, pollID int64, userID string) ([]*Vote, error) {
	votes, _ := s.ListVotes(ctx, pollID)
	var out []*Vote
	for _, v := range votes {
		if v.UserID == userID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *MemoryStore) CountVotesByOption(ctx context.Context, pollID int64) (map[int]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[int]int)
	for _, v := range s.votes {
		if v.PollID == pollID {
			counts[v.OptionIndex]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) CountUniqueVoters(ctx context.Context, pollID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, v := range s.votes {
		if v.PollID == pollID {
			seen[v.UserID] = true
		}
	}
	return len(seen), nil
}

// --- User Operations ---

func (s *MemoryStore) UpsertUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.users[u.ID]; ok {
		existing.Username = u.Username
		existing.Avatar = u.Avatar
		existing.UpdatedAt = now
		return nil
	}
	cp := *u
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// --- Preference Operations ---

func (s *MemoryStore) GetPreference(ctx context.Context, userID string) (*UserPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pref, ok := s.prefs[userID]
	if !ok {
		return nil, nil
	}
	cp := *pref
	return &cp, nil
}

func (s *MemoryStore) SavePreference(ctx context.Context, pref *UserPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pref
	if existing, ok := s.prefs[pref.UserID]; ok {
		cp.ID = existing.ID
	} else {
		s.nextPrefID++
		cp.ID = s.nextPrefID
	}
	cp.UpdatedAt = time.Now().UTC()
	s.prefs[pref.UserID] = &cp
	return nil
}

// --- Guild/Channel Hierarchy Cache ---

func (s *MemoryStore) UpsertGuild(ctx context.Context, g *Guild) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	cp.UpdatedAt = time.Now().UTC()
	s.guilds[g.ID] = &cp
	return nil
}

func (s *MemoryStore) UpsertChannel(ctx context.Context, c *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	s.channels[c.ID] = &cp
	return nil
}

func (s *MemoryStore) ListGuilds(ctx context.Context) ([]*Guild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Guild
	for _, g := range s.guilds {
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) ListChannels(ctx context.Context, guildID string) ([]*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Channel
	for _, c := range s.channels {
		if c.GuildID == guildID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}
