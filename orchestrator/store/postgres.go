package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool     *pgxpool.Pool
	cacheDir string
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
// cacheDir points at the on-disk derived-state directory that is wiped when
// a migration runs; empty disables the wipe.
func NewPostgresStore(ctx context.Context, connString string, cacheDir string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, cacheDir: cacheDir}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// pollColumns is the canonical select list. Nullable columns are coalesced so
// scanning never needs in-band null handling.
const pollColumns = `
	id, name, question, options_json, emojis_json,
	COALESCE(image_path, ''), COALESCE(image_message_text, ''), COALESCE(image_message_id, ''),
	server_id, COALESCE(server_name, ''), channel_id, COALESCE(channel_name, ''),
	creator_id, COALESCE(message_id, ''),
	open_time, close_time, timezone,
	anonymous, multiple_choice, COALESCE(max_choices, 1), open_immediately,
	ping_role_enabled, COALESCE(ping_role_id, ''), COALESCE(ping_role_name, ''),
	ping_role_on_open, ping_role_on_close, ping_role_on_update,
	status, created_at, COALESCE(closed_at, 'epoch'::timestamp)`

func scanPoll(row pgx.Row) (*Poll, error) {
	var p Poll
	var optionsJSON, emojisJSON string
	err := row.Scan(
		&p.ID, &p.Name, &p.Question, &optionsJSON, &emojisJSON,
		&p.ImagePath, &p.ImageText, &p.ImageMsgID,
		&p.ServerID, &p.ServerName, &p.ChannelID, &p.ChannelName,
		&p.CreatorID, &p.MessageID,
		&p.OpenTime, &p.CloseTime, &p.Timezone,
		&p.Anonymous, &p.MultipleChoice, &p.MaxChoices, &p.OpenImmediately,
		&p.PingRoleEnabled, &p.PingRoleID, &p.PingRoleName,
		&p.PingRoleOnOpen, &p.PingRoleOnClose, &p.PingRoleOnUpdate,
		&p.Status, &p.CreatedAt, &p.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(optionsJSON), &p.Options); err != nil {
		return nil, fmt.Errorf("decode options for poll %d: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(emojisJSON), &p.Emojis); err != nil {
		return nil, fmt.Errorf("decode emojis for poll %d: %w", p.ID, err)
	}
	p.OpenTime = p.OpenTime.UTC()
	p.CloseTime = p.CloseTime.UTC()
	return &p, nil
}

// --- Poll Operations ---

func (s *PostgresStore) CreatePoll(ctx context.Context, p *Poll) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if !p.MultipleChoice {
		p.MaxChoices = 1
	}
	optionsJSON, _ := json.Marshal(p.Options)
	emojisJSON, _ := json.Marshal(p.Emojis)

	query := `
		INSERT INTO polls (
			name, question, options_json, emojis_json,
			image_path, image_message_text, server_id, server_name,
			channel_id, channel_name, creator_id,
			open_time, close_time, timezone,
			anonymous, multiple_choice, max_choices, open_immediately,
			ping_role_enabled, ping_role_id, ping_role_name,
			ping_role_on_open, ping_role_on_close, ping_role_on_update,
			status, created_at
		) VALUES (
			$1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, ''),
			$9, NULLIF($10, ''), $11, $12, $13, $14,
			$15, $16, $17, $18, $19, NULLIF($20, ''), NULLIF($21, ''),
			$22, $23, $24, $25, NOW()
		) RETURNING id, created_at`
	return s.pool.QueryRow(ctx, query,
		p.Name, p.Question, string(optionsJSON), string(emojisJSON),
		p.ImagePath, p.ImageText, p.ServerID, p.ServerName,
		p.ChannelID, p.ChannelName, p.CreatorID,
		p.OpenTime.UTC(), p.CloseTime.UTC(), p.Timezone,
		p.Anonymous, p.MultipleChoice, p.MaxChoices, p.OpenImmediately,
		p.PingRoleEnabled, p.PingRoleID, p.PingRoleName,
		p.PingRoleOnOpen, p.PingRoleOnClose, p.PingRoleOnUpdate,
		StatusScheduled,
	).Scan(&p.ID, &p.CreatedAt)
}

func (s *PostgresStore) GetPoll(ctx context.Context, id int64) (*Poll, error) {
	p, err := scanPoll(s.pool.QueryRow(ctx, `SELECT `+pollColumns+` FROM polls WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPollNotFound
	}
	return p, err
}

func (s *PostgresStore) GetPollByMessageID(ctx context.Context, messageID string) (*Poll, error) {
	p, err := scanPoll(s.pool.QueryRow(ctx,
		`SELECT `+pollColumns+` FROM polls WHERE message_id = $1`, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPollNotFound
	}
	return p, err
}

func (s *PostgresStore) listPolls(ctx context.Context, query string, args ...any) ([]*Poll, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var polls []*Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, err
		}
		polls = append(polls, p)
	}
	return polls, rows.Err()
}

func (s *PostgresStore) ListPollsByStatus(ctx context.Context, status string) ([]*Poll, error) {
	return s.listPolls(ctx, `SELECT `+pollColumns+` FROM polls WHERE status = $1 ORDER BY id`, status)
}

func (s *PostgresStore) ListPollsByGuild(ctx context.Context, guildID string, limit int) ([]*Poll, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listPolls(ctx,
		`SELECT `+pollColumns+` FROM polls WHERE server_id = $1 ORDER BY id DESC LIMIT $2`, guildID, limit)
}

func (s *PostgresStore) ListClosedPollsNewestFirst(ctx context.Context, limit int) ([]*Poll, error) {
	return s.listPolls(ctx,
		`SELECT `+pollColumns+` FROM polls WHERE status = $1 ORDER BY id DESC LIMIT $2`, StatusClosed, limit)
}

// MarkActive flips scheduled -> active with the posted message id. The guard
// lives in the WHERE clause so a concurrent opener loses atomically.
func (s *PostgresStore) MarkActive(ctx context.Context, id int64, messageID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE polls SET status = $2, message_id = $3 WHERE id = $1 AND status = $4`,
		id, StatusActive, messageID, StatusScheduled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id, ErrNotScheduled)
	}
	return nil
}

// MarkClosed flips active -> closed. The status must change before reactions
// are cleared chat-side so racing vote events observe closed and decline.
func (s *PostgresStore) MarkClosed(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE polls SET status = $2, closed_at = NOW() WHERE id = $1 AND status = $3`,
		id, StatusClosed, StatusActive)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return false, nil
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM polls WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrPollNotFound
	}
	if err != nil {
		return false, err
	}
	if status == StatusClosed {
		return true, nil
	}
	return false, ErrNotActive
}

func (s *PostgresStore) MarkReopened(ctx context.Context, id int64, newCloseTime time.Time, resetVotes bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE polls SET status = $2, close_time = $3, closed_at = NULL
		 WHERE id = $1 AND status = $4 AND message_id IS NOT NULL`,
		id, StatusActive, newCloseTime.UTC(), StatusClosed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id, ErrNotClosed)
	}
	if resetVotes {
		if _, err := tx.Exec(ctx, `DELETE FROM votes WHERE poll_id = $1`, id); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SetImageMessageID(ctx context.Context, id int64, messageID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE polls SET image_message_id = $2 WHERE id = $1`, id, messageID)
	return err
}

func (s *PostgresStore) SetEmojis(ctx context.Context, id int64, emojis []string) error {
	emojisJSON, _ := json.Marshal(emojis)
	tag, err := s.pool.Exec(ctx, `UPDATE polls SET emojis_json = $2 WHERE id = $1`, id, string(emojisJSON))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPollNotFound
	}
	return nil
}

func (s *PostgresStore) DeletePoll(ctx context.Context, id int64) error {
	// Votes cascade via the FK.
	tag, err := s.pool.Exec(ctx, `DELETE FROM polls WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPollNotFound
	}
	return nil
}

// transitionFailure distinguishes "poll missing" from "guard failed" after a
// zero-row transition update.
func (s *PostgresStore) transitionFailure(ctx context.Context, id int64, guardErr error) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM polls WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrPollNotFound
	}
	return guardErr
}

// --- Vote Operations ---

// CollectVote runs the full vote decision inside one transaction. Writes for
// the same (poll, user) pair are serialized with a transaction-scoped
// advisory lock, so concurrent reaction events and safeguard replays cannot
// interleave between the read and the write.
func (s *PostgresStore) CollectVote(ctx context.Context, pollID int64, userID string, optionIndex int) (VoteAction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ActionIgnored, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1::text || ':' || $2))`, pollID, userID); err != nil {
		return ActionIgnored, err
	}

	// Re-read the poll inside the transaction: a racing closure must win.
	var status, optionsJSON string
	var multipleChoice bool
	var maxChoices int
	err = tx.QueryRow(ctx,
		`SELECT status, options_json, multiple_choice, COALESCE(max_choices, 1) FROM polls WHERE id = $1`,
		pollID).Scan(&status, &optionsJSON, &multipleChoice, &maxChoices)
	if errors.Is(err, pgx.ErrNoRows) {
		return ActionIgnored, ErrPollNotFound
	}
	if err != nil {
		return ActionIgnored, mapConcurrencyError(err)
	}
	if status != StatusActive {
		return ActionIgnored, nil
	}

	var options []string
	if err := json.Unmarshal([]byte(optionsJSON), &options); err != nil {
		return ActionIgnored, err
	}
	if optionIndex < 0 || optionIndex >= len(options) {
		return ActionIgnored, ErrInvalidOption
	}
	if !multipleChoice {
		maxChoices = 1
	} else if maxChoices <= 0 || maxChoices > len(options) {
		maxChoices = len(options)
	}

	rows, err := tx.Query(ctx,
		`SELECT id, option_index FROM votes WHERE poll_id = $1 AND user_id = $2 ORDER BY id`, pollID, userID)
	if err != nil {
		return ActionIgnored, mapConcurrencyError(err)
	}
	var prior []priorVote
	for rows.Next() {
		var e priorVote
		if err := rows.Scan(&e.id, &e.option); err != nil {
			rows.Close()
			return ActionIgnored, err
		}
		prior = append(prior, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ActionIgnored, err
	}

	action, err := s.applyVoteDecision(ctx, tx, pollID, userID, optionIndex, multipleChoice, maxChoices, prior)
	if err != nil {
		return ActionIgnored, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ActionIgnored, mapConcurrencyError(err)
	}
	return action, nil
}

// priorVote is an existing vote row considered by the decision step.
type priorVote struct {
	id     int64
	option int
}

func (s *PostgresStore) applyVoteDecision(ctx context.Context, tx pgx.Tx, pollID int64, userID string, optionIndex int, multipleChoice bool, maxChoices int, prior []priorVote) (VoteAction, error) {
	if !multipleChoice {
		if len(prior) == 0 {
			_, err := tx.Exec(ctx,
				`INSERT INTO votes (poll_id, user_id, option_index, voted_at) VALUES ($1, $2, $3, NOW())`,
				pollID, userID, optionIndex)
			return ActionAdded, err
		}
		if prior[0].option == optionIndex {
			// Toggle off.
			_, err := tx.Exec(ctx, `DELETE FROM votes WHERE poll_id = $1 AND user_id = $2`, pollID, userID)
			return ActionRemoved, err
		}
		_, err := tx.Exec(ctx,
			`UPDATE votes SET option_index = $3, voted_at = NOW() WHERE id = $1 AND user_id = $2`,
			prior[0].id, userID, optionIndex)
		return ActionChanged, err
	}

	for _, e := range prior {
		if e.option == optionIndex {
			_, err := tx.Exec(ctx, `DELETE FROM votes WHERE id = $1`, e.id)
			return ActionRemoved, err
		}
	}
	if len(prior) >= maxChoices {
		return ActionIgnored, ErrVoteCapHit
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO votes (poll_id, user_id, option_index, voted_at) VALUES ($1, $2, $3, NOW())`,
		pollID, userID, optionIndex)
	return ActionAdded, err
}

// mapConcurrencyError surfaces database serialization conflicts as
// ErrStaleWrite so the vote engine can apply its single retry.
func mapConcurrencyError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return ErrStaleWrite
		}
	}
	return err
}

func (s *PostgresStore) ListVotes(ctx context.Context, pollID int64) ([]*Vote, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, poll_id, user_id, option_index, voted_at FROM votes WHERE poll_id = $1 ORDER BY id`, pollID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var votes []*Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.ID, &v.PollID, &v.UserID, &v.OptionIndex, &v.VotedAt); err != nil {
			return nil, err
		}
		votes = append(votes, &v)
	}
	return votes, rows.Err()
}

func (s *PostgresStore) ListVotesByUser(ctx context.Context, pollID int64, userID string) ([]*Vote, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, poll_id, user_id, option_index, voted_at FROM votes WHERE poll_id = $1 AND user_id = $2 ORDER BY id`,
		pollID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var votes []*Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.ID, &v.PollID, &v.UserID, &v.OptionIndex, &v.VotedAt); err != nil {
			return nil, err
		}
		votes = append(votes, &v)
	}
	return votes, rows.Err()
}

func (s *PostgresStore) CountVotesByOption(ctx context.Context, pollID int64) (map[int]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT option_index, COUNT(*) FROM votes WHERE poll_id = $1 GROUP BY option_index`, pollID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var option, count int
		if err := rows.Scan(&option, &count); err != nil {
			return nil, err
		}
		counts[option] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) CountUniqueVoters(ctx context.Context, pollID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM votes WHERE poll_id = $1`, pollID).Scan(&count)
	return count, err
}

// --- User Operations ---

func (s *PostgresStore) UpsertUser(ctx context.Context, u *User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, avatar, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			avatar = EXCLUDED.avatar,
			updated_at = NOW()`,
		u.ID, u.Username, u.Avatar)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, avatar, created_at, updated_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.Avatar, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Preference Operations ---

func (s *PostgresStore) GetPreference(ctx context.Context, userID string) (*UserPreference, error) {
	var pref UserPreference
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, last_server_id, last_channel_id, COALESCE(last_role_id, ''),
		       default_timezone, timezone_explicitly_set, updated_at
		FROM user_preferences WHERE user_id = $1`, userID).
		Scan(&pref.ID, &pref.UserID, &pref.LastServerID, &pref.LastChannelID, &pref.LastRoleID,
			&pref.DefaultTimezone, &pref.TimezoneSet, &pref.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pref, nil
}

func (s *PostgresStore) SavePreference(ctx context.Context, pref *UserPreference) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_preferences (user_id, last_server_id, last_channel_id, last_role_id,
			default_timezone, timezone_explicitly_set, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			last_server_id = EXCLUDED.last_server_id,
			last_channel_id = EXCLUDED.last_channel_id,
			last_role_id = EXCLUDED.last_role_id,
			default_timezone = EXCLUDED.default_timezone,
			timezone_explicitly_set = EXCLUDED.timezone_explicitly_set,
			updated_at = NOW()`,
		pref.UserID, pref.LastServerID, pref.LastChannelID, pref.LastRoleID,
		pref.DefaultTimezone, pref.TimezoneSet)
	return err
}

// --- Guild/Channel Hierarchy Cache ---

func (s *PostgresStore) UpsertGuild(ctx context.Context, g *Guild) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO guilds (id, name, icon, owner_id, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			icon = EXCLUDED.icon,
			owner_id = EXCLUDED.owner_id,
			updated_at = NOW()`,
		g.ID, g.Name, g.Icon, g.OwnerID)
	return err
}

func (s *PostgresStore) UpsertChannel(ctx context.Context, c *Channel) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channels (id, guild_id, name, type, position, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			guild_id = EXCLUDED.guild_id,
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			position = EXCLUDED.position,
			updated_at = NOW()`,
		c.ID, c.GuildID, c.Name, c.Type, c.Position)
	return err
}

func (s *PostgresStore) ListGuilds(ctx context.Context) ([]*Guild, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, icon, owner_id, updated_at FROM guilds ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var guilds []*Guild
	for rows.Next() {
		var g Guild
		if err := rows.Scan(&g.ID, &g.Name, &g.Icon, &g.OwnerID, &g.UpdatedAt); err != nil {
			return nil, err
		}
		guilds = append(guilds, &g)
	}
	return guilds, rows.Err()
}

func (s *PostgresStore) ListChannels(ctx context.Context, guildID string) ([]*Channel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, guild_id, name, type, position, updated_at FROM channels WHERE guild_id = $1 ORDER BY position`,
		guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.GuildID, &c.Name, &c.Type, &c.Position, &c.UpdatedAt); err != nil {
			return nil, err
		}
		channels = append(channels, &c)
	}
	return channels, rows.Err()
}
