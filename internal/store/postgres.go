package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-chat/parley/internal/model"
	"github.com/parley-chat/parley/internal/snowflake"
)

// DB wraps a pgx pool with the queries the gateway and REST layer need.
type DB struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

func wrapNotFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- gateway read surface ---

func (db *DB) GuildMembers(ctx context.Context, guildID snowflake.ID) ([]snowflake.ID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT user_id FROM members WHERE guild_id = $1`, int64(guildID))
	if err != nil {
		return nil, fmt.Errorf("guild members: %w", err)
	}
	return collectIDs(rows)
}

func (db *DB) UserGuilds(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT guild_id FROM members WHERE user_id = $1`, int64(userID))
	if err != nil {
		return nil, fmt.Errorf("user guilds: %w", err)
	}
	return collectIDs(rows)
}

func (db *DB) ChannelGuild(ctx context.Context, channelID snowflake.ID) (snowflake.ID, error) {
	var guildID int64
	err := db.pool.QueryRow(ctx,
		`SELECT guild_id FROM channels WHERE id = $1`, int64(channelID)).Scan(&guildID)
	if err != nil {
		return 0, wrapNotFound(err, "channel guild")
	}
	return snowflake.ID(guildID), nil
}

func (db *DB) IsMember(ctx context.Context, guildID, userID snowflake.ID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM members WHERE guild_id = $1 AND user_id = $2)`,
		int64(guildID), int64(userID)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return exists, nil
}

func (db *DB) User(ctx context.Context, userID snowflake.ID) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, username FROM users WHERE id = $1`, int64(userID)).
		Scan(&u.ID, &u.Username)
	if err != nil {
		return model.User{}, wrapNotFound(err, "user")
	}
	return u, nil
}

func (db *DB) Guild(ctx context.Context, guildID snowflake.ID) (model.Guild, error) {
	var g model.Guild
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, owner_id FROM guilds WHERE id = $1`, int64(guildID)).
		Scan(&g.ID, &g.Name, &g.OwnerID)
	if err != nil {
		return model.Guild{}, wrapNotFound(err, "guild")
	}
	return g, nil
}

func (db *DB) GuildChannels(ctx context.Context, guildID snowflake.ID) ([]model.Channel, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, guild_id, name FROM channels WHERE guild_id = $1 ORDER BY id`, int64(guildID))
	if err != nil {
		return nil, fmt.Errorf("guild channels: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Channel, error) {
		var c model.Channel
		err := row.Scan(&c.ID, &c.GuildID, &c.Name)
		return c, err
	})
}

func (db *DB) GuildMemberList(ctx context.Context, guildID snowflake.ID) ([]model.Member, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT m.user_id, m.guild_id, u.username, m.joined_at
		 FROM members m JOIN users u ON u.id = m.user_id
		 WHERE m.guild_id = $1 ORDER BY m.joined_at`, int64(guildID))
	if err != nil {
		return nil, fmt.Errorf("guild member list: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Member, error) {
		var m model.Member
		err := row.Scan(&m.UserID, &m.GuildID, &m.Username, &m.JoinedAt)
		return m, err
	})
}

func (db *DB) ReadStates(ctx context.Context, userID snowflake.ID) ([]model.ReadState, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT channel_id, last_message_id FROM read_states WHERE user_id = $1`, int64(userID))
	if err != nil {
		return nil, fmt.Errorf("read states: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ReadState, error) {
		var rs model.ReadState
		err := row.Scan(&rs.ChannelID, &rs.LastMessageID)
		return rs, err
	})
}

// --- REST write surface ---

func (db *DB) CreateUser(ctx context.Context, id snowflake.ID, username, hashedPassword string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, username, hashed_password) VALUES ($1, $2, $3)`,
		int64(id), username, hashedPassword)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// UserWithPassword returns the user row plus its password hash, for login.
func (db *DB) UserWithPassword(ctx context.Context, username string) (model.User, string, error) {
	var u model.User
	var hash string
	err := db.pool.QueryRow(ctx,
		`SELECT id, username, hashed_password FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &hash)
	if err != nil {
		return model.User{}, "", wrapNotFound(err, "user by username")
	}
	return u, hash, nil
}

func (db *DB) UpdateUsername(ctx context.Context, userID snowflake.ID, username string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET username = $2 WHERE id = $1`, int64(userID), username)
	if err != nil {
		return fmt.Errorf("update username: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update username: %w", ErrNotFound)
	}
	return nil
}

// CreateGuild inserts the guild and its owner's membership in one
// transaction so a guild is never observable without its owner.
func (db *DB) CreateGuild(ctx context.Context, g model.Guild) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create guild: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO guilds (id, name, owner_id) VALUES ($1, $2, $3)`,
		int64(g.ID), g.Name, int64(g.OwnerID)); err != nil {
		return fmt.Errorf("create guild: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO members (user_id, guild_id) VALUES ($1, $2)`,
		int64(g.OwnerID), int64(g.ID)); err != nil {
		return fmt.Errorf("create guild owner membership: %w", err)
	}
	return tx.Commit(ctx)
}

func (db *DB) UpdateGuild(ctx context.Context, guildID snowflake.ID, name string) (model.Guild, error) {
	var g model.Guild
	err := db.pool.QueryRow(ctx,
		`UPDATE guilds SET name = $2 WHERE id = $1 RETURNING id, name, owner_id`,
		int64(guildID), name).
		Scan(&g.ID, &g.Name, &g.OwnerID)
	if err != nil {
		return model.Guild{}, wrapNotFound(err, "update guild")
	}
	return g, nil
}

func (db *DB) DeleteGuild(ctx context.Context, guildID snowflake.ID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM guilds WHERE id = $1`, int64(guildID))
	if err != nil {
		return fmt.Errorf("delete guild: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete guild: %w", ErrNotFound)
	}
	return nil
}

func (db *DB) CreateChannel(ctx context.Context, c model.Channel) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO channels (id, guild_id, name) VALUES ($1, $2, $3)`,
		int64(c.ID), int64(c.GuildID), c.Name)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (db *DB) Channel(ctx context.Context, channelID snowflake.ID) (model.Channel, error) {
	var c model.Channel
	err := db.pool.QueryRow(ctx,
		`SELECT id, guild_id, name FROM channels WHERE id = $1`, int64(channelID)).
		Scan(&c.ID, &c.GuildID, &c.Name)
	if err != nil {
		return model.Channel{}, wrapNotFound(err, "channel")
	}
	return c, nil
}

func (db *DB) DeleteChannel(ctx context.Context, channelID snowflake.ID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, int64(channelID))
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete channel: %w", ErrNotFound)
	}
	return nil
}

func (db *DB) AddMember(ctx context.Context, guildID, userID snowflake.ID) (model.Member, error) {
	var m model.Member
	err := db.pool.QueryRow(ctx,
		`WITH ins AS (
		    INSERT INTO members (user_id, guild_id) VALUES ($1, $2)
		    ON CONFLICT DO NOTHING
		    RETURNING user_id, guild_id, joined_at
		 )
		 SELECT i.user_id, i.guild_id, u.username, i.joined_at
		 FROM ins i JOIN users u ON u.id = i.user_id`,
		int64(userID), int64(guildID)).
		Scan(&m.UserID, &m.GuildID, &m.Username, &m.JoinedAt)
	if err != nil {
		return model.Member{}, wrapNotFound(err, "add member")
	}
	return m, nil
}

func (db *DB) RemoveMember(ctx context.Context, guildID, userID snowflake.ID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM members WHERE guild_id = $1 AND user_id = $2`,
		int64(guildID), int64(userID))
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("remove member: %w", ErrNotFound)
	}
	return nil
}

func (db *DB) CreateMessage(ctx context.Context, m model.Message) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO messages (id, channel_id, user_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		int64(m.ID), int64(m.ChannelID), int64(m.Author.ID), m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (db *DB) Message(ctx context.Context, messageID snowflake.ID) (model.Message, error) {
	var m model.Message
	err := db.pool.QueryRow(ctx,
		`SELECT msg.id, msg.channel_id, c.guild_id, msg.content, msg.created_at, msg.edited_at,
		        u.id, u.username
		 FROM messages msg
		 JOIN channels c ON c.id = msg.channel_id
		 JOIN users u ON u.id = msg.user_id
		 WHERE msg.id = $1`, int64(messageID)).
		Scan(&m.ID, &m.ChannelID, &m.GuildID, &m.Content, &m.CreatedAt, &m.EditedAt,
			&m.Author.ID, &m.Author.Username)
	if err != nil {
		return model.Message{}, wrapNotFound(err, "message")
	}
	return m, nil
}

func (db *DB) UpdateMessage(ctx context.Context, messageID snowflake.ID, content string, editedAt time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1`,
		int64(messageID), content, editedAt)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update message: %w", ErrNotFound)
	}
	return nil
}

func (db *DB) DeleteMessage(ctx context.Context, messageID snowflake.ID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, int64(messageID))
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete message: %w", ErrNotFound)
	}
	return nil
}

// Messages lists a channel's messages newest-first. A zero before/after
// means no bound.
func (db *DB) Messages(ctx context.Context, channelID snowflake.ID, limit int, before, after snowflake.ID) ([]model.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := db.pool.Query(ctx,
		`SELECT msg.id, msg.channel_id, c.guild_id, msg.content, msg.created_at, msg.edited_at,
		        u.id, u.username
		 FROM messages msg
		 JOIN channels c ON c.id = msg.channel_id
		 JOIN users u ON u.id = msg.user_id
		 WHERE msg.channel_id = $1
		   AND ($2::bigint = 0 OR msg.id < $2)
		   AND ($3::bigint = 0 OR msg.id > $3)
		 ORDER BY msg.id DESC
		 LIMIT $4`,
		int64(channelID), int64(before), int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Message, error) {
		var m model.Message
		err := row.Scan(&m.ID, &m.ChannelID, &m.GuildID, &m.Content, &m.CreatedAt, &m.EditedAt,
			&m.Author.ID, &m.Author.Username)
		return m, err
	})
}

func (db *DB) UpsertReadState(ctx context.Context, userID, channelID, messageID snowflake.ID) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO read_states (user_id, channel_id, last_message_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, channel_id) DO UPDATE SET last_message_id = EXCLUDED.last_message_id`,
		int64(userID), int64(channelID), int64(messageID))
	if err != nil {
		return fmt.Errorf("upsert read state: %w", err)
	}
	return nil
}

func collectIDs(rows pgx.Rows) ([]snowflake.ID, error) {
	raw, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect ids: %w", err)
	}
	out := make([]snowflake.ID, len(raw))
	for i, v := range raw {
		out[i] = snowflake.ID(v)
	}
	return out, nil
}
