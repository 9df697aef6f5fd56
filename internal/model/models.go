// Package model defines the domain entities shared by the gateway, the
// storage layer, and the REST handlers.
package model

import (
	"time"

	"github.com/parley-chat/parley/internal/snowflake"
)

// Presence is a user's connection status as seen by other users.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// User holds the public fields of an account.
type User struct {
	ID       snowflake.ID `json:"id"`
	Username string       `json:"username"`
	Presence Presence     `json:"presence,omitempty"`
}

// Guild is a named collection of channels and members.
type Guild struct {
	ID      snowflake.ID `json:"id"`
	Name    string       `json:"name"`
	OwnerID snowflake.ID `json:"owner_id"`
}

// Channel is a guild-scoped message stream.
type Channel struct {
	ID      snowflake.ID `json:"id"`
	GuildID snowflake.ID `json:"guild_id"`
	Name    string       `json:"name"`
}

// Member is a user's membership in one guild.
type Member struct {
	UserID   snowflake.ID `json:"user_id"`
	GuildID  snowflake.ID `json:"guild_id"`
	Username string       `json:"username"`
	Presence Presence     `json:"presence,omitempty"`
	JoinedAt time.Time    `json:"joined_at"`
}

// Message is a chat message posted to a channel.
type Message struct {
	ID        snowflake.ID `json:"id"`
	ChannelID snowflake.ID `json:"channel_id"`
	GuildID   snowflake.ID `json:"guild_id"`
	Author    User         `json:"author"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
	EditedAt  *time.Time   `json:"edited_at,omitempty"`
}

// ReadState records the last message a user acknowledged in a channel.
type ReadState struct {
	ChannelID     snowflake.ID `json:"channel_id"`
	LastMessageID snowflake.ID `json:"last_message_id"`
}
