package gateway

import (
	"encoding/json"

	"github.com/parley-chat/parley/internal/model"
	"github.com/parley-chat/parley/internal/snowflake"
)

// Server-to-client event names.
const (
	EventHello         = "HELLO"
	EventHeartbeatAck  = "HEARTBEAT_ACK"
	EventReady         = "READY"
	EventInvalidSess   = "INVALID_SESSION"
	EventGuildCreate   = "GUILD_CREATE"
	EventGuildUpdate   = "GUILD_UPDATE"
	EventGuildRemove   = "GUILD_REMOVE"
	EventChannelCreate = "CHANNEL_CREATE"
	EventChannelRemove = "CHANNEL_REMOVE"
	EventMemberCreate  = "MEMBER_CREATE"
	EventMemberRemove  = "MEMBER_REMOVE"
	EventUserUpdate    = "USER_UPDATE"
	EventMessageCreate = "MESSAGE_CREATE"
	EventMessageUpdate = "MESSAGE_UPDATE"
	EventMessageRemove = "MESSAGE_REMOVE"
	EventMessageAck    = "MESSAGE_ACK"
	EventTypingStart   = "TYPING_START"
	EventPresence      = "PRESENCE_UPDATE"
)

// Client-to-server request names.
const (
	RequestIdentify    = "IDENTIFY"
	RequestHeartbeat   = "HEARTBEAT"
	RequestStartTyping = "START_TYPING"
)

// Event is the wire envelope for everything the server pushes to clients.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Request is the wire envelope for everything clients send to the server.
type Request struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

type HelloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type ReadyData struct {
	User       model.User        `json:"user"`
	Guilds     []model.Guild     `json:"guilds"`
	ReadStates []model.ReadState `json:"read_states"`
}

type InvalidSessionData struct {
	Reason string `json:"reason"`
}

type GuildCreateData struct {
	Guild    model.Guild     `json:"guild"`
	Members  []model.Member  `json:"members"`
	Channels []model.Channel `json:"channels"`
}

type GuildRemoveData struct {
	GuildID snowflake.ID `json:"guild_id"`
}

type MemberRemoveData struct {
	ID      snowflake.ID `json:"id"`
	GuildID snowflake.ID `json:"guild_id"`
}

type MessageRemoveData struct {
	ID        snowflake.ID `json:"id"`
	ChannelID snowflake.ID `json:"channel_id"`
	GuildID   snowflake.ID `json:"guild_id"`
}

type MessageAckData struct {
	ChannelID snowflake.ID `json:"channel_id"`
	MessageID snowflake.ID `json:"message_id"`
}

type TypingStartData struct {
	UserID    snowflake.ID `json:"user_id"`
	ChannelID snowflake.ID `json:"channel_id"`
}

type PresenceUpdateData struct {
	UserID   snowflake.ID   `json:"user_id"`
	Presence model.Presence `json:"presence"`
}

type IdentifyData struct {
	Token string `json:"token"`
}

type StartTypingData struct {
	ChannelID snowflake.ID `json:"channel_id"`
}
