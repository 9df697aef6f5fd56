package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/parley-chat/parley/internal/snowflake"
)

// MembershipReader resolves guild membership for audience computation.
// Membership is read fresh per dispatch rather than cached, so a join or
// leave committed before the triggering write is always reflected in the
// audience.
type MembershipReader interface {
	GuildMembers(ctx context.Context, guildID snowflake.ID) ([]snowflake.ID, error)
}

type scopeKind int

const (
	scopeGuild scopeKind = iota
	scopeGuilds
	scopeChannel
	scopeUser
)

// Scope selects the audience of a dispatched event.
type Scope struct {
	kind      scopeKind
	guildID   snowflake.ID
	guildIDs  []snowflake.ID
	channelID snowflake.ID
	userID    snowflake.ID
}

// GuildScope targets every session of every member of the guild.
func GuildScope(guildID snowflake.ID) Scope {
	return Scope{kind: scopeGuild, guildID: guildID}
}

// GuildsScope targets the union of the guilds' members. A member shared
// across several of the guilds receives the event once per session, not once
// per guild, so user-level announcements fan out without duplicates.
func GuildsScope(guildIDs []snowflake.ID) Scope {
	return Scope{kind: scopeGuilds, guildIDs: guildIDs}
}

// ChannelScope targets the channel's audience. Channels carry no ACL beyond
// guild membership, so this resolves to the owning guild's audience.
func ChannelScope(channelID, guildID snowflake.ID) Scope {
	return Scope{kind: scopeChannel, channelID: channelID, guildID: guildID}
}

// UserScope targets every session of one user, e.g. syncing a MESSAGE_ACK
// to the user's other devices.
func UserScope(userID snowflake.ID) Scope {
	return Scope{kind: scopeUser, userID: userID}
}

// Dispatcher fans domain events out to connected sessions. Callers fire and
// forget: a failure to deliver to one session never surfaces to the caller
// and never affects delivery to the others.
type Dispatcher struct {
	reg     *Registry
	members MembershipReader
	log     *slog.Logger
}

func NewDispatcher(reg *Registry, members MembershipReader, log *slog.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, members: members, log: log}
}

// Dispatch resolves the scope's audience against the live registry,
// serializes the event once, and enqueues the identical bytes onto every
// target session. It never blocks on a slow consumer; a session whose queue
// is full is forcibly closed instead.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event, scope Scope) {
	frame, err := json.Marshal(ev)
	if err != nil {
		d.log.Error("failed to marshal event", "event", ev.Name, "error", err)
		return
	}

	for _, s := range d.audience(ctx, scope) {
		if !s.TrySend(frame) {
			d.log.Warn("outbound queue overflow, closing session",
				"session_id", s.ID,
				"user_id", s.UserID,
				"event", ev.Name)
			s.shutdown(ReasonDisconnected, ClosePolicyViolation, "outbound queue overflow")
		}
	}
}

func (d *Dispatcher) audience(ctx context.Context, scope Scope) []*Session {
	switch scope.kind {
	case scopeUser:
		return d.reg.SessionsForUser(scope.userID)

	case scopeGuild, scopeChannel:
		memberIDs, err := d.members.GuildMembers(ctx, scope.guildID)
		if err != nil {
			d.log.Error("failed to resolve guild members", "guild_id", scope.guildID, "error", err)
			return nil
		}
		var out []*Session
		for _, id := range memberIDs {
			// Offline members contribute nothing.
			out = append(out, d.reg.SessionsForUser(id)...)
		}
		return out

	case scopeGuilds:
		seen := make(map[snowflake.ID]struct{})
		var out []*Session
		for _, guildID := range scope.guildIDs {
			memberIDs, err := d.members.GuildMembers(ctx, guildID)
			if err != nil {
				d.log.Error("failed to resolve guild members", "guild_id", guildID, "error", err)
				continue
			}
			for _, id := range memberIDs {
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				out = append(out, d.reg.SessionsForUser(id)...)
			}
		}
		return out
	}
	return nil
}
