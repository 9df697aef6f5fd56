// Package gateway implements the persistent WebSocket side of the chat
// backend: the per-connection protocol state machine, the session registry,
// and the event dispatcher that fans domain events out to connected clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/parley-chat/parley/internal/model"
	"github.com/parley-chat/parley/internal/snowflake"
)

// Verifier authenticates an IDENTIFY token. Implemented by internal/auth.
type Verifier interface {
	Verify(ctx context.Context, token string) (snowflake.ID, error)
}

// Store is the storage surface the gateway reads from. The gateway never
// writes to storage; mutations come in through the REST layer, which calls
// the Dispatcher after each commit.
type Store interface {
	MembershipReader
	UserGuilds(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error)
	ChannelGuild(ctx context.Context, channelID snowflake.ID) (snowflake.ID, error)
	IsMember(ctx context.Context, guildID, userID snowflake.ID) (bool, error)
	User(ctx context.Context, userID snowflake.ID) (model.User, error)
	Guild(ctx context.Context, guildID snowflake.ID) (model.Guild, error)
	GuildChannels(ctx context.Context, guildID snowflake.ID) ([]model.Channel, error)
	GuildMemberList(ctx context.Context, guildID snowflake.ID) ([]model.Member, error)
	ReadStates(ctx context.Context, userID snowflake.ID) ([]model.ReadState, error)
}

// Config carries the protocol timing knobs. Tests shrink these; production
// uses DefaultConfig.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	IdentifyTimeout   time.Duration
	WriteTimeout      time.Duration
	// QueueSize bounds each session's outbound queue. Sized to absorb the
	// GUILD_CREATE burst at connect time without spurious disconnects.
	QueueSize int
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 45 * time.Second,
		HeartbeatGrace:    5 * time.Second,
		IdentifyTimeout:   5 * time.Second,
		WriteTimeout:      10 * time.Second,
		QueueSize:         256,
	}
}

// Gateway owns the session registry and drives each connection through the
// protocol. Constructed once at startup and handed to the HTTP layer; tests
// build isolated instances of their own.
type Gateway struct {
	cfg    Config
	auth   Verifier
	store  Store
	reg    *Registry
	disp   *Dispatcher
	typing *TypingStore
	log    *slog.Logger
}

func New(cfg Config, auth Verifier, store Store, log *slog.Logger) *Gateway {
	reg := NewRegistry()
	return &Gateway{
		cfg:    cfg,
		auth:   auth,
		store:  store,
		reg:    reg,
		disp:   NewDispatcher(reg, store, log),
		typing: NewTypingStore(),
		log:    log,
	}
}

// Dispatcher exposes the dispatcher to the REST layer, which calls it after
// every committed mutation.
func (g *Gateway) Dispatcher() *Dispatcher { return g.disp }

// Registry exposes session lookups, e.g. for presence queries.
func (g *Gateway) Registry() *Registry { return g.reg }

// Typing exposes the typing-indicator store.
func (g *Gateway) Typing() *TypingStore { return g.typing }

// HandleConn runs one connection from upgrade to teardown. It blocks until
// the session is closed, so the HTTP handler calls it from the request
// goroutine the way the upgrade library expects.
func (g *Gateway) HandleConn(ctx context.Context, conn Conn) {
	s := newSession(conn, g.cfg.QueueSize, g.log)
	go s.writeLoop(ctx, g.cfg.WriteTimeout)

	if !s.sendEvent(Event{Name: EventHello, Data: HelloData{
		HeartbeatInterval: g.cfg.HeartbeatInterval.Milliseconds(),
	}}) {
		return
	}
	s.setState(StateAwaitingIdentify)

	user, ok := g.handshake(ctx, s)
	if !ok {
		return
	}
	s.UserID = user.ID

	if err := g.sendReady(ctx, s, user); err != nil {
		// On overflow sendEvent already closed the session.
		if !errors.Is(err, errQueueOverflow) {
			g.log.Error("failed to assemble READY", "user_id", user.ID, "error", err)
			s.shutdown(ReasonDisconnected, CloseServerError, "failed to load session state")
		}
		return
	}

	first := g.reg.Register(user.ID, s)
	s.setState(StateReady)
	s.markHeartbeat(time.Now())
	g.log.Info("session ready", "session_id", s.ID, "user_id", user.ID, "username", user.Username)

	if first {
		g.broadcastPresence(ctx, user.ID, model.PresenceOnline)
	}

	go g.monitorHeartbeat(s)
	g.readLoop(ctx, s)

	// Transport gone or protocol violation; tear down. Deregistration is
	// idempotent, so racing an InvalidateUser is fine.
	s.shutdown(ReasonDisconnected, CloseNormal, "")
	last := g.reg.Deregister(s)
	g.log.Info("session closed", "session_id", s.ID, "user_id", user.ID)

	if last {
		g.broadcastPresence(ctx, user.ID, model.PresenceOffline)
	}
}

// handshake waits for IDENTIFY and authenticates it. Any other frame, a
// malformed frame, or the identify timeout closes the connection with no
// further events. A bad token gets INVALID_SESSION before the close. On
// failure the session is already closed (or closing) when this returns.
func (g *Gateway) handshake(ctx context.Context, s *Session) (model.User, bool) {
	idCtx, cancel := context.WithTimeout(ctx, g.cfg.IdentifyTimeout)
	defer cancel()

	data, err := s.conn.Read(idCtx)
	if err != nil {
		g.log.Debug("no IDENTIFY received", "session_id", s.ID, "error", err)
		s.shutdown(ReasonDisconnected, ClosePolicyViolation, "IDENTIFY expected")
		return model.User{}, false
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil || req.Name != RequestIdentify {
		s.shutdown(ReasonDisconnected, ClosePolicyViolation, "IDENTIFY expected")
		return model.User{}, false
	}

	var payload IdentifyData
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		s.shutdown(ReasonDisconnected, CloseInvalidPayload, "invalid IDENTIFY payload")
		return model.User{}, false
	}

	userID, err := g.auth.Verify(ctx, payload.Token)
	if err != nil {
		g.log.Debug("identify rejected", "session_id", s.ID, "error", err)
		s.sendEvent(Event{Name: EventInvalidSess, Data: InvalidSessionData{Reason: "authentication failed"}})
		s.enqueueClose(ReasonInvalidated, ClosePolicyViolation, "authentication failed")
		// Give the writer a chance to flush INVALID_SESSION before close.
		select {
		case <-s.done:
		case <-time.After(g.cfg.WriteTimeout):
			s.shutdown(ReasonInvalidated, ClosePolicyViolation, "authentication failed")
		}
		return model.User{}, false
	}

	user, err := g.store.User(ctx, userID)
	if err != nil {
		g.log.Error("failed to load user", "user_id", userID, "error", err)
		s.shutdown(ReasonDisconnected, CloseServerError, "failed to load user")
		return model.User{}, false
	}
	return user, true
}

// sendReady enqueues READY followed by one GUILD_CREATE per guild. These go
// through the outbound queue ahead of registration so nothing dispatched
// concurrently can be observed before READY.
func (g *Gateway) sendReady(ctx context.Context, s *Session, user model.User) error {
	guildIDs, err := g.store.UserGuilds(ctx, user.ID)
	if err != nil {
		return err
	}

	guilds := make([]model.Guild, 0, len(guildIDs))
	for _, id := range guildIDs {
		guild, err := g.store.Guild(ctx, id)
		if err != nil {
			return err
		}
		guilds = append(guilds, guild)
	}

	readStates, err := g.store.ReadStates(ctx, user.ID)
	if err != nil {
		return err
	}

	user.Presence = model.PresenceOnline
	if !s.sendEvent(Event{Name: EventReady, Data: ReadyData{
		User:       user,
		Guilds:     guilds,
		ReadStates: readStates,
	}}) {
		return errQueueOverflow
	}

	for _, guild := range guilds {
		members, err := g.store.GuildMemberList(ctx, guild.ID)
		if err != nil {
			return err
		}
		for i := range members {
			members[i].Presence = g.presenceOf(members[i].UserID)
		}

		channels, err := g.store.GuildChannels(ctx, guild.ID)
		if err != nil {
			return err
		}

		if !s.sendEvent(Event{Name: EventGuildCreate, Data: GuildCreateData{
			Guild:    guild,
			Members:  members,
			Channels: channels,
		}}) {
			return errQueueOverflow
		}
	}
	return nil
}

func (g *Gateway) presenceOf(userID snowflake.ID) model.Presence {
	if g.reg.IsOnline(userID) {
		return model.PresenceOnline
	}
	return model.PresenceOffline
}

// readLoop handles client frames while the session is Ready. Returns when
// the transport errors or the client violates the protocol.
func (g *Gateway) readLoop(ctx context.Context, s *Session) {
	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			g.log.Debug("malformed frame", "session_id", s.ID, "error", err)
			s.shutdown(ReasonDisconnected, CloseInvalidPayload, "malformed frame")
			return
		}

		switch req.Name {
		case RequestHeartbeat:
			s.markHeartbeat(time.Now())
			if !s.sendEvent(Event{Name: EventHeartbeatAck}) {
				return
			}

		case RequestStartTyping:
			g.handleStartTyping(ctx, s, req.Data)

		default:
			// IDENTIFY twice, unknown requests: protocol violation.
			s.shutdown(ReasonDisconnected, ClosePolicyViolation, "unexpected request")
			return
		}
	}
}

// handleStartTyping authorizes the request against the channel's guild and
// broadcasts TYPING_START. Unauthorized or malformed requests are silently
// dropped: this is a best-effort UX signal, not worth a connection error.
func (g *Gateway) handleStartTyping(ctx context.Context, s *Session, raw json.RawMessage) {
	var payload StartTypingData
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	if !s.typingLim.Allow() {
		return
	}

	guildID, err := g.store.ChannelGuild(ctx, payload.ChannelID)
	if err != nil {
		return
	}
	member, err := g.store.IsMember(ctx, guildID, s.UserID)
	if err != nil || !member {
		return
	}

	// Suppress re-broadcasts while the previous indicator is still live.
	if g.typing.Refresh(payload.ChannelID, s.UserID) {
		return
	}

	g.disp.Dispatch(ctx, Event{Name: EventTypingStart, Data: TypingStartData{
		UserID:    s.UserID,
		ChannelID: payload.ChannelID,
	}}, ChannelScope(payload.ChannelID, guildID))
}

// monitorHeartbeat closes the session when no HEARTBEAT arrives within the
// interval plus grace. The close surfaces as a read error in readLoop, which
// runs the normal Disconnected teardown.
func (g *Gateway) monitorHeartbeat(s *Session) {
	deadline := g.cfg.HeartbeatInterval + g.cfg.HeartbeatGrace
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			g.log.Debug("heartbeat timeout", "session_id", s.ID, "user_id", s.UserID)
			s.shutdown(ReasonDisconnected, ClosePolicyViolation, "no HEARTBEAT received within timeframe")
			return

		case <-s.hbReset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(deadline)

		case <-s.done:
			return
		}
	}
}

// broadcastPresence announces an online/offline transition to every guild
// the user belongs to.
func (g *Gateway) broadcastPresence(ctx context.Context, userID snowflake.ID, presence model.Presence) {
	guildIDs, err := g.store.UserGuilds(ctx, userID)
	if err != nil {
		g.log.Error("failed to resolve guilds for presence broadcast", "user_id", userID, "error", err)
		return
	}

	ev := Event{Name: EventPresence, Data: PresenceUpdateData{UserID: userID, Presence: presence}}
	g.disp.Dispatch(ctx, ev, GuildsScope(guildIDs))
}

// InvalidateUser force-closes every session of a user, e.g. after a token
// revocation. Each session receives INVALID_SESSION and must re-run the
// full IDENTIFY handshake on reconnect; no stream resumption is offered.
func (g *Gateway) InvalidateUser(userID snowflake.ID, reason string) {
	for _, s := range g.reg.SessionsForUser(userID) {
		if s.sendEvent(Event{Name: EventInvalidSess, Data: InvalidSessionData{Reason: reason}}) {
			s.enqueueClose(ReasonInvalidated, ClosePolicyViolation, reason)
		}
	}
}

// Shutdown closes every live session for server shutdown.
func (g *Gateway) Shutdown() {
	for _, s := range g.reg.All() {
		s.shutdown(ReasonDisconnected, CloseGoingAway, "server shutting down")
	}
}
