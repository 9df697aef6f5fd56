package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/gateway"
	"github.com/parley-chat/parley/internal/model"
	"github.com/parley-chat/parley/internal/snowflake"
	"github.com/parley-chat/parley/internal/store"
)

type guildRequest struct {
	Name string `json:"name"`
}

func (a *API) CreateGuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := auth.GetUserFromContext(ctx)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Missing credentials.")
		return
	}

	var req guildRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || len(req.Name) > 100 {
		respondError(w, http.StatusBadRequest, "Guild name is required.")
		return
	}

	guild := model.Guild{ID: a.gen.Next(), Name: req.Name, OwnerID: userID}
	if err := a.store.CreateGuild(ctx, guild); err != nil {
		a.log.Error("failed to create guild", "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	// The creator's devices learn about the new guild through the same
	// GUILD_CREATE payload the gateway sends at connect time.
	a.dispatchGuildCreate(r, guild, gateway.UserScope(userID))

	respondJSON(w, http.StatusCreated, guild)
}

func (a *API) UpdateGuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := auth.GetUserFromContext(ctx)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Missing credentials.")
		return
	}

	guildID, ok := pathID(w, r, "guildID")
	if !ok {
		return
	}

	guild, err := a.store.Guild(ctx, guildID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Guild does not exist or is not available.")
		return
	}
	if guild.OwnerID != userID {
		respondError(w, http.StatusForbidden, "Not permitted to update guild.")
		return
	}

	var req guildRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || len(req.Name) > 100 {
		respondError(w, http.StatusBadRequest, "Guild name is required.")
		return
	}

	updated, err := a.store.UpdateGuild(ctx, guildID, req.Name)
	if err != nil {
		a.log.Error("failed to update guild", "guild_id", guildID, "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	a.disp.Dispatch(ctx, gateway.Event{Name: gateway.EventGuildUpdate, Data: updated},
		gateway.GuildScope(guildID))

	respondJSON(w, http.StatusOK, updated)
}

func (a *API) DeleteGuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := auth.GetUserFromContext(ctx)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Missing credentials.")
		return
	}

	guildID, ok := pathID(w, r, "guildID")
	if !ok {
		return
	}

	guild, err := a.store.Guild(ctx, guildID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Guild does not exist or is not available.")
		return
	}
	if guild.OwnerID != userID {
		respondError(w, http.StatusForbidden, "Not permitted to delete guild.")
		return
	}

	// Membership rows cascade away with the guild, so snapshot the
	// audience before the delete commits.
	memberIDs, err := a.store.GuildMembers(ctx, guildID)
	if err != nil {
		a.log.Error("failed to list members", "guild_id", guildID, "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	if err := a.store.DeleteGuild(ctx, guildID); err != nil {
		a.log.Error("failed to delete guild", "guild_id", guildID, "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	ev := gateway.Event{Name: gateway.EventGuildRemove, Data: gateway.GuildRemoveData{GuildID: guildID}}
	for _, memberID := range memberIDs {
		a.disp.Dispatch(ctx, ev, gateway.UserScope(memberID))
	}

	respondJSON(w, http.StatusNoContent, nil)
}

// JoinGuild adds the authenticated user to a guild.
func (a *API) JoinGuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := auth.GetUserFromContext(ctx)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Missing credentials.")
		return
	}

	guildID, ok := pathID(w, r, "guildID")
	if !ok {
		return
	}

	guild, err := a.store.Guild(ctx, guildID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Guild does not exist or is not available.")
		return
	}

	member, err := a.store.AddMember(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// ON CONFLICT DO NOTHING yields no row when already a member.
			respondError(w, http.StatusConflict, "Already a member.")
			return
		}
		a.log.Error("failed to add member", "guild_id", guildID, "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}
	member.Presence = model.PresenceOnline

	a.disp.Dispatch(ctx, gateway.Event{Name: gateway.EventMemberCreate, Data: member},
		gateway.GuildScope(guildID))
	// The joiner also needs the full guild payload to populate its cache.
	a.dispatchGuildCreate(r, guild, gateway.UserScope(userID))

	respondJSON(w, http.StatusCreated, member)
}

// LeaveGuild removes a member; the guild owner may remove anyone, a member
// may remove themselves.
func (a *API) LeaveGuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := auth.GetUserFromContext(ctx)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Missing credentials.")
		return
	}

	guildID, ok := pathID(w, r, "guildID")
	if !ok {
		return
	}
	targetID := userID
	if raw := chi.URLParam(r, "userID"); raw != "@self" {
		if targetID, ok = pathID(w, r, "userID"); !ok {
			return
		}
	}

	guild, err := a.store.Guild(ctx, guildID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Guild does not exist or is not available.")
		return
	}
	if targetID != userID && guild.OwnerID != userID {
		respondError(w, http.StatusForbidden, "Not permitted to remove member.")
		return
	}
	if targetID == guild.OwnerID {
		respondError(w, http.StatusBadRequest, "The guild owner cannot leave.")
		return
	}

	if err := a.store.RemoveMember(ctx, guildID, targetID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Not a member.")
			return
		}
		a.log.Error("failed to remove member", "guild_id", guildID, "user_id", targetID, "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	// The removal committed before this fan-out, so the fresh membership
	// read excludes the leaver; they get a GUILD_REMOVE instead.
	a.disp.Dispatch(ctx, gateway.Event{
		Name: gateway.EventMemberRemove,
		Data: gateway.MemberRemoveData{ID: targetID, GuildID: guildID},
	}, gateway.GuildScope(guildID))
	a.disp.Dispatch(ctx, gateway.Event{
		Name: gateway.EventGuildRemove,
		Data: gateway.GuildRemoveData{GuildID: guildID},
	}, gateway.UserScope(targetID))

	respondJSON(w, http.StatusNoContent, nil)
}

func (a *API) dispatchGuildCreate(r *http.Request, guild model.Guild, scope gateway.Scope) {
	ctx := r.Context()

	members, err := a.store.GuildMemberList(ctx, guild.ID)
	if err != nil {
		a.log.Error("failed to assemble guild payload", "guild_id", guild.ID, "error", err)
		return
	}
	channels, err := a.store.GuildChannels(ctx, guild.ID)
	if err != nil {
		a.log.Error("failed to assemble guild payload", "guild_id", guild.ID, "error", err)
		return
	}

	a.disp.Dispatch(ctx, gateway.Event{Name: gateway.EventGuildCreate, Data: gateway.GuildCreateData{
		Guild:    guild,
		Members:  members,
		Channels: channels,
	}}, scope)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (snowflake.ID, bool) {
	id, err := snowflake.Parse(chi.URLParam(r, param))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Malformed ID.")
		return 0, false
	}
	return id, true
}
