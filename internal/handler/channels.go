package handler

import (
	"net/http"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/gateway"
	"github.com/parley-chat/parley/internal/model"
)

type channelRequest struct {
	Name string `json:"name"`
}

func (a *API) CreateChannel(w http.ResponseWriter, r *http.Request) {
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
		respondError(w, http.StatusForbidden, "Not permitted to create channel.")
		return
	}

	var req channelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || len(req.Name) > 100 {
		respondError(w, http.StatusBadRequest, "Channel name is required.")
		return
	}

	channel := model.Channel{ID: a.gen.Next(), GuildID: guildID, Name: req.Name}
	if err := a.store.CreateChannel(ctx, channel); err != nil {
		a.log.Error("failed to create channel", "guild_id", guildID, "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	a.disp.Dispatch(ctx, gateway.Event{Name: gateway.EventChannelCreate, Data: channel},
		gateway.GuildScope(guildID))

	respondJSON(w, http.StatusCreated, channel)
}

func (a *API) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := auth.GetUserFromContext(ctx)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Missing credentials.")
		return
	}

	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}

	channel, err := a.store.Channel(ctx, channelID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Channel does not exist or is not available.")
		return
	}
	guild, err := a.store.Guild(ctx, channel.GuildID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Guild does not exist or is not available.")
		return
	}
	if guild.OwnerID != userID {
		respondError(w, http.StatusForbidden, "Not permitted to delete channel.")
		return
	}

	if err := a.store.DeleteChannel(ctx, channelID); err != nil {
		a.log.Error("failed to delete channel", "channel_id", channelID, "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	a.disp.Dispatch(ctx, gateway.Event{Name: gateway.EventChannelRemove, Data: channel},
		gateway.GuildScope(channel.GuildID))

	respondJSON(w, http.StatusNoContent, nil)
}
