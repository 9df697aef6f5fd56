package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/gateway"
	"github.com/parley-chat/parley/internal/model"
	"github.com/parley-chat/parley/internal/snowflake"
	"github.com/parley-chat/parley/internal/store"
)

const maxMessageLength = 4096

type messageRequest struct {
	Content string `json:"content"`
}

// channelForMember loads the channel and verifies the caller's guild
// membership, which is the protocol's only channel-level ACL.
func (a *API) channelForMember(w http.ResponseWriter, r *http.Request) (model.Channel, snowflake.ID, bool) {
	ctx := r.Context()
	userID, err := auth.GetUserFromContext(ctx)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Missing credentials.")
		return model.Channel{}, 0, false
	}

	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return model.Channel{}, 0, false
	}

	channel, err := a.store.Channel(ctx, channelID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Channel does not exist or is not available.")
		return model.Channel{}, 0, false
	}

	member, err := a.store.IsMember(ctx, channel.GuildID, userID)
	if err != nil || !member {
		respondError(w, http.StatusForbidden, "Not permitted to access resource.")
		return model.Channel{}, 0, false
	}

	return channel, userID, true
}

func (a *API) CreateMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	channel, userID, ok := a.channelForMember(w, r)
	if !ok {
		return
	}

	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	content := a.sanitizer.Sanitize(req.Content)
	if content == "" || len(content) > maxMessageLength {
		respondError(w, http.StatusBadRequest, "Message content is required.")
		return
	}

	author, err := a.store.User(ctx, userID)
	if err != nil {
		a.log.Error("failed to fetch author", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	message := model.Message{
		ID:        a.gen.Next(),
		ChannelID: channel.ID,
		GuildID:   channel.GuildID,
		Author:    author,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateMessage(ctx, message); err != nil {
		a.log.Error("failed to store message", "channel_id", channel.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	a.disp.Dispatch(ctx, gateway.Event{Name: gateway.EventMessageCreate, Data: message},
		gateway.ChannelScope(channel.ID, channel.GuildID))

	respondJSON(w, http.StatusCreated, message)
}

func (a *API) FetchMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	channel, _, ok := a.channelForMember(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	before := queryID(r, "before")
	after := queryID(r, "after")

	messages, err := a.store.Messages(ctx, channel.ID, limit, before, after)
	if err != nil {
		a.log.Error("failed to load messages", "channel_id", channel.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	respondJSON(w, http.StatusOK, messages)
}

func (a *API) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	channel, userID, ok := a.channelForMember(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}

	message, err := a.store.Message(ctx, messageID)
	if err != nil || message.ChannelID != channel.ID {
		respondError(w, http.StatusNotFound, "Message does not exist or is not available.")
		return
	}
	if message.Author.ID != userID {
		respondError(w, http.StatusForbidden, "Not permitted to edit message.")
		return
	}

	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	content := a.sanitizer.Sanitize(req.Content)
	if content == "" || len(content) > maxMessageLength {
		respondError(w, http.StatusBadRequest, "Message content is required.")
		return
	}

	editedAt := time.Now().UTC()
	if err := a.store.UpdateMessage(ctx, messageID, content, editedAt); err != nil {
		a.log.Error("failed to update message", "message_id", messageID, "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	message.Content = content
	message.EditedAt = &editedAt
	a.disp.Dispatch(ctx, gateway.Event{Name: gateway.EventMessageUpdate, Data: message},
		gateway.ChannelScope(channel.ID, channel.GuildID))

	respondJSON(w, http.StatusOK, message)
}

func (a *API) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	channel, userID, ok := a.channelForMember(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}

	message, err := a.store.Message(ctx, messageID)
	if err != nil || message.ChannelID != channel.ID {
		respondError(w, http.StatusNotFound, "Message does not exist or is not available.")
		return
	}
	if message.Author.ID != userID {
		respondError(w, http.StatusForbidden, "Not permitted to delete message.")
		return
	}

	if err := a.store.DeleteMessage(ctx, messageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Message does not exist or is not available.")
			return
		}
		a.log.Error("failed to delete message", "message_id", messageID, "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	a.disp.Dispatch(ctx, gateway.Event{
		Name: gateway.EventMessageRemove,
		Data: gateway.MessageRemoveData{ID: messageID, ChannelID: channel.ID, GuildID: channel.GuildID},
	}, gateway.ChannelScope(channel.ID, channel.GuildID))

	respondJSON(w, http.StatusNoContent, nil)
}

// AckMessage advances the caller's read state for a channel and syncs the
// new position to their other devices.
func (a *API) AckMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	channel, userID, ok := a.channelForMember(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}

	if err := a.store.UpsertReadState(ctx, userID, channel.ID, messageID); err != nil {
		a.log.Error("failed to update read state", "channel_id", channel.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	a.disp.Dispatch(ctx, gateway.Event{
		Name: gateway.EventMessageAck,
		Data: gateway.MessageAckData{ChannelID: channel.ID, MessageID: messageID},
	}, gateway.UserScope(userID))

	respondJSON(w, http.StatusNoContent, nil)
}

func queryID(r *http.Request, param string) snowflake.ID {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return 0
	}
	id, err := snowflake.Parse(raw)
	if err != nil {
		return 0
	}
	return id
}
