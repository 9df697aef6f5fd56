// Package handler exposes the REST surface. Every mutation persists first,
// then hands the matching event to the gateway dispatcher.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/parley-chat/parley/internal/gateway"
	"github.com/parley-chat/parley/internal/model"
	"github.com/parley-chat/parley/internal/snowflake"
)

// Store is the storage surface the REST handlers need. *store.DB satisfies
// it; tests plug in a fake.
type Store interface {
	CreateUser(ctx context.Context, id snowflake.ID, username, hashedPassword string) error
	UserWithPassword(ctx context.Context, username string) (model.User, string, error)
	User(ctx context.Context, userID snowflake.ID) (model.User, error)
	UpdateUsername(ctx context.Context, userID snowflake.ID, username string) error
	UserGuilds(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error)

	Guild(ctx context.Context, guildID snowflake.ID) (model.Guild, error)
	CreateGuild(ctx context.Context, g model.Guild) error
	UpdateGuild(ctx context.Context, guildID snowflake.ID, name string) (model.Guild, error)
	DeleteGuild(ctx context.Context, guildID snowflake.ID) error
	GuildMembers(ctx context.Context, guildID snowflake.ID) ([]snowflake.ID, error)
	GuildMemberList(ctx context.Context, guildID snowflake.ID) ([]model.Member, error)
	GuildChannels(ctx context.Context, guildID snowflake.ID) ([]model.Channel, error)
	IsMember(ctx context.Context, guildID, userID snowflake.ID) (bool, error)
	AddMember(ctx context.Context, guildID, userID snowflake.ID) (model.Member, error)
	RemoveMember(ctx context.Context, guildID, userID snowflake.ID) error

	Channel(ctx context.Context, channelID snowflake.ID) (model.Channel, error)
	CreateChannel(ctx context.Context, c model.Channel) error
	DeleteChannel(ctx context.Context, channelID snowflake.ID) error

	CreateMessage(ctx context.Context, m model.Message) error
	Message(ctx context.Context, messageID snowflake.ID) (model.Message, error)
	UpdateMessage(ctx context.Context, messageID snowflake.ID, content string, editedAt time.Time) error
	DeleteMessage(ctx context.Context, messageID snowflake.ID) error
	Messages(ctx context.Context, channelID snowflake.ID, limit int, before, after snowflake.ID) ([]model.Message, error)
	UpsertReadState(ctx context.Context, userID, channelID, messageID snowflake.ID) error
}

// API bundles the dependencies the REST handlers share.
type API struct {
	store     Store
	disp      *gateway.Dispatcher
	gen       *snowflake.Generator
	sanitizer *bluemonday.Policy
	secret    string
	issuer    string
	log       *slog.Logger
}

func NewAPI(store Store, disp *gateway.Dispatcher, gen *snowflake.Generator, secret, issuer string, log *slog.Logger) *API {
	return &API{
		store:     store,
		disp:      disp,
		gen:       gen,
		sanitizer: bluemonday.StrictPolicy(),
		secret:    secret,
		issuer:    issuer,
		log:       log,
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body.")
		return false
	}
	return true
}
