package handler

import (
	"net/http"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/gateway"
	"github.com/parley-chat/parley/internal/model"
)

type userUpdateRequest struct {
	Username string `json:"username"`
}

// UpdateSelf renames the authenticated user and announces it to every guild
// they belong to.
func (a *API) UpdateSelf(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := auth.GetUserFromContext(ctx)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Missing credentials.")
		return
	}

	var req userUpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || len(req.Username) > 32 {
		respondError(w, http.StatusBadRequest, "Username is required.")
		return
	}

	if err := a.store.UpdateUsername(ctx, userID, req.Username); err != nil {
		a.log.Warn("failed to update username", "user_id", userID, "error", err)
		respondError(w, http.StatusConflict, "Username is taken.")
		return
	}

	user := model.User{ID: userID, Username: req.Username}
	ev := gateway.Event{Name: gateway.EventUserUpdate, Data: user}

	guildIDs, err := a.store.UserGuilds(ctx, userID)
	if err != nil {
		a.log.Error("failed to resolve guilds for user update", "user_id", userID, "error", err)
	}
	if len(guildIDs) > 0 {
		// Once per session, even for watchers sharing several guilds.
		a.disp.Dispatch(ctx, ev, gateway.GuildsScope(guildIDs))
	} else {
		// Guildless users still sync their own devices.
		a.disp.Dispatch(ctx, ev, gateway.UserScope(userID))
	}

	respondJSON(w, http.StatusOK, user)
}
