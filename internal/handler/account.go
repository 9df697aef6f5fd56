package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/model"
	"github.com/parley-chat/parley/internal/store"
)

const tokenLifetime = 24 * time.Hour

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// Signup creates an account and returns a token for it.
func (a *API) Signup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var creds credentials
	if !decodeBody(w, r, &creds) {
		return
	}
	if creds.Username == "" || len(creds.Username) > 32 || creds.Password == "" {
		respondError(w, http.StatusBadRequest, "Username and password are required.")
		return
	}

	hashed, err := auth.HashPassword(creds.Password)
	if err != nil {
		a.log.Error("failed to hash password", "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	id := a.gen.Next()
	if err := a.store.CreateUser(ctx, id, creds.Username, hashed); err != nil {
		a.log.Warn("failed to create user", "username", creds.Username, "error", err)
		respondError(w, http.StatusConflict, "Username is taken.")
		return
	}

	token, err := auth.MakeJWT(id, a.secret, a.issuer, tokenLifetime)
	if err != nil {
		a.log.Error("failed to make JWT", "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	respondJSON(w, http.StatusCreated, tokenResponse{
		Token: token,
		User:  model.User{ID: id, Username: creds.Username},
	})
}

// Login verifies credentials and returns a fresh token.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var creds credentials
	if !decodeBody(w, r, &creds) {
		return
	}

	user, hash, err := a.store.UserWithPassword(ctx, creds.Username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.log.Error("failed to fetch user", "error", err)
		}
		respondError(w, http.StatusUnauthorized, "Invalid username or password.")
		return
	}

	ok, err := auth.CheckPasswordHash(creds.Password, hash)
	if err != nil {
		slog.Error("cannot verify password, hash may be corrupted", "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}
	if !ok {
		respondError(w, http.StatusUnauthorized, "Invalid username or password.")
		return
	}

	token, err := auth.MakeJWT(user.ID, a.secret, a.issuer, tokenLifetime)
	if err != nil {
		a.log.Error("failed to make JWT", "error", err)
		respondError(w, http.StatusInternalServerError, "Server error.")
		return
	}

	respondJSON(w, http.StatusOK, tokenResponse{Token: token, User: user})
}
