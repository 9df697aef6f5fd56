package handler

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/parley-chat/parley/internal"
	"github.com/parley-chat/parley/internal/gateway"
	ratelimiter "github.com/parley-chat/parley/internal/rate_limiter"
)

// Router assembles the REST routes and the gateway upgrade endpoint.
func Router(api *API, gw *gateway.Gateway, tokenSecret string, rl *ratelimiter.IPRateLimiter) http.Handler {
	r := chi.NewRouter()

	// Signup and login are the only unauthenticated endpoints, so they get
	// the IP throttle.
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return rl.Middleware(next) })
		r.Post("/auth/signup", api.Signup)
		r.Post("/auth/login", api.Login)
	})

	r.Get("/gateway", serveGateway(gw))

	r.Group(func(r chi.Router) {
		r.Use(requireAuth(tokenSecret))

		r.Patch("/users/@self", api.UpdateSelf)

		r.Post("/guilds", api.CreateGuild)
		r.Patch("/guilds/{guildID}", api.UpdateGuild)
		r.Delete("/guilds/{guildID}", api.DeleteGuild)
		r.Put("/guilds/{guildID}/members/@self", api.JoinGuild)
		r.Delete("/guilds/{guildID}/members/{userID}", api.LeaveGuild)

		r.Post("/guilds/{guildID}/channels", api.CreateChannel)
		r.Delete("/channels/{channelID}", api.DeleteChannel)

		r.Post("/channels/{channelID}/messages", api.CreateMessage)
		r.Get("/channels/{channelID}/messages", api.FetchMessages)
		r.Patch("/channels/{channelID}/messages/{messageID}", api.UpdateMessage)
		r.Delete("/channels/{channelID}/messages/{messageID}", api.DeleteMessage)
		r.Post("/channels/{channelID}/messages/{messageID}/ack", api.AckMessage)
	})

	return r
}

func requireAuth(tokenSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return internal.Middleware(next, tokenSecret)
	}
}

// serveGateway upgrades the connection and hands it to the gateway. Auth
// happens over the socket via IDENTIFY, not at upgrade time.
func serveGateway(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		gw.HandleConn(r.Context(), gateway.NewWSConn(conn))
	}
}
