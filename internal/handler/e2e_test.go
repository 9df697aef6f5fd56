package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/gateway"
	"github.com/parley-chat/parley/internal/model"
	ratelimiter "github.com/parley-chat/parley/internal/rate_limiter"
	"github.com/parley-chat/parley/internal/snowflake"
)

const testSecret = "test-secret"

type testEnv struct {
	store  *memStore
	gw     *gateway.Gateway
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := newMemStore()
	gen, err := snowflake.NewGenerator(0, 0)
	require.NoError(t, err)

	cfg := gateway.DefaultConfig()
	cfg.IdentifyTimeout = time.Second
	gw := gateway.New(cfg, auth.NewVerifier(testSecret), store, discardLogger())

	api := NewAPI(store, gw.Dispatcher(), gen, testSecret, "parley-test", discardLogger())

	rl := ratelimiter.NewIPRateLimiter(1000, time.Minute, ratelimiter.CleanupOpts{
		TTL:      time.Minute,
		Interval: time.Minute,
	})
	t.Cleanup(rl.Cancel)

	server := httptest.NewServer(Router(api, gw, testSecret, rl))
	t.Cleanup(server.Close)

	return &testEnv{store: store, gw: gw, server: server}
}

func (e *testEnv) do(t *testing.T, token, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := e.server.Client().Do(req)
	require.NoError(t, err)
	return res
}

func decodeResponse[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	defer res.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func (e *testEnv) signup(t *testing.T, username string) tokenResponse {
	t.Helper()
	res := e.do(t, "", http.MethodPost, "/auth/signup", credentials{
		Username: username,
		Password: "hunter2hunter2",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	return decodeResponse[tokenResponse](t, res)
}

// wsClient is a connected, identified gateway client.
type wsClient struct {
	conn *websocket.Conn
}

func (e *testEnv) connectGateway(t *testing.T, cred tokenResponse) *wsClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/gateway"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	c := &wsClient{conn: conn}
	c.expect(t, gateway.EventHello, nil)
	c.send(t, gateway.RequestIdentify, gateway.IdentifyData{Token: cred.Token})

	var ready gateway.ReadyData
	c.expect(t, gateway.EventReady, &ready)
	for range ready.Guilds {
		c.expect(t, gateway.EventGuildCreate, nil)
	}
	// A guild member's first session hears its own online broadcast.
	if len(ready.Guilds) > 0 {
		c.expect(t, gateway.EventPresence, nil)
	}

	require.Eventually(t, func() bool {
		return e.gw.Registry().IsOnline(cred.User.ID)
	}, time.Second, 5*time.Millisecond)

	return c
}

func (c *wsClient) send(t *testing.T, name string, data any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := json.Marshal(gateway.Event{Name: name, Data: data})
	require.NoError(t, err)
	require.NoError(t, c.conn.Write(ctx, websocket.MessageText, frame))
}

func (c *wsClient) recv(t *testing.T) gateway.Request {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	require.NoError(t, err)
	var ev gateway.Request
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

// expect asserts the next frame is the named event, decoding into out when
// non-nil.
func (c *wsClient) expect(t *testing.T, name string, out any) {
	t.Helper()
	ev := c.recv(t)
	require.Equal(t, name, ev.Name, "unexpected event")
	if out != nil {
		require.NoError(t, json.Unmarshal(ev.Data, out))
	}
}

func TestSignupAndLogin(t *testing.T) {
	env := newTestEnv(t)

	cred := env.signup(t, "ayaka")
	assert.NotEmpty(t, cred.Token)
	assert.Equal(t, "ayaka", cred.User.Username)

	// Duplicate username is rejected.
	res := env.do(t, "", http.MethodPost, "/auth/signup", credentials{Username: "ayaka", Password: "whatever1"})
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	res.Body.Close()

	res = env.do(t, "", http.MethodPost, "/auth/login", credentials{Username: "ayaka", Password: "hunter2hunter2"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	login := decodeResponse[tokenResponse](t, res)
	assert.Equal(t, cred.User.ID, login.User.ID)

	res = env.do(t, "", http.MethodPost, "/auth/login", credentials{Username: "ayaka", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res.Body.Close()

	res = env.do(t, "", http.MethodPost, "/auth/login", credentials{Username: "nobody", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res.Body.Close()
}

func TestRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, "", http.MethodPost, "/guilds", guildRequest{Name: "lounge"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res.Body.Close()

	res = env.do(t, "not-a-jwt", http.MethodPost, "/guilds", guildRequest{Name: "lounge"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res.Body.Close()
}

func TestGuildLifecycleOverGateway(t *testing.T) {
	env := newTestEnv(t)

	owner := env.signup(t, "ayaka")
	joiner := env.signup(t, "eimi")

	ownerWS := env.connectGateway(t, owner)
	joinerWS := env.connectGateway(t, joiner)

	// Create: the owner's devices get the full guild payload.
	res := env.do(t, owner.Token, http.MethodPost, "/guilds", guildRequest{Name: "lounge"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	guild := decodeResponse[model.Guild](t, res)
	assert.Equal(t, owner.User.ID, guild.OwnerID)

	var created gateway.GuildCreateData
	ownerWS.expect(t, gateway.EventGuildCreate, &created)
	assert.Equal(t, guild.ID, created.Guild.ID)
	require.Len(t, created.Members, 1)

	// Join: members hear MEMBER_CREATE, the joiner gets the guild payload.
	res = env.do(t, joiner.Token, http.MethodPut, fmt.Sprintf("/guilds/%d/members/@self", guild.ID), nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res.Body.Close()

	var member model.Member
	ownerWS.expect(t, gateway.EventMemberCreate, &member)
	assert.Equal(t, joiner.User.ID, member.UserID)

	// The joiner is part of the guild audience by the time MEMBER_CREATE
	// fans out, so it precedes their GUILD_CREATE.
	joinerWS.expect(t, gateway.EventMemberCreate, nil)
	var joined gateway.GuildCreateData
	joinerWS.expect(t, gateway.EventGuildCreate, &joined)
	assert.Equal(t, guild.ID, joined.Guild.ID)
	assert.Len(t, joined.Members, 2)

	// Rename: everyone in the guild hears GUILD_UPDATE.
	res = env.do(t, owner.Token, http.MethodPatch, fmt.Sprintf("/guilds/%d", guild.ID), guildRequest{Name: "den"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	var updated model.Guild
	ownerWS.expect(t, gateway.EventGuildUpdate, &updated)
	joinerWS.expect(t, gateway.EventGuildUpdate, &updated)
	assert.Equal(t, "den", updated.Name)

	// Only the owner may rename.
	res = env.do(t, joiner.Token, http.MethodPatch, fmt.Sprintf("/guilds/%d", guild.ID), guildRequest{Name: "mine now"})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res.Body.Close()

	// Leave: remaining members hear MEMBER_REMOVE, the leaver GUILD_REMOVE.
	res = env.do(t, joiner.Token, http.MethodDelete, fmt.Sprintf("/guilds/%d/members/@self", guild.ID), nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	var removed gateway.MemberRemoveData
	ownerWS.expect(t, gateway.EventMemberRemove, &removed)
	assert.Equal(t, joiner.User.ID, removed.ID)

	var gone gateway.GuildRemoveData
	joinerWS.expect(t, gateway.EventGuildRemove, &gone)
	assert.Equal(t, guild.ID, gone.GuildID)

	// Delete: every former member hears GUILD_REMOVE.
	res = env.do(t, owner.Token, http.MethodDelete, fmt.Sprintf("/guilds/%d", guild.ID), nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	ownerWS.expect(t, gateway.EventGuildRemove, &gone)
	assert.Equal(t, guild.ID, gone.GuildID)
}

func TestMessageFlow(t *testing.T) {
	env := newTestEnv(t)

	owner := env.signup(t, "ayaka")
	reader := env.signup(t, "eimi")
	outsider := env.signup(t, "rin")

	res := env.do(t, owner.Token, http.MethodPost, "/guilds", guildRequest{Name: "lounge"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	guild := decodeResponse[model.Guild](t, res)

	res = env.do(t, reader.Token, http.MethodPut, fmt.Sprintf("/guilds/%d/members/@self", guild.ID), nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res.Body.Close()

	res = env.do(t, owner.Token, http.MethodPost, fmt.Sprintf("/guilds/%d/channels", guild.ID), channelRequest{Name: "general"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	channel := decodeResponse[model.Channel](t, res)

	readerWS := env.connectGateway(t, reader)

	// Create.
	res = env.do(t, owner.Token, http.MethodPost, fmt.Sprintf("/channels/%d/messages", channel.ID), messageRequest{Content: "hello there"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	message := decodeResponse[model.Message](t, res)
	assert.Equal(t, owner.User.ID, message.Author.ID)

	var received model.Message
	readerWS.expect(t, gateway.EventMessageCreate, &received)
	assert.Equal(t, "hello there", received.Content)

	// Markup is stripped before storage and fan-out.
	res = env.do(t, owner.Token, http.MethodPost, fmt.Sprintf("/channels/%d/messages", channel.ID), messageRequest{Content: `<script>alert(1)</script>plain`})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	sanitized := decodeResponse[model.Message](t, res)
	assert.Equal(t, "plain", sanitized.Content)
	readerWS.expect(t, gateway.EventMessageCreate, nil)

	// Non-members are rejected and produce no events.
	res = env.do(t, outsider.Token, http.MethodPost, fmt.Sprintf("/channels/%d/messages", channel.ID), messageRequest{Content: "let me in"})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res.Body.Close()

	// Empty content is rejected.
	res = env.do(t, owner.Token, http.MethodPost, fmt.Sprintf("/channels/%d/messages", channel.ID), messageRequest{Content: ""})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()

	// Edit, author-only.
	res = env.do(t, reader.Token, http.MethodPatch, fmt.Sprintf("/channels/%d/messages/%d", channel.ID, message.ID), messageRequest{Content: "hijacked"})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res.Body.Close()

	res = env.do(t, owner.Token, http.MethodPatch, fmt.Sprintf("/channels/%d/messages/%d", channel.ID, message.ID), messageRequest{Content: "hello again"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	edited := decodeResponse[model.Message](t, res)
	assert.Equal(t, "hello again", edited.Content)
	require.NotNil(t, edited.EditedAt)

	var updatedMsg model.Message
	readerWS.expect(t, gateway.EventMessageUpdate, &updatedMsg)
	assert.Equal(t, "hello again", updatedMsg.Content)

	// History is newest first.
	res = env.do(t, owner.Token, http.MethodGet, fmt.Sprintf("/channels/%d/messages?limit=10", channel.ID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	history := decodeResponse[[]model.Message](t, res)
	require.Len(t, history, 2)
	assert.Equal(t, "plain", history[0].Content)
	assert.Equal(t, "hello again", history[1].Content)

	// Ack syncs the reader's own devices only.
	res = env.do(t, reader.Token, http.MethodPost, fmt.Sprintf("/channels/%d/messages/%d/ack", channel.ID, message.ID), nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	var ack gateway.MessageAckData
	readerWS.expect(t, gateway.EventMessageAck, &ack)
	assert.Equal(t, message.ID, ack.MessageID)

	// Delete.
	res = env.do(t, owner.Token, http.MethodDelete, fmt.Sprintf("/channels/%d/messages/%d", channel.ID, message.ID), nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	var removedMsg gateway.MessageRemoveData
	readerWS.expect(t, gateway.EventMessageRemove, &removedMsg)
	assert.Equal(t, message.ID, removedMsg.ID)
}

func TestChannelManagement(t *testing.T) {
	env := newTestEnv(t)

	owner := env.signup(t, "ayaka")
	member := env.signup(t, "eimi")

	res := env.do(t, owner.Token, http.MethodPost, "/guilds", guildRequest{Name: "lounge"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	guild := decodeResponse[model.Guild](t, res)

	res = env.do(t, member.Token, http.MethodPut, fmt.Sprintf("/guilds/%d/members/@self", guild.ID), nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res.Body.Close()

	// Only the owner creates channels.
	res = env.do(t, member.Token, http.MethodPost, fmt.Sprintf("/guilds/%d/channels", guild.ID), channelRequest{Name: "general"})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res.Body.Close()

	memberWS := env.connectGateway(t, member)

	res = env.do(t, owner.Token, http.MethodPost, fmt.Sprintf("/guilds/%d/channels", guild.ID), channelRequest{Name: "general"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	channel := decodeResponse[model.Channel](t, res)

	var createdCh model.Channel
	memberWS.expect(t, gateway.EventChannelCreate, &createdCh)
	assert.Equal(t, channel.ID, createdCh.ID)
	assert.Equal(t, "general", createdCh.Name)

	res = env.do(t, owner.Token, http.MethodDelete, fmt.Sprintf("/channels/%d", channel.ID), nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	var removedCh model.Channel
	memberWS.expect(t, gateway.EventChannelRemove, &removedCh)
	assert.Equal(t, channel.ID, removedCh.ID)
}

func TestUpdateSelfBroadcastsToGuilds(t *testing.T) {
	env := newTestEnv(t)

	user := env.signup(t, "ayaka")
	peer := env.signup(t, "eimi")

	res := env.do(t, user.Token, http.MethodPost, "/guilds", guildRequest{Name: "lounge"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	guild := decodeResponse[model.Guild](t, res)

	res = env.do(t, peer.Token, http.MethodPut, fmt.Sprintf("/guilds/%d/members/@self", guild.ID), nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res.Body.Close()

	peerWS := env.connectGateway(t, peer)

	res = env.do(t, user.Token, http.MethodPatch, "/users/@self", userUpdateRequest{Username: "ayaka-v2"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	renamed := decodeResponse[model.User](t, res)
	assert.Equal(t, "ayaka-v2", renamed.Username)

	var broadcast model.User
	peerWS.expect(t, gateway.EventUserUpdate, &broadcast)
	assert.Equal(t, user.User.ID, broadcast.ID)
	assert.Equal(t, "ayaka-v2", broadcast.Username)

	// Renaming onto a taken name conflicts.
	res = env.do(t, user.Token, http.MethodPatch, "/users/@self", userUpdateRequest{Username: "eimi"})
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	res.Body.Close()
}

func TestGatewayReadyAfterRESTSetup(t *testing.T) {
	env := newTestEnv(t)

	owner := env.signup(t, "ayaka")

	res := env.do(t, owner.Token, http.MethodPost, "/guilds", guildRequest{Name: "lounge"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	guild := decodeResponse[model.Guild](t, res)

	res = env.do(t, owner.Token, http.MethodPost, fmt.Sprintf("/guilds/%d/channels", guild.ID), channelRequest{Name: "general"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	channel := decodeResponse[model.Channel](t, res)

	res = env.do(t, owner.Token, http.MethodPost, fmt.Sprintf("/channels/%d/messages", channel.ID), messageRequest{Content: "first"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	message := decodeResponse[model.Message](t, res)

	res = env.do(t, owner.Token, http.MethodPost, fmt.Sprintf("/channels/%d/messages/%d/ack", channel.ID, message.ID), nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	// A fresh connection sees the accumulated state in READY and
	// GUILD_CREATE.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/gateway"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	c := &wsClient{conn: conn}
	c.expect(t, gateway.EventHello, nil)
	c.send(t, gateway.RequestIdentify, gateway.IdentifyData{Token: owner.Token})

	var ready gateway.ReadyData
	c.expect(t, gateway.EventReady, &ready)
	require.Len(t, ready.Guilds, 1)
	assert.Equal(t, guild.ID, ready.Guilds[0].ID)
	require.Len(t, ready.ReadStates, 1)
	assert.Equal(t, message.ID, ready.ReadStates[0].LastMessageID)

	var gc gateway.GuildCreateData
	c.expect(t, gateway.EventGuildCreate, &gc)
	require.Len(t, gc.Channels, 1)
	assert.Equal(t, channel.ID, gc.Channels[0].ID)
}
