package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/gateway"
	"github.com/parley-chat/parley/internal/model"
	"github.com/parley-chat/parley/internal/snowflake"
	"github.com/parley-chat/parley/internal/store"
)

// memStore is an in-memory implementation of both the REST and gateway
// storage surfaces.
type memStore struct {
	mu         sync.Mutex
	users      map[snowflake.ID]model.User
	passwords  map[string]snowflake.ID // username -> user
	hashes     map[snowflake.ID]string
	guilds     map[snowflake.ID]model.Guild
	channels   map[snowflake.ID]model.Channel
	members    map[snowflake.ID]map[snowflake.ID]time.Time // guild -> user -> joined
	messages   map[snowflake.ID]model.Message
	readStates map[snowflake.ID]map[snowflake.ID]snowflake.ID // user -> channel -> message
}

func newMemStore() *memStore {
	return &memStore{
		users:      make(map[snowflake.ID]model.User),
		passwords:  make(map[string]snowflake.ID),
		hashes:     make(map[snowflake.ID]string),
		guilds:     make(map[snowflake.ID]model.Guild),
		channels:   make(map[snowflake.ID]model.Channel),
		members:    make(map[snowflake.ID]map[snowflake.ID]time.Time),
		messages:   make(map[snowflake.ID]model.Message),
		readStates: make(map[snowflake.ID]map[snowflake.ID]snowflake.ID),
	}
}

func (m *memStore) CreateUser(_ context.Context, id snowflake.ID, username, hashed string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.passwords[username]; taken {
		return errors.New("username taken")
	}
	m.users[id] = model.User{ID: id, Username: username}
	m.passwords[username] = id
	m.hashes[id] = hashed
	return nil
}

func (m *memStore) UserWithPassword(_ context.Context, username string) (model.User, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.passwords[username]
	if !ok {
		return model.User{}, "", store.ErrNotFound
	}
	return m.users[id], m.hashes[id], nil
}

func (m *memStore) User(_ context.Context, userID snowflake.ID) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return model.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memStore) UpdateUsername(_ context.Context, userID snowflake.ID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	if other, taken := m.passwords[username]; taken && other != userID {
		return errors.New("username taken")
	}
	delete(m.passwords, u.Username)
	u.Username = username
	m.users[userID] = u
	m.passwords[username] = userID
	return nil
}

func (m *memStore) UserGuilds(_ context.Context, userID snowflake.ID) ([]snowflake.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []snowflake.ID
	for guildID, members := range m.members {
		if _, ok := members[userID]; ok {
			out = append(out, guildID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *memStore) Guild(_ context.Context, guildID snowflake.ID) (model.Guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guilds[guildID]
	if !ok {
		return model.Guild{}, store.ErrNotFound
	}
	return g, nil
}

func (m *memStore) CreateGuild(_ context.Context, g model.Guild) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guilds[g.ID] = g
	m.members[g.ID] = map[snowflake.ID]time.Time{g.OwnerID: time.Now()}
	return nil
}

func (m *memStore) UpdateGuild(_ context.Context, guildID snowflake.ID, name string) (model.Guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guilds[guildID]
	if !ok {
		return model.Guild{}, store.ErrNotFound
	}
	g.Name = name
	m.guilds[guildID] = g
	return g, nil
}

func (m *memStore) DeleteGuild(_ context.Context, guildID snowflake.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.guilds[guildID]; !ok {
		return store.ErrNotFound
	}
	delete(m.guilds, guildID)
	delete(m.members, guildID)
	for id, c := range m.channels {
		if c.GuildID == guildID {
			delete(m.channels, id)
		}
	}
	for id, msg := range m.messages {
		if msg.GuildID == guildID {
			delete(m.messages, id)
		}
	}
	return nil
}

func (m *memStore) GuildMembers(_ context.Context, guildID snowflake.ID) ([]snowflake.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]snowflake.ID, 0, len(m.members[guildID]))
	for id := range m.members[guildID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *memStore) GuildMemberList(_ context.Context, guildID snowflake.ID) ([]model.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Member, 0, len(m.members[guildID]))
	for id, joined := range m.members[guildID] {
		out = append(out, model.Member{
			UserID:   id,
			GuildID:  guildID,
			Username: m.users[id].Username,
			JoinedAt: joined,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memStore) GuildChannels(_ context.Context, guildID snowflake.ID) ([]model.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Channel
	for _, c := range m.channels {
		if c.GuildID == guildID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) IsMember(_ context.Context, guildID, userID snowflake.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.members[guildID][userID]
	return ok, nil
}

func (m *memStore) AddMember(_ context.Context, guildID, userID snowflake.ID) (model.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.members[guildID]
	if !ok {
		return model.Member{}, store.ErrNotFound
	}
	if _, already := members[userID]; already {
		return model.Member{}, store.ErrNotFound
	}
	joined := time.Now()
	members[userID] = joined
	return model.Member{
		UserID:   userID,
		GuildID:  guildID,
		Username: m.users[userID].Username,
		JoinedAt: joined,
	}, nil
}

func (m *memStore) RemoveMember(_ context.Context, guildID, userID snowflake.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.members[guildID]
	if !ok {
		return store.ErrNotFound
	}
	if _, present := members[userID]; !present {
		return store.ErrNotFound
	}
	delete(members, userID)
	return nil
}

func (m *memStore) Channel(_ context.Context, channelID snowflake.ID) (model.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[channelID]
	if !ok {
		return model.Channel{}, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) ChannelGuild(ctx context.Context, channelID snowflake.ID) (snowflake.ID, error) {
	c, err := m.Channel(ctx, channelID)
	return c.GuildID, err
}

func (m *memStore) CreateChannel(_ context.Context, c model.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.ID] = c
	return nil
}

func (m *memStore) DeleteChannel(_ context.Context, channelID snowflake.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channelID]; !ok {
		return store.ErrNotFound
	}
	delete(m.channels, channelID)
	return nil
}

func (m *memStore) CreateMessage(_ context.Context, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	return nil
}

func (m *memStore) Message(_ context.Context, messageID snowflake.ID) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return model.Message{}, store.ErrNotFound
	}
	return msg, nil
}

func (m *memStore) UpdateMessage(_ context.Context, messageID snowflake.ID, content string, editedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return store.ErrNotFound
	}
	msg.Content = content
	msg.EditedAt = &editedAt
	m.messages[messageID] = msg
	return nil
}

func (m *memStore) DeleteMessage(_ context.Context, messageID snowflake.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[messageID]; !ok {
		return store.ErrNotFound
	}
	delete(m.messages, messageID)
	return nil
}

func (m *memStore) Messages(_ context.Context, channelID snowflake.ID, limit int, before, after snowflake.ID) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []model.Message
	for _, msg := range m.messages {
		if msg.ChannelID != channelID {
			continue
		}
		if before != 0 && msg.ID >= before {
			continue
		}
		if after != 0 && msg.ID <= after {
			continue
		}
		out = append(out, msg)
	}
	// Newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) UpsertReadState(_ context.Context, userID, channelID, messageID snowflake.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readStates[userID] == nil {
		m.readStates[userID] = make(map[snowflake.ID]snowflake.ID)
	}
	m.readStates[userID][channelID] = messageID
	return nil
}

func (m *memStore) ReadStates(_ context.Context, userID snowflake.ID) ([]model.ReadState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ReadState
	for channelID, messageID := range m.readStates[userID] {
		out = append(out, model.ReadState{ChannelID: channelID, LastMessageID: messageID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

var (
	_ Store         = (*memStore)(nil)
	_ gateway.Store = (*memStore)(nil)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
