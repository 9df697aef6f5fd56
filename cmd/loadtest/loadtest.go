// Command loadtest drives a running server with synthetic clients: each
// client signs up, connects to the gateway, identifies, heartbeats, and
// posts messages into a shared guild.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parley-chat/parley/internal/gateway"
	"github.com/parley-chat/parley/internal/model"
)

var (
	baseURL  = flag.String("base", "http://localhost:8080", "server base URL")
	wsURL    = flag.String("ws", "ws://localhost:8080/gateway", "gateway URL")
	clients  = flag.Int("clients", 10, "number of concurrent clients")
	messages = flag.Int("messages", 20, "messages per client")
)

type tokenResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

func main() {
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	run := time.Now().UnixMilli()

	// First client owns the guild everyone else joins.
	owner, err := signup(ctx, fmt.Sprintf("load-%d-owner", run))
	if err != nil {
		log.Fatalf("signup owner: %v", err)
	}

	var guild model.Guild
	if err := call(ctx, owner.Token, http.MethodPost, "/guilds",
		map[string]string{"name": "loadtest"}, &guild); err != nil {
		log.Fatalf("create guild: %v", err)
	}

	var channel model.Channel
	if err := call(ctx, owner.Token, http.MethodPost,
		fmt.Sprintf("/guilds/%d/channels", guild.ID),
		map[string]string{"name": "general"}, &channel); err != nil {
		log.Fatalf("create channel: %v", err)
	}

	var wg sync.WaitGroup
	for i := range *clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runClient(ctx, i, run, guild, channel); err != nil {
				log.Printf("client %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	log.Printf("done: %d clients x %d messages", *clients, *messages)
}

func runClient(ctx context.Context, i int, run int64, guild model.Guild, channel model.Channel) error {
	cred, err := signup(ctx, fmt.Sprintf("load-%d-%d", run, i))
	if err != nil {
		return fmt.Errorf("signup: %w", err)
	}

	if err := call(ctx, cred.Token, http.MethodPut,
		fmt.Sprintf("/guilds/%d/members/@self", guild.ID), nil, nil); err != nil {
		return fmt.Errorf("join guild: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, *wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello, err := readEvent(ctx, conn)
	if err != nil {
		return fmt.Errorf("read HELLO: %w", err)
	}
	var helloData gateway.HelloData
	if err := json.Unmarshal(hello.Data, &helloData); err != nil {
		return fmt.Errorf("decode HELLO: %w", err)
	}

	if err := writeEvent(ctx, conn, gateway.RequestIdentify,
		gateway.IdentifyData{Token: cred.Token}); err != nil {
		return fmt.Errorf("send IDENTIFY: %w", err)
	}

	ready, err := readEvent(ctx, conn)
	if err != nil {
		return fmt.Errorf("read READY: %w", err)
	}
	if ready.Name != gateway.EventReady {
		return fmt.Errorf("expected READY, got %s", ready.Name)
	}

	// Drain the socket so the outbound queue never fills.
	go func() {
		for {
			if _, err := readEvent(ctx, conn); err != nil {
				return
			}
		}
	}()

	interval := time.Duration(helloData.HeartbeatInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	for sent < *messages {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := writeEvent(ctx, conn, gateway.RequestHeartbeat, nil); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		default:
			if err := call(ctx, cred.Token, http.MethodPost,
				fmt.Sprintf("/channels/%d/messages", channel.ID),
				map[string]string{"content": fmt.Sprintf("message %d from client %d", sent, i)},
				nil); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
			sent++
			time.Sleep(100 * time.Millisecond)
		}
	}

	return nil
}

func signup(ctx context.Context, username string) (tokenResponse, error) {
	var out tokenResponse
	err := call(ctx, "", http.MethodPost, "/auth/signup", map[string]string{
		"username": username,
		"password": "loadtest-password",
	}, &out)
	return out, err
}

func call(ctx context.Context, token, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, *baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d", method, path, res.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}

func readEvent(ctx context.Context, conn *websocket.Conn) (gateway.Request, error) {
	var ev gateway.Request
	_, data, err := conn.Read(ctx)
	if err != nil {
		return ev, err
	}
	return ev, json.Unmarshal(data, &ev)
}

func writeEvent(ctx context.Context, conn *websocket.Conn, name string, data any) error {
	payload, err := json.Marshal(gateway.Event{Name: name, Data: data})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}
