package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"communityhub/internal/app"
	"communityhub/internal/config"
	"communityhub/pkg/types"
)

const readTimeout = 3 * time.Second

// startServer runs the whole application on an ephemeral port with its
// database in a temp dir.
func startServer(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.DatabasePath = filepath.Join(t.TempDir(), "chat.db")
	cfg.Auth.JWTSecret = "integration-secret"
	if mutate != nil {
		mutate(cfg)
	}

	application, err := app.NewApplication(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return application.GetAddr()
}

// frame is an inbound server frame.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ack   string          `json:"ack"`
}

// client keeps frames it skipped while waiting for another event, so a
// broadcast that overtakes an ack is not lost.
type client struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []frame
}

func dial(t *testing.T, addr, room string) *client {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws?subcategory="+room, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(event string, data interface{}, ack string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]interface{}{"event": event, "data": data, "ack": ack}))
}

func (c *client) identify(id, username string) {
	c.send(types.EventUserConnected, map[string]string{"_id": id, "username": username}, "")
}

// next returns the oldest unread frame with the given event.
func (c *client) next(event string) frame {
	c.t.Helper()
	for i, f := range c.pending {
		if f.Event == event {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return f
		}
	}

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		var f frame
		require.NoError(c.t, c.conn.ReadJSON(&f), "waiting for %q", event)
		if f.Event == event {
			return f
		}
		c.pending = append(c.pending, f)
	}
}

// users waits for a presence snapshot with the given number of members.
func (c *client) users(n int) []types.Member {
	c.t.Helper()
	for {
		var members []types.Member
		require.NoError(c.t, json.Unmarshal(c.next(types.EventUsers).Data, &members))
		if len(members) == n {
			return members
		}
	}
}

func (c *client) ack(id string) types.Ack {
	c.t.Helper()
	var skipped []frame
	defer func() { c.pending = append(c.pending, skipped...) }()
	for {
		f := c.next(types.EventAck)
		if f.Ack != id {
			skipped = append(skipped, f)
			continue
		}
		var ack types.Ack
		require.NoError(c.t, json.Unmarshal(f.Data, &ack))
		return ack
	}
}

// expectSilence asserts no frame with event arrives within d. The read
// deadline breaks the connection, so this must be the client's last read.
func (c *client) expectSilence(event string, d time.Duration) {
	c.t.Helper()
	for _, f := range c.pending {
		require.NotEqual(c.t, event, f.Event, "unexpected %q frame", event)
	}
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			require.True(c.t, isTimeout(err), "unexpected read error: %v", err)
			return
		}
		require.NotEqual(c.t, event, f.Event, "unexpected %q frame", event)
	}
}

func isTimeout(err error) bool {
	return strings.Contains(err.Error(), "timeout")
}

func getJSON(t *testing.T, url, token string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
