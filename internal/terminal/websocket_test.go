package terminal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/websoft9/devicelink/internal/cli"
)

func newConsoleServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// The prompt arrives split across two frames.
		conn.WriteMessage(websocket.BinaryMessage, []byte("switch1"))
		conn.WriteMessage(websocket.TextMessage, []byte("# "))
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			line := strings.TrimSpace(string(msg))
			conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\nVLAN 10 active\r\nswitch1# "))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocket_Session(t *testing.T) {
	srv := newConsoleServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	s := cli.NewSession("switch1", NewWebSocket(WebSocketConfig{URL: url, ConnectTimeout: 5 * time.Second}))
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	_, err := s.Expect(context.Background(), "", `#\s*$`)
	require.NoError(t, err)

	out, err := s.Send(context.Background(), cli.Command{
		Text:    "show vlan\r",
		Expects: []string{`#\s*$`},
		CleanUp: cli.DefaultCleanUp | cli.NormalizeLineEndings,
	})
	require.NoError(t, err)
	require.Equal(t, "show vlan\nVLAN 10 active\nswitch1", out.Output)
}

func TestWebSocket_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	err := NewWebSocket(WebSocketConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}).Connect(context.Background())
	var ce *cli.Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, cli.KindConnect, ce.Kind)
}
