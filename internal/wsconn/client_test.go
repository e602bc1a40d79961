package wsconn

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal(t *testing.T) {
	data, err := Marshal("ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ping"}`, string(data))

	data, err = Marshal("registered", map[string]string{"deviceId": "D10000"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"registered","data":{"deviceId":"D10000"}}`, string(data))
}

func TestUpgrader_CheckOrigin(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	open := NewUpgrader(nil)
	assert.True(t, open.CheckOrigin(req("https://evil.example")))

	restricted := NewUpgrader([]string{"https://admin.example"})
	assert.True(t, restricted.CheckOrigin(req("https://admin.example")))
	assert.False(t, restricted.CheckOrigin(req("https://evil.example")))
	assert.True(t, restricted.CheckOrigin(req("")), "non-browser clients carry no Origin")
}

// echoServer answers every envelope with the same event suffixed by ":ok".
func echoServer(t *testing.T, cfg Config) string {
	t.Helper()
	upgrader := NewUpgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := New(conn, "c1", cfg, zerolog.Nop())
		go c.WritePump()
		c.ReadPump(func(env Envelope) {
			if env.Event == "close" {
				_ = c.Close()
				return
			}
			c.Send(env.Event+":ok", env.Data)
		})
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_PumpsInOrder(t *testing.T) {
	url := echoServer(t, DefaultConfig())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	for _, ev := range []string{"a", "b", "c"} {
		frame, err := Marshal(ev, nil)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for _, want := range []string{"a:ok", "b:ok", "c:ok"} {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, want, env.Event)
	}
}

func TestClient_SendAfterCloseIsDropped(t *testing.T) {
	c := New(nil, "c1", Config{SendBuffer: 1}, zerolog.Nop())
	assert.True(t, c.Send("one", nil))
	assert.False(t, c.Send("two", nil), "buffer of one is full")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
	assert.False(t, c.SendRaw([]byte("{}")))
}

func TestClient_CloseSendsNormalClosure(t *testing.T) {
	url := echoServer(t, DefaultConfig())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := Marshal("close", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestClient_CloseReportsBrokenSocket(t *testing.T) {
	upgrader := NewUpgrader(nil)
	result := make(chan [2]error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			result <- [2]error{nil, nil}
			return
		}
		c := New(conn, "c1", DefaultConfig(), zerolog.Nop())
		_ = conn.Close()
		first := c.Close()
		result <- [2]error{first, c.Close()}
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case errs := <-result:
		assert.Error(t, errs[0], "close frame on a dead socket must fail")
		assert.NoError(t, errs[1], "second close is a no-op")
	case <-time.After(2 * time.Second):
		t.Fatal("server handler did not finish")
	}
}
