package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/teemow/inboxlink/internal/config"
	"github.com/teemow/inboxlink/internal/logging"
	"github.com/teemow/inboxlink/internal/messages"
	"github.com/teemow/inboxlink/internal/store"
)

func newTestContext(t *testing.T) *ServerContext {
	t.Helper()
	cfg := config.Default()
	cfg.Store.DSN = "memory"
	sc, err := NewServerContext(context.Background(), Options{
		Config: cfg,
		Store:  store.NewMemory(),
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Shutdown() })
	return sc
}

func newTestTransport(t *testing.T, origins ...string) (*ServerContext, *httptest.Server) {
	t.Helper()
	sc := newTestContext(t)
	ms, err := NewMessageServer(sc, TransportConfig{
		Addr:           "127.0.0.1:0",
		AllowedOrigins: origins,
		Health:         NewHealthChecker(sc),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(ms.Handler())
	t.Cleanup(ts.Close)
	return sc, ts
}

func postMessage(t *testing.T, url, origin, body string) (*http.Response, messages.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/v1/messages", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out messages.Response
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestNewMessageServer_Loopback(t *testing.T) {
	sc := newTestContext(t)

	tests := []struct {
		name    string
		cfg     TransportConfig
		wantErr string
	}{
		{name: "ipv4 loopback", cfg: TransportConfig{Addr: "127.0.0.1:8765"}},
		{name: "ipv6 loopback", cfg: TransportConfig{Addr: "[::1]:8765"}},
		{name: "localhost", cfg: TransportConfig{Addr: "localhost:8765"}},
		{name: "all interfaces", cfg: TransportConfig{Addr: "0.0.0.0:8765"}, wantErr: "non-loopback"},
		{name: "empty host", cfg: TransportConfig{Addr: ":8765"}, wantErr: "non-loopback"},
		{name: "remote allowed", cfg: TransportConfig{Addr: "0.0.0.0:8765", AllowRemote: true}},
		{name: "no port", cfg: TransportConfig{Addr: "127.0.0.1"}, wantErr: "invalid listen address"},
		{name: "bad origin pattern", cfg: TransportConfig{Addr: "127.0.0.1:8765", AllowedOrigins: []string{"chrome-extension://["}}, wantErr: "invalid origin pattern"},
		{name: "default addr", cfg: TransportConfig{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMessageServer(sc, tt.cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestMessageServer_HTTP(t *testing.T) {
	_, ts := newTestTransport(t, "chrome-extension://*")

	resp, out := postMessage(t, ts.URL, "", `{"action":"getSettings","requestId":"r1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)
	assert.Equal(t, "r1", out.RequestID)
	assert.Contains(t, out.Payload, "settings")

	resp, out = postMessage(t, ts.URL, "chrome-extension://abcdef", `{"action":"nope"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "failures keep status 200")
	assert.Equal(t, "chrome-extension://abcdef", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.False(t, out.Success)
	assert.Equal(t, "Unknown action", out.Error)

	resp, _ = postMessage(t, ts.URL, "https://evil.example", `{"action":"getSettings"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMessageServer_Preflight(t *testing.T) {
	_, ts := newTestTransport(t, "chrome-extension://abcdef")

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1/messages", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "chrome-extension://abcdef")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")

	resp, err = http.Get(ts.URL + "/v1/messages")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMessageServer_TooLarge(t *testing.T) {
	_, ts := newTestTransport(t)
	body := `{"action":"getSettings","data":{"x":"` + strings.Repeat("a", MaxMessageSize) + `"}}`
	resp, _ := postMessage(t, ts.URL, "", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestMessageServer_WebSocket(t *testing.T) {
	_, ts := newTestTransport(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer c.CloseNow()

	for _, id := range []string{"a", "b"} {
		msg := `{"action":"getStatus","requestId":"` + id + `"}`
		require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(msg)))
	}

	got := map[string]messages.Response{}
	for range 2 {
		_, data, err := c.Read(ctx)
		require.NoError(t, err)
		var resp messages.Response
		require.NoError(t, json.Unmarshal(data, &resp))
		got[resp.RequestID] = resp
	}
	require.Contains(t, got, "a")
	require.Contains(t, got, "b")
	assert.True(t, got["a"].Success)
	assert.Equal(t, false, got["b"].Payload["authenticated"])

	require.NoError(t, c.Write(ctx, websocket.MessageBinary, []byte{0x1}))
	_, _, err = c.Read(ctx)
	assert.Equal(t, websocket.StatusUnsupportedData, websocket.CloseStatus(err))
}

func TestMessageServer_WebSocketOrigin(t *testing.T) {
	_, ts := newTestTransport(t, "chrome-extension://abcdef")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMessageServer_Serve(t *testing.T) {
	sc := newTestContext(t)
	ms, err := NewMessageServer(sc, TransportConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- ms.Serve(ln) }()
	require.Eventually(t, func() bool {
		resp, err := http.Post("http://"+ln.Addr().String()+"/v1/messages", "application/json",
			strings.NewReader(`{"action":"getSettings"}`))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	require.NoError(t, ms.Shutdown(context.Background()))
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)
	assert.Equal(t, http.StatusOK, rw.statusCode)

	rw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusTeapot, rw.statusCode)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Same(t, rec, rw.Unwrap())

	_, _, err := rw.Hijack()
	assert.Error(t, err, "the recorder cannot be hijacked")
}
