package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"arena/internal/auth"
	"arena/pkg/interfaces"
)

type recordingRouter struct {
	mu           sync.Mutex
	frames       []string
	disconnected []string
	echo         bool
}

func (r *recordingRouter) RouteMessage(ctx context.Context, ch interfaces.Channel, data []byte) error {
	r.mu.Lock()
	r.frames = append(r.frames, string(data))
	echo := r.echo
	r.mu.Unlock()
	if echo {
		return ch.WriteJSON(map[string]string{"echo": string(data), "user": ch.GetUserID()})
	}
	return nil
}

func (r *recordingRouter) Disconnected(ch interfaces.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, ch.GetUserID())
}

func (r *recordingRouter) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recordingRouter) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnected)
}

func newTestHandler(t *testing.T, router interfaces.MessageRouter) (*Handler, *auth.Authenticator, *httptest.Server) {
	t.Helper()
	authenticator, err := auth.NewAuthenticator("handler-test-secret", "arena", time.Hour)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	handler := NewHandler(authenticator, router, DefaultHandlerConfig(), nil)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)
	return handler, authenticator, server
}

func wsURL(server *httptest.Server, token string) string {
	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHandler_RejectsMissingToken(t *testing.T) {
	_, _, server := newTestHandler(t, &recordingRouter{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, ""), nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestHandler_RejectsInvalidToken(t *testing.T) {
	_, _, server := newTestHandler(t, &recordingRouter{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "forged.token.value"), nil)
	if err == nil {
		t.Fatal("expected dial to fail with a forged token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestHandler_AcceptsBearerHeader(t *testing.T) {
	router := &recordingRouter{}
	_, authenticator, server := newTestHandler(t, router)

	token, err := authenticator.GenerateToken("alice", "Alice")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(server, ""), header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()
}

func TestHandler_RoutesFramesWithIdentity(t *testing.T) {
	router := &recordingRouter{echo: true}
	_, authenticator, server := newTestHandler(t, router)

	token, _ := authenticator.GenerateToken("alice", "Alice")
	client, _, err := websocket.DefaultDialer.Dial(wsURL(server, token), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]string
	if err := client.ReadJSON(&reply); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if reply["user"] != "alice" {
		t.Errorf("expected frame routed for alice, got %q", reply["user"])
	}
	if reply["echo"] != `{"type":"ping"}` {
		t.Errorf("expected raw frame to reach the router, got %q", reply["echo"])
	}
}

func TestHandler_IgnoresBinaryFrames(t *testing.T) {
	router := &recordingRouter{}
	_, authenticator, server := newTestHandler(t, router)

	token, _ := authenticator.GenerateToken("alice", "Alice")
	client, _, err := websocket.DefaultDialer.Dial(wsURL(server, token), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	_ = client.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})
	_ = client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))

	waitFor(t, func() bool { return router.frameCount() == 1 })
}

func TestHandler_ReportsDisconnect(t *testing.T) {
	router := &recordingRouter{}
	handler, authenticator, server := newTestHandler(t, router)

	token, _ := authenticator.GenerateToken("bob", "Bob")
	client, _, err := websocket.DefaultDialer.Dial(wsURL(server, token), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	waitFor(t, func() bool { return handler.ActiveConnections() == 1 })

	client.Close()

	waitFor(t, func() bool { return router.disconnectCount() == 1 })
	waitFor(t, func() bool { return handler.ActiveConnections() == 0 })
}

func TestHandler_CloseAll(t *testing.T) {
	router := &recordingRouter{}
	handler, authenticator, server := newTestHandler(t, router)

	for _, user := range []string{"u1", "u2", "u3"} {
		token, _ := authenticator.GenerateToken(user, user)
		client, _, err := websocket.DefaultDialer.Dial(wsURL(server, token), nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		defer client.Close()
	}
	waitFor(t, func() bool { return handler.ActiveConnections() == 3 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := handler.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if handler.ActiveConnections() != 0 {
		t.Errorf("expected no active connections, got %d", handler.ActiveConnections())
	}
	if router.disconnectCount() != 3 {
		t.Errorf("expected 3 disconnects, got %d", router.disconnectCount())
	}
}

func TestHandler_CheckOrigin(t *testing.T) {
	handler := NewHandler(nil, &recordingRouter{}, HandlerConfig{AllowedOrigins: []string{"https://arena.example"}}, nil)

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://arena.example", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := handler.checkOrigin(r); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}
}
