package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"arena/pkg/interfaces"
)

// Test WebSocket upgrader for creating test connections
var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestConnection_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Channel = &Connection{}
}

func TestConnection_NewConnectionInitialization(t *testing.T) {
	wsConn := createTestWebSocketConnection(t)
	defer wsConn.Close()

	conn := NewConnection(wsConn, "user123", "Player One")
	defer conn.Close()

	if cap(conn.writeCh) != sendBufferSize {
		t.Errorf("Expected write channel buffer of %d, got %d", sendBufferSize, cap(conn.writeCh))
	}
	if conn.GetUserID() != "user123" || conn.GetHandle() != "Player One" {
		t.Errorf("Unexpected identity %s/%s", conn.GetUserID(), conn.GetHandle())
	}
	if conn.GetID() == "" {
		t.Error("Connection ID should be set")
	}
	if conn.GetRoomCode() != "" {
		t.Errorf("New connection should not be bound to a room, got %q", conn.GetRoomCode())
	}

	other := NewConnection(wsConn, "user123", "Player One")
	defer other.Close()
	if other.GetID() == conn.GetID() {
		t.Error("Connection IDs must differ across connections of the same user")
	}
}

func TestConnection_DeliversInOrder(t *testing.T) {
	serverSide, client := createConnectionPair(t)

	conn := NewConnection(serverSide, "user123", "Player One")
	defer conn.Close()

	for i := 0; i < 5; i++ {
		if err := conn.WriteJSON(map[string]int{"seq": i}); err != nil {
			t.Fatalf("WriteJSON failed: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		if err := client.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatalf("SetReadDeadline: %v", err)
		}
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		var msg map[string]int
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if msg["seq"] != i {
			t.Errorf("Expected seq %d, got %d", i, msg["seq"])
		}
	}
}

func TestConnection_ShutdownFlushesQueue(t *testing.T) {
	serverSide, client := createConnectionPair(t)

	conn := NewConnection(serverSide, "user123", "Player One")
	for i := 0; i < 3; i++ {
		if err := conn.WriteJSON(map[string]int{"seq": i}); err != nil {
			t.Fatalf("WriteJSON failed: %v", err)
		}
	}
	conn.Shutdown()

	for i := 0; i < 3; i++ {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := client.ReadMessage(); err != nil {
			t.Fatalf("expected queued message %d, got %v", i, err)
		}
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after shutdown")
	}
}

func TestConnection_WriteJSONInvalidData(t *testing.T) {
	wsConn := createTestWebSocketConnection(t)
	defer wsConn.Close()

	conn := NewConnection(wsConn, "user123", "Player One")
	defer conn.Close()

	if err := conn.WriteJSON(make(chan int)); err != ErrInvalidJSON {
		t.Errorf("Expected ErrInvalidJSON, got %v", err)
	}
}

func TestConnection_CloseIdempotent(t *testing.T) {
	wsConn := createTestWebSocketConnection(t)

	conn := NewConnection(wsConn, "user123", "Player One")

	if err := conn.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Error("Done channel should be closed after Close")
	}
}

func TestConnection_WriteAfterClose(t *testing.T) {
	wsConn := createTestWebSocketConnection(t)

	conn := NewConnection(wsConn, "user123", "Player One")
	_ = conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "test"}); err != ErrConnectionClosed {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnection_FullBufferDisconnects(t *testing.T) {
	wsConn := createTestWebSocketConnection(t)

	// Writer goroutine is not started so the buffer cannot drain.
	conn := &Connection{conn: wsConn, writeCh: make(chan []byte, 2)}
	conn.ctx, conn.cancel = context.WithCancel(context.Background())

	_ = conn.WriteJSON("a")
	_ = conn.WriteJSON("b")
	if err := conn.WriteJSON("c"); err != ErrSendBufferFull {
		t.Fatalf("Expected ErrSendBufferFull, got %v", err)
	}
	if err := conn.WriteJSON("d"); err != ErrConnectionClosed {
		t.Errorf("Expected ErrConnectionClosed after overflow, got %v", err)
	}
}

func TestConnection_ConcurrentWrites(t *testing.T) {
	wsConn := createTestWebSocketConnection(t)
	defer wsConn.Close()

	conn := NewConnection(wsConn, "user123", "Player One")
	defer conn.Close()

	const numGoroutines = 10
	const messagesPerGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < messagesPerGoroutine; j++ {
				_ = conn.WriteJSON(map[string]int{"worker": id, "message": j})
			}
		}(i)
	}
	wg.Wait()
}

func TestConnection_ConcurrentRoomBinding(t *testing.T) {
	wsConn := createTestWebSocketConnection(t)
	defer wsConn.Close()

	conn := NewConnection(wsConn, "user123", "Player One")
	defer conn.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			conn.SetRoomCode("ABC234")
		}()
		go func() {
			defer wg.Done()
			_ = conn.GetRoomCode()
		}()
	}
	wg.Wait()

	if conn.GetRoomCode() != "ABC234" {
		t.Errorf("Expected room ABC234, got %q", conn.GetRoomCode())
	}
}

// Helper function to create a test WebSocket connection whose server peer
// only reads.
func createTestWebSocketConnection(t *testing.T) *websocket.Conn {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to create test WebSocket connection: %v", err)
	}
	return conn
}

// createConnectionPair returns the server side of an upgraded connection and
// the client that dialled it.
func createConnectionPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	serverConns := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-serverConns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side of connection never arrived")
		return nil, nil
	}
}
