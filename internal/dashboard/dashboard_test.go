package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/driftline/driftline/internal/engine"
	"github.com/driftline/driftline/internal/outbox"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(&Config{
		Port:   0, // Use random available port
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	time.Sleep(100 * time.Millisecond)
	return server
}

func connect(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	// Joining is asynchronous; wait for the server to register us.
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{
		Port:   0,
		Logger: log.New(io.Discard, "", 0),
	})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.GetAddr(); addr == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestBroadcastCycle(t *testing.T) {
	server := testServer(t)
	conn := connect(t, server)

	server.BroadcastCycle(engine.Result{
		Pushed:     3,
		Applied:    2,
		Tombstoned: 1,
		Duration:   250 * time.Millisecond,
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeCycleComplete {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeCycleComplete)
	}

	var data CycleCompleteData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal cycle data: %v", err)
	}
	if data.Pushed != 3 || data.Applied != 2 || data.Tombstoned != 1 {
		t.Errorf("cycle data = %+v", data)
	}
}

func TestBroadcastStatusChange(t *testing.T) {
	server := testServer(t)
	conn := connect(t, server)

	server.BroadcastStatus(engine.StatusOffline, nil)

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStatusChange {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeStatusChange)
	}

	var data StatusChangeData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal status data: %v", err)
	}
	if data.Status != string(engine.StatusOffline) {
		t.Errorf("status = %s, want offline", data.Status)
	}
}

func TestBroadcastOutboxDepth(t *testing.T) {
	server := testServer(t)
	conn := connect(t, server)

	server.BroadcastOutboxDepth(map[outbox.Status]int{
		outbox.StatusPending: 4,
		outbox.StatusFailed:  1,
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeOutboxDepth {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeOutboxDepth)
	}

	var data OutboxDepthData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal depth data: %v", err)
	}
	if data.Pending != 4 || data.Failed != 1 {
		t.Errorf("depth data = %+v", data)
	}
}

func TestMultipleClients(t *testing.T) {
	server := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	numClients := 3
	for i := 0; i < numClients; i++ {
		conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
		if err != nil {
			t.Fatalf("Failed to connect client %d: %v", i, err)
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() < numClients && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if count := server.ClientCount(); count != numClients {
		t.Errorf("ClientCount() = %d, want %d", count, numClients)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := testServer(t)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v, want ok", body["status"])
	}
}
