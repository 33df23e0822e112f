package signaling_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duet/internal/signaling"
)

func startRelay(t *testing.T, capacity int) (*signaling.Server, string) {
	t.Helper()
	srv := signaling.NewServer(capacity)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Close(ctx)
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialRoom(t *testing.T, base, room string) (*websocket.Conn, string) {
	t.Helper()
	url, err := signaling.RoomURL(base, room)
	if err != nil {
		t.Fatalf("RoomURL failed: %v", err)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, resp.Header.Get(signaling.ConnectionIDHeader)
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	return string(frame)
}

func waitMembers(t *testing.T, srv *signaling.Server, room string, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for srv.Members(room) != want {
		if time.Now().After(deadline) {
			t.Fatalf("room %q: got %d members, want %d", room, srv.Members(room), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestRelayBroadcastIncludesSender verifies that every member, the sender
// included, receives each frame, and that ids are distinct.
func TestRelayBroadcastIncludesSender(t *testing.T) {
	srv, base := startRelay(t, 2)
	a, idA := dialRoom(t, base, "r1")
	b, idB := dialRoom(t, base, "r1")
	waitMembers(t, srv, "r1", 2)

	if idA == "" || idB == "" || idA == idB {
		t.Fatalf("connection ids: %q and %q", idA, idB)
	}

	frame := `{"type":"ready","data":null,"connectionId":"` + idA + `"}`
	if err := a.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	if got := readFrame(t, a); got != frame {
		t.Errorf("sender got %s, want its own frame", got)
	}
	if got := readFrame(t, b); got != frame {
		t.Errorf("peer got %s, want %s", got, frame)
	}
}

// TestRelayRoomFull verifies that a member beyond capacity is refused with a
// policy-violation close.
func TestRelayRoomFull(t *testing.T) {
	srv, base := startRelay(t, 2)
	dialRoom(t, base, "r1")
	dialRoom(t, base, "r1")
	waitMembers(t, srv, "r1", 2)

	third, _ := dialRoom(t, base, "r1")
	_ = third.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := third.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("third member: got %v, want policy-violation close", err)
	}
	if n := srv.Members("r1"); n != 2 {
		t.Errorf("members: got %d, want 2", n)
	}
}

// TestRelayRoomsIsolated verifies that frames stay within their room and a
// freed slot can be reused.
func TestRelayRoomsIsolated(t *testing.T) {
	srv, base := startRelay(t, 2)
	a, _ := dialRoom(t, base, "r1")
	other, _ := dialRoom(t, base, "r2")
	waitMembers(t, srv, "r1", 1)
	waitMembers(t, srv, "r2", 1)

	if err := a.WriteMessage(websocket.TextMessage, []byte(`r1 only`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if got := readFrame(t, a); got != "r1 only" {
		t.Errorf("sender got %q", got)
	}

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, frame, err := other.ReadMessage(); err == nil {
		t.Errorf("r2 member received %q", frame)
	}

	a.Close()
	waitMembers(t, srv, "r1", 0)
}

// TestClientReceivesOwnEcho verifies the client end to end: it learns its
// id on connect, and its frames come back to it through the relay.
func TestClientReceivesOwnEcho(t *testing.T) {
	_, base := startRelay(t, 2)

	client := signaling.NewClient(signaling.ClientConfig{URL: base, Room: "r1", MinBackoff: 10 * time.Millisecond})
	connected := make(chan string, 4)
	frames := make(chan []byte, 4)
	client.OnConnect(func(id string) { connected <- id })
	client.OnMessage(func(frame []byte) { frames <- frame })

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	var id string
	select {
	case id = <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("client did not connect")
	}
	if got, ok := client.ID(); !ok || got != id {
		t.Fatalf("ID(): got %q, %t, want %q", got, ok, id)
	}

	router := signaling.NewRouter(client)
	if err := router.Send(ctx, signaling.TypeTest, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case frame := <-frames:
		msg, err := signaling.Decode(frame)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if msg.Type != signaling.TypeTest || msg.ConnectionID != id {
			t.Errorf("echo: got %s from %q", msg.Type, msg.ConnectionID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no echo received")
	}

	if err := client.Send(ctx, "stale-id", []byte(`{}`)); err != signaling.ErrNotConnected {
		t.Errorf("Send with stale id: got %v, want ErrNotConnected", err)
	}
}

// TestClientReconnects verifies that the client dials again after the relay
// drops it and is given a new id.
func TestClientReconnects(t *testing.T) {
	srv, base := startRelay(t, 2)

	client := signaling.NewClient(signaling.ClientConfig{URL: base, Room: "r1", MinBackoff: 10 * time.Millisecond})
	connected := make(chan string, 4)
	client.OnConnect(func(id string) { connected <- id })

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	first := <-connected
	waitMembers(t, srv, "r1", 1)

	// Dropping every member forces a reconnect; the listener stays up.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	_ = srv.Close(closeCtx)

	select {
	case second := <-connected:
		if second == first {
			t.Errorf("reconnect reused id %q", first)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client did not reconnect")
	}
}

func TestRoomURL(t *testing.T) {
	testCases := []struct {
		base string
		room string
		want string
	}{
		{"ws://localhost:8080/ws", "r1", "ws://localhost:8080/ws?room=r1"},
		{"wss://relay.example.com/ws", "", "wss://relay.example.com/ws?room=default"},
		{"ws://localhost/ws?room=old", "new room", "ws://localhost/ws?room=new+room"},
	}
	for _, tc := range testCases {
		got, err := signaling.RoomURL(tc.base, tc.room)
		if err != nil {
			t.Errorf("RoomURL(%q, %q): %v", tc.base, tc.room, err)
			continue
		}
		if got != tc.want {
			t.Errorf("RoomURL(%q, %q): got %q, want %q", tc.base, tc.room, got, tc.want)
		}
	}

	if _, err := signaling.RoomURL("not a url", "r1"); err == nil {
		t.Error("expected error for a URL without host")
	}
}
