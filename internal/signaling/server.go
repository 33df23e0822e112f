package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/duet/internal/util"
)

const (
	// DefaultRoomCapacity is the number of members a room admits. Calls are
	// strictly pairwise.
	DefaultRoomCapacity = 2

	memberQueueSize = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the broadcast relay. Every text frame a member sends is written
// to every member of the same room, the sender included.
type Server struct {
	capacity int

	mu    sync.Mutex
	rooms map[string]map[string]*member

	listener net.Listener
	http     *http.Server
}

type member struct {
	id    string
	room  string
	conn  *websocket.Conn
	inbox chan []byte
	once  sync.Once
	done  chan struct{}
}

// NewServer creates a relay. A capacity <= 0 selects DefaultRoomCapacity.
func NewServer(capacity int) *Server {
	if capacity <= 0 {
		capacity = DefaultRoomCapacity
	}
	return &Server{
		capacity: capacity,
		rooms:    make(map[string]map[string]*member),
	}
}

// Start begins listening on addr (":0" picks a random port) and returns the
// bound port.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start relay: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("relay stopped: %v", err)
		}
	}()

	return port, nil
}

// Close stops accepting connections and disconnects every member.
func (s *Server) Close(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}

	s.mu.Lock()
	var all []*member
	for _, room := range s.rooms {
		for _, m := range room {
			all = append(all, m)
		}
	}
	s.mu.Unlock()

	for _, m := range all {
		m.close()
	}
	return err
}

// Members returns the number of members currently in room.
func (s *Server) Members(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[room])
}

// ServeHTTP upgrades the request and joins the caller to the room named by
// the "room" query parameter.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		room = DefaultRoom
	}

	id := uuid.NewString()
	header := http.Header{}
	header.Set(ConnectionIDHeader, id)
	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameSize)

	m := &member{
		id:    id,
		room:  room,
		conn:  conn,
		inbox: make(chan []byte, memberQueueSize),
		done:  make(chan struct{}),
	}
	if !s.join(m) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room full"))
		conn.Close()
		util.LogWarning("refused connection to full room %q", room)
		return
	}
	util.LogInfo("member %s joined room %q", m.id, room)

	go m.writeLoop()
	s.readLoop(m)
}

// join reserves a slot in the member's room.
func (s *Server) join(m *member) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[m.room]
	if !ok {
		room = make(map[string]*member)
		s.rooms[m.room] = room
	}
	if len(room) >= s.capacity {
		return false
	}
	room[m.id] = m
	return true
}

func (s *Server) leave(m *member) {
	s.mu.Lock()
	room := s.rooms[m.room]
	delete(room, m.id)
	if len(room) == 0 {
		delete(s.rooms, m.room)
	}
	s.mu.Unlock()
}

// readLoop relays the member's frames until its connection fails.
func (s *Server) readLoop(m *member) {
	defer func() {
		s.leave(m)
		m.close()
		util.LogInfo("member %s left room %q", m.id, m.room)
	}()

	for {
		typ, frame, err := m.conn.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		util.Stats.AddRecv(len(frame))
		s.broadcast(m.room, frame)
	}
}

// broadcast queues frame for every member of room. A member whose queue is
// full is disconnected; it will reconnect under a new id.
func (s *Server) broadcast(room string, frame []byte) {
	s.mu.Lock()
	targets := make([]*member, 0, len(s.rooms[room]))
	for _, m := range s.rooms[room] {
		targets = append(targets, m)
	}
	s.mu.Unlock()

	for _, m := range targets {
		select {
		case m.inbox <- frame:
		case <-m.done:
		default:
			util.LogWarning("member %s is not keeping up, disconnecting", m.id)
			m.close()
		}
	}
}

// writeLoop is the member's single writer.
func (m *member) writeLoop() {
	for {
		select {
		case frame := <-m.inbox:
			_ = m.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if err := m.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				m.close()
				return
			}
			util.Stats.AddSent(len(frame))
		case <-m.done:
			return
		}
	}
}

func (m *member) close() {
	m.once.Do(func() {
		close(m.done)
		m.conn.Close()
	})
}
