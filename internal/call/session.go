package call

import "errors"

// CallStatus is the call-level status of a Session.
type CallStatus int

const (
	StatusIdle CallStatus = iota
	StatusOutgoing
	StatusIncoming
	StatusActive
)

func (s CallStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusOutgoing:
		return "outgoing"
	case StatusIncoming:
		return "incoming"
	case StatusActive:
		return "active"
	}
	return "unknown"
}

var errConnectionInPlace = errors.New("a connection is already in place")

// Session is one local participant's readiness and call state. It is owned by
// a single Machine and only touched from its event loop.
//
// The connection is non-nil exactly when the status is not StatusIdle, and a
// Session never holds more than one.
type Session struct {
	localReady  bool
	remoteReady bool
	status      CallStatus

	media LocalMedia
	conn  Connection

	// remote is the origin whose description has been applied to conn, or
	// empty before that.
	remote string

	// gen increments every time a connection is attached or released.
	// Callbacks and task results tagged with an older value are stale.
	gen uint64

	peers map[string]struct{}
}

func newSession() *Session {
	return &Session{peers: make(map[string]struct{})}
}

func (s *Session) LocalReady() bool       { return s.localReady }
func (s *Session) RemoteReady() bool      { return s.remoteReady }
func (s *Session) Status() CallStatus     { return s.status }
func (s *Session) Connection() Connection { return s.conn }

// setMedia marks local media as acquired.
func (s *Session) setMedia(media LocalMedia) {
	s.media = media
	s.localReady = true
}

// takeMedia clears local readiness and returns the media for the caller to
// close.
func (s *Session) takeMedia() LocalMedia {
	media := s.media
	s.media = nil
	s.localReady = false
	return media
}

// markPeerReady records a ready announcement from origin and reports whether
// origin had not been seen before.
func (s *Session) markPeerReady(origin string) bool {
	if _, ok := s.peers[origin]; ok {
		return false
	}
	s.peers[origin] = struct{}{}
	s.remoteReady = true
	return true
}

// attach installs conn with the given status and returns its generation.
func (s *Session) attach(conn Connection, status CallStatus) (uint64, error) {
	if s.conn != nil {
		return 0, errConnectionInPlace
	}
	s.conn = conn
	s.status = status
	s.remote = ""
	s.gen++
	return s.gen, nil
}

// detach removes the connection, if any, and returns it for the caller to
// close.
func (s *Session) detach() Connection {
	conn := s.conn
	s.conn = nil
	s.status = StatusIdle
	s.remote = ""
	s.gen++
	return conn
}

// remoteApplied records that the description from origin is set on the
// attached connection.
func (s *Session) remoteApplied(origin string) {
	s.remote = origin
}

// acceptsCandidate reports whether a candidate from origin belongs to the
// attached connection. Before the remote description is set, or from any
// other peer (such as one whose offer was rejected for glare), it does not.
func (s *Session) acceptsCandidate(origin string) bool {
	return s.remote != "" && s.remote == origin
}

// current reports whether gen still names the attached connection.
func (s *Session) current(gen uint64) bool {
	return s.conn != nil && s.gen == gen
}

// available reports whether the session can accept or place a call.
func (s *Session) available() bool {
	return s.localReady && s.conn == nil
}
