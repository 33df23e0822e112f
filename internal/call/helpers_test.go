package call_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/duet/internal/call"
	"github.com/1ureka/duet/internal/signaling"
)

// ──────────────────────────────────────────────────────────────────────────────
// In-memory broadcast relay
// ──────────────────────────────────────────────────────────────────────────────

// bus delivers every frame to every attached endpoint, the sender included,
// like the real relay.
type bus struct {
	mu        sync.Mutex
	endpoints []*endpoint
	log       []signaling.Message
}

type endpoint struct {
	bus    *bus
	router *signaling.Router

	mu        sync.Mutex
	id        string
	connected bool
}

func (b *bus) join(id string) *endpoint {
	ep := &endpoint{bus: b, id: id, connected: true}
	ep.router = signaling.NewRouter(ep)
	b.mu.Lock()
	b.endpoints = append(b.endpoints, ep)
	b.mu.Unlock()
	return ep
}

func (b *bus) deliver(frame []byte) {
	msg, err := signaling.Decode(frame)
	b.mu.Lock()
	if err == nil {
		b.log = append(b.log, msg)
	}
	targets := append([]*endpoint(nil), b.endpoints...)
	b.mu.Unlock()

	for _, ep := range targets {
		_ = ep.router.Dispatch(frame)
	}
}

// sent returns the messages of type typ sent by origin, in order.
func (b *bus) sent(origin string, typ signaling.Type) []signaling.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []signaling.Message
	for _, m := range b.log {
		if m.ConnectionID == origin && (typ == "" || m.Type == typ) {
			out = append(out, m)
		}
	}
	return out
}

func (b *bus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.log)
}

func (e *endpoint) ID() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id, e.connected
}

func (e *endpoint) Send(_ context.Context, id string, frame []byte) error {
	e.mu.Lock()
	ok := e.connected && e.id == id
	e.mu.Unlock()
	if !ok {
		return signaling.ErrNotConnected
	}
	e.bus.deliver(frame)
	return nil
}

func (e *endpoint) setConnected(connected bool) {
	e.mu.Lock()
	e.connected = connected
	e.mu.Unlock()
}

// inject delivers a raw message to this endpoint only, as if it came from
// origin over the relay.
func (e *endpoint) inject(t *testing.T, typ signaling.Type, data string, origin string) {
	t.Helper()
	msg := signaling.Message{Type: typ, ConnectionID: origin}
	if data != "" {
		msg.Data = json.RawMessage(data)
	}
	frame, err := signaling.Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := e.router.Dispatch(frame); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Fake media engine
// ──────────────────────────────────────────────────────────────────────────────

type fakeEngine struct {
	captureErr  error
	captureGate chan struct{}

	// Applied to every connection created by this engine.
	answerGate   chan struct{}
	setRemoteErr error
	emitOnLocal  bool

	mu     sync.Mutex
	conns  []*fakeConn
	medias []*fakeMedia
}

type fakeMedia struct {
	mu     sync.Mutex
	closed bool
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (e *fakeEngine) CaptureLocalMedia(ctx context.Context) (call.LocalMedia, error) {
	if e.captureGate != nil {
		select {
		case <-e.captureGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.captureErr != nil {
		return nil, e.captureErr
	}
	m := &fakeMedia{}
	e.mu.Lock()
	e.medias = append(e.medias, m)
	e.mu.Unlock()
	return m, nil
}

func (e *fakeEngine) CreateConnection(_ context.Context, local call.LocalMedia) (call.Connection, error) {
	if local == nil {
		return nil, errors.New("no local media")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &fakeConn{
		n:             len(e.conns) + 1,
		answerGate:    e.answerGate,
		answerStarted: make(chan struct{}),
		answerDone:    make(chan struct{}),
		setRemoteErr:  e.setRemoteErr,
		emitOnLocal:   e.emitOnLocal,
	}
	e.conns = append(e.conns, c)
	return c, nil
}

func (e *fakeEngine) connections() []*fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeConn(nil), e.conns...)
}

func (e *fakeEngine) lastMedia() *fakeMedia {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.medias) == 0 {
		return nil
	}
	return e.medias[len(e.medias)-1]
}

type fakeConn struct {
	n             int
	answerGate    chan struct{}
	answerStarted chan struct{}
	answerDone    chan struct{}
	setRemoteErr  error
	emitOnLocal   bool

	mu          sync.Mutex
	closed      bool
	remote      []json.RawMessage
	candidates  []json.RawMessage
	onCandidate func(json.RawMessage)
	onTrack     func(call.RemoteTrack)
}

func (c *fakeConn) CreateOffer(context.Context) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"type":"offer","sdp":"offer-%d"}`, c.n)), nil
}

func (c *fakeConn) CreateAnswer(context.Context) (json.RawMessage, error) {
	close(c.answerStarted)
	defer close(c.answerDone)
	if c.answerGate != nil {
		// Ignores cancellation so a late result still reaches the machine.
		<-c.answerGate
	}
	return json.RawMessage(fmt.Sprintf(`{"type":"answer","sdp":"answer-%d"}`, c.n)), nil
}

func (c *fakeConn) SetLocalDescription(context.Context, json.RawMessage) error {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if c.emitOnLocal && fn != nil {
		fn(json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0"}`))
		fn(nil)
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(_ context.Context, desc json.RawMessage) error {
	if c.setRemoteErr != nil {
		return c.setRemoteErr
	}
	c.mu.Lock()
	c.remote = append(c.remote, desc)
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(call.RemoteTrack{ID: fmt.Sprintf("video-%d", c.n), StreamID: "remote", Kind: "video"})
	}
	return nil
}

const hostCandidate = `{"candidate":"candidate:1 1 udp 1 10.0.0.2 5000 typ host","sdpMid":"0"}`

// errNoRemoteDescription mirrors pion's InvalidStateError for a candidate
// added before any remote description.
var errNoRemoteDescription = errors.New("InvalidStateError: remote description is not set")

func (c *fakeConn) AddCandidate(_ context.Context, candidate json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.remote) == 0 && candidate != nil {
		return errNoRemoteDescription
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) OnLocalCandidate(fn func(json.RawMessage)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnRemoteTrack(fn func(call.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) remoteDescriptions() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]json.RawMessage(nil), c.remote...)
}

func (c *fakeConn) addedCandidates() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]json.RawMessage(nil), c.candidates...)
}

// ──────────────────────────────────────────────────────────────────────────────
// Peer harness
// ──────────────────────────────────────────────────────────────────────────────

type peer struct {
	id      string
	machine *call.Machine
	engine  *fakeEngine
	ep      *endpoint

	mu      sync.Mutex
	notices []error
	tracks  []*call.RemoteTrack
}

// newPeer joins a machine to b under id and runs it until the test ends.
func newPeer(t *testing.T, b *bus, id string, engine *fakeEngine, interval time.Duration) *peer {
	t.Helper()
	if engine == nil {
		engine = &fakeEngine{}
	}
	p := &peer{id: id, engine: engine}
	p.ep = b.join(id)
	p.machine = call.New(engine, p.ep.router, call.Options{
		ReadyInterval: interval,
		Hooks: call.Hooks{
			OnNotice: func(err error) {
				p.mu.Lock()
				p.notices = append(p.notices, err)
				p.mu.Unlock()
			},
			OnRemoteTrack: func(track *call.RemoteTrack) {
				p.mu.Lock()
				p.tracks = append(p.tracks, track)
				p.mu.Unlock()
			},
		},
	})
	p.ep.router.Attach(p.machine)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.machine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func (p *peer) noticeList() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.notices...)
}

func (p *peer) trackList() []*call.RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*call.RemoteTrack(nil), p.tracks...)
}

func (p *peer) phase() call.Phase { return p.machine.Snapshot().Phase }

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle gives queued events time to be processed when asserting that
// something does not happen.
func settle() { time.Sleep(50 * time.Millisecond) }

// startPair starts A and B on one bus and waits until each has seen the
// other ready.
func startPair(t *testing.T, engineA, engineB *fakeEngine) (*bus, *peer, *peer) {
	t.Helper()
	b := &bus{}
	a := newPeer(t, b, "peer-a", engineA, 0)
	bb := newPeer(t, b, "peer-b", engineB, 0)

	ctx := testCtx(t)
	if err := a.machine.Start(ctx); err != nil {
		t.Fatalf("A Start failed: %v", err)
	}
	if err := bb.machine.Start(ctx); err != nil {
		t.Fatalf("B Start failed: %v", err)
	}
	waitFor(t, "both peers remote-ready", func() bool {
		return a.machine.Snapshot().RemoteReady && bb.machine.Snapshot().RemoteReady
	})
	return b, a, bb
}
