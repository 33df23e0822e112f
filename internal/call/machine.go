// Package call implements the call-signaling state machine: it owns the local
// Session, turns user intents and inbound signaling messages into media-engine
// operations and outbound messages, and resolves glare.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/duet/internal/signaling"
	"github.com/1ureka/duet/internal/util"
)

const inboxSize = 256

// Sender writes outbound signaling messages. *signaling.Router satisfies it.
type Sender interface {
	Send(ctx context.Context, typ signaling.Type, data json.RawMessage) error
}

// Phase is the externally visible state of a Machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseReadying
	PhaseReady
	PhaseOutgoing
	PhaseIncoming
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseReadying:
		return "readying"
	case PhaseReady:
		return "ready"
	case PhaseOutgoing:
		return "outgoing"
	case PhaseIncoming:
		return "incoming"
	case PhaseActive:
		return "active"
	}
	return "unknown"
}

// Snapshot is a copy of the machine's state, safe to read from any goroutine.
type Snapshot struct {
	Phase         Phase
	LocalReady    bool
	RemoteReady   bool
	Status        CallStatus
	HasConnection bool
}

// Hooks receive events from the machine. They are called from the event loop
// and must not block or call back into the Machine synchronously.
type Hooks struct {
	// OnNotice receives errors that have no waiting caller: protocol errors,
	// glare conflicts, and negotiation failures of inbound calls.
	OnNotice func(err error)
	// OnStateChange receives a snapshot after every change.
	OnStateChange func(Snapshot)
	// OnRemoteTrack receives each remote track, and nil when the remote
	// media is cleared.
	OnRemoteTrack func(track *RemoteTrack)
}

// Options configures a Machine.
type Options struct {
	// ReadyInterval re-broadcasts "ready" while available and not in a call.
	// Zero announces only on start, on reconnect and to newly seen peers.
	ReadyInterval time.Duration
	Hooks         Hooks
}

// Machine is the call-signaling state machine for one Session. All state is
// owned by the goroutine running Run; intents and inbound messages are queued
// and processed one at a time in arrival order.
type Machine struct {
	media MediaEngine
	out   Sender
	opts  Options

	inbox   chan event
	stopped chan struct{}
	tasks   sync.WaitGroup

	// Loop-owned.
	session  *Session
	pending  *task
	deferred []event
	ticker   *time.Ticker

	snapMu sync.RWMutex
	snap   Snapshot
}

// New creates a Machine. Run must be called for it to process anything.
func New(media MediaEngine, out Sender, opts Options) *Machine {
	return &Machine{
		media:   media,
		out:     out,
		opts:    opts,
		inbox:   make(chan event, inboxSize),
		stopped: make(chan struct{}),
		session: newSession(),
	}
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// Start acquires local media and announces readiness.
func (m *Machine) Start(ctx context.Context) error { return m.submit(ctx, intentStart) }

// Call places a call to the ready remote peer. It returns once the offer is
// sent.
func (m *Machine) Call(ctx context.Context) error { return m.submit(ctx, intentCall) }

// End hangs up the current call and tells the peer.
func (m *Machine) End(ctx context.Context) error { return m.submit(ctx, intentEnd) }

// Stop ends any call, releases local media and stops announcing readiness.
func (m *Machine) Stop(ctx context.Context) error { return m.submit(ctx, intentStop) }

// Test broadcasts a test message to check the relay is alive.
func (m *Machine) Test(ctx context.Context) error { return m.submit(ctx, intentTest) }

// Announce re-broadcasts readiness if the session is available. It is meant
// to be called after the transport reconnects under a new connection id.
func (m *Machine) Announce() { m.post(announce{}) }

// HandleMessage queues an inbound message. It implements signaling.Handler.
func (m *Machine) HandleMessage(msg signaling.Message) { m.post(inbound{msg: msg}) }

// HandleProtocolError queues a decode failure to be reported as a notice. It
// implements signaling.Handler.
func (m *Machine) HandleProtocolError(err error) { m.post(protocolFault{err: err}) }

// Snapshot returns the state as of the last processed event.
func (m *Machine) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Run processes events until ctx is cancelled. On return the connection and
// local media are released without notifying the peer. Run must be called at
// most once.
func (m *Machine) Run(ctx context.Context) error {
	defer m.shutdown()

	for {
		select {
		case ev := <-m.inbox:
			m.handle(ctx, ev)
			m.drain(ctx)
			m.publish()

		case <-m.tick():
			if m.session.available() {
				m.reannounce(ctx)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Machine) submit(ctx context.Context, kind intentKind) error {
	done := make(chan error, 1)
	select {
	case m.inbox <- intent{kind: kind, done: done}:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) post(ev event) {
	select {
	case m.inbox <- ev:
	case <-m.stopped:
	}
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (m *Machine) handle(ctx context.Context, ev event) {
	if m.pending != nil && deferrable(ev) {
		m.deferred = append(m.deferred, ev)
		return
	}

	switch ev := ev.(type) {
	case intent:
		m.reply(ev.done, m.handleIntent(ctx, ev))
	case inbound:
		m.handleMessage(ctx, ev.msg)
	case protocolFault:
		m.notice(&ProtocolError{Err: ev.err})
	case announce:
		if m.session.available() {
			m.reannounce(ctx)
		}
	case localCandidate:
		if !m.session.current(ev.gen) {
			return
		}
		if err := m.send(ctx, signaling.TypeCandidate, ev.data); err != nil {
			m.notice(err)
		}
	case remoteTrack:
		if m.session.current(ev.gen) && m.opts.Hooks.OnRemoteTrack != nil {
			track := ev.track
			m.opts.Hooks.OnRemoteTrack(&track)
		}
	case taskDone:
		m.finish(ctx, ev)
	}
}

// drain replays deferred events until one of them starts a new task.
func (m *Machine) drain(ctx context.Context) {
	for m.pending == nil && len(m.deferred) > 0 {
		ev := m.deferred[0]
		m.deferred = m.deferred[1:]
		m.handle(ctx, ev)
	}
}

func (m *Machine) handleIntent(ctx context.Context, ev intent) error {
	switch ev.kind {
	case intentStart:
		return m.start(ctx, ev.done)
	case intentCall:
		return m.call(ctx, ev.done)
	case intentEnd:
		return m.end(ctx)
	case intentStop:
		return m.stop(ctx)
	case intentTest:
		return m.send(ctx, signaling.TypeTest, nil)
	}
	return fmt.Errorf("unknown intent %d", ev.kind)
}

func (m *Machine) handleMessage(ctx context.Context, msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeReady:
		m.onReady(ctx, msg)
	case signaling.TypeOffer:
		m.onOffer(ctx, msg)
	case signaling.TypeAnswer:
		m.onAnswer(ctx, msg)
	case signaling.TypeCandidate:
		m.onCandidate(ctx, msg)
	case signaling.TypeEnd:
		m.onEnd(msg)
	case signaling.TypeTest:
		util.LogInfo("test message from %s", msg.ConnectionID)
	default:
		m.notice(&ProtocolError{Type: msg.Type, Err: ErrUnhandledType})
	}
}

// ---------------------------------------------------------------------------
// Local intents
// ---------------------------------------------------------------------------

func (m *Machine) start(ctx context.Context, done chan error) error {
	if m.session.localReady {
		return &UsageError{Intent: "start", Reason: "already started"}
	}

	m.spawn(ctx, &task{name: taskCapture, done: done}, func(tctx context.Context) (outcome, error) {
		media, err := m.media.CaptureLocalMedia(tctx)
		if err != nil {
			return outcome{}, &MediaAcquisitionError{Err: err}
		}
		return outcome{
			apply: func(ctx context.Context) error {
				m.session.setMedia(media)
				m.resetTicker()
				util.LogSuccess("local media ready")
				if err := m.announce(ctx); err != nil {
					m.notice(&AnnounceError{Err: err})
				}
				return nil
			},
			discard: func() { closeMedia(media) },
		}, nil
	})
	return errPending
}

func (m *Machine) call(ctx context.Context, done chan error) error {
	s := m.session
	switch {
	case !s.localReady:
		return &UsageError{Intent: "call", Reason: "local media is not ready"}
	case !s.remoteReady:
		return &UsageError{Intent: "call", Reason: "no remote peer is ready"}
	case s.conn != nil:
		return &UsageError{Intent: "call", Reason: "a call is already in progress"}
	case m.pending != nil:
		return &UsageError{Intent: "call", Reason: "another operation is in flight"}
	}

	conn, gen, err := m.connect(ctx, StatusOutgoing)
	if err != nil {
		return err
	}

	m.spawn(ctx, &task{name: taskOffer, gen: gen, done: done, fail: m.abort}, func(tctx context.Context) (outcome, error) {
		offer, err := conn.CreateOffer(tctx)
		if err != nil {
			return outcome{}, negotiationErr("create offer", err)
		}
		if err := conn.SetLocalDescription(tctx, offer); err != nil {
			return outcome{}, negotiationErr("set local description", err)
		}
		return outcome{apply: func(ctx context.Context) error {
			if err := m.send(ctx, signaling.TypeOffer, offer); err != nil {
				return err
			}
			util.LogInfo("offer sent, waiting for answer")
			return nil
		}}, nil
	})
	return errPending
}

func (m *Machine) end(ctx context.Context) error {
	if m.session.conn == nil {
		return &UsageError{Intent: "end", Reason: "no call in progress"}
	}
	m.release("ended locally")
	return m.send(ctx, signaling.TypeEnd, nil)
}

func (m *Machine) stop(ctx context.Context) error {
	s := m.session
	capturing := m.pending != nil && m.pending.name == taskCapture
	if !s.localReady && !capturing {
		return &UsageError{Intent: "stop", Reason: "not started"}
	}

	var err error
	if s.conn != nil {
		m.release("stopped")
		err = m.send(ctx, signaling.TypeEnd, nil)
	}
	if capturing {
		m.cancelPending(ErrCancelled)
	}
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	closeMedia(s.takeMedia())
	util.LogInfo("local media released")
	return err
}

// ---------------------------------------------------------------------------
// Inbound messages
// ---------------------------------------------------------------------------

func (m *Machine) onReady(ctx context.Context, msg signaling.Message) {
	if !m.session.markPeerReady(msg.ConnectionID) {
		return
	}
	util.LogInfo("peer %s is ready", msg.ConnectionID)

	// Answer a newcomer so it does not have to wait for the next periodic
	// announcement.
	if m.session.available() {
		m.reannounce(ctx)
	}
}

func (m *Machine) onOffer(ctx context.Context, msg signaling.Message) {
	if m.session.conn != nil {
		m.notice(resolveGlare(m.session, msg))
		return
	}
	if !m.session.localReady {
		m.notice(&ProtocolError{Type: msg.Type, Err: errors.New("offer received before local media is ready")})
		return
	}

	conn, gen, err := m.connect(ctx, StatusIncoming)
	if err != nil {
		m.notice(err)
		return
	}
	util.LogInfo("incoming call from %s", msg.ConnectionID)

	offer, origin := msg.Data, msg.ConnectionID
	m.spawn(ctx, &task{name: taskAnswer, gen: gen, fail: m.abort}, func(tctx context.Context) (outcome, error) {
		if err := conn.SetRemoteDescription(tctx, offer); err != nil {
			return outcome{}, negotiationErr("set remote description", err)
		}
		answer, err := conn.CreateAnswer(tctx)
		if err != nil {
			return outcome{}, negotiationErr("create answer", err)
		}
		if err := conn.SetLocalDescription(tctx, answer); err != nil {
			return outcome{}, negotiationErr("set local description", err)
		}
		return outcome{apply: func(ctx context.Context) error {
			m.session.remoteApplied(origin)
			if err := m.send(ctx, signaling.TypeAnswer, answer); err != nil {
				return err
			}
			m.session.status = StatusActive
			util.LogSuccess("call active")
			return nil
		}}, nil
	})
}

func (m *Machine) onAnswer(ctx context.Context, msg signaling.Message) {
	s := m.session
	if s.conn == nil {
		m.notice(&ProtocolError{Type: msg.Type, Err: errors.New("no connection is in place")})
		return
	}
	if s.status != StatusOutgoing {
		m.notice(&ProtocolError{Type: msg.Type, Err: fmt.Errorf("unexpected answer while %s", s.status)})
		return
	}

	if err := s.conn.SetRemoteDescription(ctx, msg.Data); err != nil {
		m.notice(m.abort(ctx, negotiationErr("set remote description", err)))
		return
	}
	s.remoteApplied(msg.ConnectionID)
	s.status = StatusActive
	util.LogSuccess("call active")
}

func (m *Machine) onCandidate(ctx context.Context, msg signaling.Message) {
	s := m.session
	if s.conn == nil {
		m.notice(&ProtocolError{Type: msg.Type, Err: errors.New("no connection is in place")})
		return
	}
	if !s.acceptsCandidate(msg.ConnectionID) {
		util.LogDebug("dropping candidate from %s: no matching remote description", msg.ConnectionID)
		return
	}

	var candidate json.RawMessage
	if !msg.EndOfCandidates() {
		candidate = msg.Data
	}
	if err := s.conn.AddCandidate(ctx, candidate); err != nil {
		m.notice(m.abort(ctx, negotiationErr("add candidate", err)))
	}
}

func (m *Machine) onEnd(msg signaling.Message) {
	if m.session.conn == nil {
		util.LogDebug("ignoring end from %s: no call in progress", msg.ConnectionID)
		return
	}
	m.release(fmt.Sprintf("ended by %s", msg.ConnectionID))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// connect creates a connection bound to the local media and attaches it with
// the given status.
func (m *Machine) connect(ctx context.Context, status CallStatus) (Connection, uint64, error) {
	conn, err := m.media.CreateConnection(ctx, m.session.media)
	if err != nil {
		return nil, 0, negotiationErr("create connection", err)
	}

	gen, err := m.session.attach(conn, status)
	if err != nil {
		_ = conn.Close()
		return nil, 0, err
	}
	util.Stats.AddCall()

	conn.OnLocalCandidate(func(c json.RawMessage) {
		m.post(localCandidate{gen: gen, data: c})
	})
	conn.OnRemoteTrack(func(t RemoteTrack) {
		m.post(remoteTrack{gen: gen, track: t})
	})
	return conn, gen, nil
}

// release closes the current connection, cancels the negotiation step bound
// to it and drops deferred events that belonged to it.
func (m *Machine) release(reason string) {
	if m.pending != nil && m.pending.gen != 0 {
		m.cancelPending(ErrCallEnded)
	}

	conn := m.session.detach()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		util.LogWarning("closing connection: %v", err)
	}

	kept := m.deferred[:0]
	for _, ev := range m.deferred {
		if !boundToCall(ev) {
			kept = append(kept, ev)
		}
	}
	m.deferred = kept

	if m.opts.Hooks.OnRemoteTrack != nil {
		m.opts.Hooks.OnRemoteTrack(nil)
	}
	util.LogInfo("call %s", reason)
}

// abort tears the call down after a negotiation failure and tells the peer,
// so neither side is left half-open. It returns err for reporting.
func (m *Machine) abort(ctx context.Context, err error) error {
	if m.session.conn != nil {
		m.release("aborted")
		if sendErr := m.send(ctx, signaling.TypeEnd, nil); sendErr != nil {
			util.LogWarning("could not notify peer: %v", sendErr)
		}
	}
	return err
}

func (m *Machine) announce(ctx context.Context) error {
	return m.send(ctx, signaling.TypeReady, nil)
}

// reannounce is for announcements that are repeated anyway, so a failure is
// only logged.
func (m *Machine) reannounce(ctx context.Context) {
	if err := m.announce(ctx); err != nil {
		util.LogDebug("ready announcement not sent: %v", err)
	}
}

func (m *Machine) send(ctx context.Context, typ signaling.Type, data json.RawMessage) error {
	return m.out.Send(ctx, typ, data)
}

func (m *Machine) notice(err error) {
	util.LogWarning("%v", err)
	if m.opts.Hooks.OnNotice != nil {
		m.opts.Hooks.OnNotice(err)
	}
}

// reply completes an intent. errPending means the intent continues as a task
// and will be answered when it finishes. Errors with no waiting caller become
// notices.
func (m *Machine) reply(done chan error, err error) {
	if errors.Is(err, errPending) {
		return
	}
	if done != nil {
		done <- err
		return
	}
	if err != nil {
		m.notice(err)
	}
}

func (m *Machine) resetTicker() {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	if m.opts.ReadyInterval > 0 {
		m.ticker = time.NewTicker(m.opts.ReadyInterval)
	}
}

func (m *Machine) tick() <-chan time.Time {
	if m.ticker == nil {
		return nil
	}
	return m.ticker.C
}

func (m *Machine) phase() Phase {
	switch m.session.status {
	case StatusOutgoing:
		return PhaseOutgoing
	case StatusIncoming:
		return PhaseIncoming
	case StatusActive:
		return PhaseActive
	}
	switch {
	case m.session.localReady:
		return PhaseReady
	case m.pending != nil && m.pending.name == taskCapture:
		return PhaseReadying
	}
	return PhaseIdle
}

func (m *Machine) publish() {
	snap := Snapshot{
		Phase:         m.phase(),
		LocalReady:    m.session.localReady,
		RemoteReady:   m.session.remoteReady,
		Status:        m.session.status,
		HasConnection: m.session.conn != nil,
	}

	m.snapMu.Lock()
	changed := snap != m.snap
	m.snap = snap
	m.snapMu.Unlock()

	if changed && m.opts.Hooks.OnStateChange != nil {
		m.opts.Hooks.OnStateChange(snap)
	}
}

// shutdown runs when Run returns: it releases everything without notifying
// the peer, fails queued intents, and waits for in-flight tasks.
func (m *Machine) shutdown() {
	if m.pending != nil {
		m.cancelPending(ErrStopped)
	}
	if conn := m.session.detach(); conn != nil {
		_ = conn.Close()
	}
	closeMedia(m.session.takeMedia())
	if m.ticker != nil {
		m.ticker.Stop()
	}

	close(m.stopped)
	m.tasks.Wait()

	pending := m.deferred
	m.deferred = nil
	for {
		select {
		case ev := <-m.inbox:
			pending = append(pending, ev)
			continue
		default:
		}
		break
	}
	for _, ev := range pending {
		switch ev := ev.(type) {
		case intent:
			ev.done <- ErrStopped
		case taskDone:
			if ev.out.discard != nil {
				ev.out.discard()
			}
		}
	}
	m.publish()
}

func closeMedia(media LocalMedia) {
	if media == nil {
		return
	}
	if err := media.Close(); err != nil {
		util.LogWarning("closing local media: %v", err)
	}
}
