package call

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/1ureka/duet/internal/signaling"
	"github.com/1ureka/duet/internal/util"
)

// errPending is returned by intent handlers that continue as a task; the
// intent is answered when the task finishes.
var errPending = errors.New("pending")

type event interface{}

type intentKind int

const (
	intentStart intentKind = iota
	intentCall
	intentEnd
	intentStop
	intentTest
)

type intent struct {
	kind intentKind
	done chan error
}

type inbound struct{ msg signaling.Message }

type protocolFault struct{ err error }

type announce struct{}

type localCandidate struct {
	gen  uint64
	data json.RawMessage
}

type remoteTrack struct {
	gen   uint64
	track RemoteTrack
}

type taskDone struct {
	t   *task
	out outcome
	err error
}

// deferrable reports whether ev must wait while a task is pending. Ending,
// stopping, readiness and liveness traffic are handled immediately so a call
// can always be torn down mid-negotiation.
func deferrable(ev event) bool {
	switch ev := ev.(type) {
	case intent:
		return ev.kind == intentStart || ev.kind == intentCall || ev.kind == intentTest
	case inbound:
		switch ev.msg.Type {
		case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeCandidate:
			return true
		}
	case localCandidate:
		// Local candidates must not overtake the description they belong to.
		return true
	}
	return false
}

// boundToCall reports whether ev only makes sense for the connection that was
// in place when it was queued.
func boundToCall(ev event) bool {
	switch ev := ev.(type) {
	case inbound:
		return ev.msg.Type == signaling.TypeAnswer || ev.msg.Type == signaling.TypeCandidate
	case localCandidate, remoteTrack:
		return true
	}
	return false
}

const (
	taskCapture = "capture"
	taskOffer   = "offer"
	taskAnswer  = "answer"
)

// task is one media-engine step that may suspend. At most one is pending per
// Machine; its result is applied on the event loop only while it is still the
// pending task.
type task struct {
	name string
	gen  uint64 // connection generation, zero when not bound to a connection

	// done receives the result of the intent that started the task, if any.
	done chan error
	// fail turns a task error into the error to report, tearing down state as
	// needed.
	fail func(ctx context.Context, err error) error

	cancel context.CancelFunc
}

// outcome is what a task produced. apply runs on the loop if the task is
// still current; discard runs instead if it went stale, to free anything the
// task acquired.
type outcome struct {
	apply   func(ctx context.Context) error
	discard func()
}

// spawn makes t the pending task and runs fn on its own goroutine.
func (m *Machine) spawn(ctx context.Context, t *task, fn func(ctx context.Context) (outcome, error)) {
	tctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	m.pending = t

	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		out, err := fn(tctx)
		select {
		case m.inbox <- taskDone{t: t, out: out, err: err}:
		case <-m.stopped:
			if out.discard != nil {
				out.discard()
			}
		}
	}()
}

// finish applies a task result, or discards it if the task is stale.
func (m *Machine) finish(ctx context.Context, ev taskDone) {
	if m.pending != ev.t {
		util.LogDebug("discarding stale %s result", ev.t.name)
		if ev.out.discard != nil {
			ev.out.discard()
		}
		return
	}
	m.pending = nil
	ev.t.cancel()

	err := ev.err
	if err == nil && ev.t.gen != 0 && !m.session.current(ev.t.gen) {
		err = ErrCallEnded
	}
	if err == nil && ev.out.apply != nil {
		err = ev.out.apply(ctx)
	} else if ev.out.discard != nil {
		ev.out.discard()
	}
	if err != nil && ev.t.fail != nil {
		err = ev.t.fail(ctx, err)
	}
	m.reply(ev.t.done, err)
}

// cancelPending abandons the pending task and answers its intent with err.
func (m *Machine) cancelPending(err error) {
	t := m.pending
	if t == nil {
		return
	}
	m.pending = nil
	t.cancel()
	util.LogDebug("cancelled pending %s", t.name)
	if t.done != nil {
		t.done <- err
	}
}
