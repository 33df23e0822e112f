package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/duet/internal/util"
)

// ErrNotConnected is returned when a send is attempted while the transport has
// no live connection. The frame is not queued.
var ErrNotConnected = errors.New("signaling transport not connected")

// Transport is the broadcast channel the router sits on. ID returns the id the
// relay assigned to the current connection; it changes on every reconnect.
// Send must fail with ErrNotConnected when id does not name the current
// connection, so a frame stamped for one epoch is never written on another.
type Transport interface {
	ID() (string, bool)
	Send(ctx context.Context, id string, frame []byte) error
}

// Handler consumes decoded, foreign messages in arrival order.
type Handler interface {
	HandleMessage(msg Message)
	HandleProtocolError(err error)
}

// Router decodes inbound frames, drops the ones this peer sent itself, and
// stamps outbound messages with the current connection id.
type Router struct {
	tr Transport

	mu      sync.RWMutex
	handler Handler
}

// NewRouter creates a Router on tr. Inbound frames are dropped until a
// handler is attached.
func NewRouter(tr Transport) *Router {
	return &Router{tr: tr}
}

// Attach sets the handler that receives dispatched messages.
func (r *Router) Attach(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// Dispatch handles one inbound frame synchronously. It returns the decode
// error for malformed frames after reporting it to the handler; it never
// panics on bad input.
func (r *Router) Dispatch(frame []byte) error {
	util.Stats.AddRecv(len(frame))

	r.mu.RLock()
	h := r.handler
	r.mu.RUnlock()

	msg, err := Decode(frame)
	if err != nil {
		util.LogWarning("dropping inbound frame: %v", err)
		if h != nil {
			h.HandleProtocolError(err)
		}
		return err
	}

	if id, ok := r.tr.ID(); ok && msg.ConnectionID == id {
		util.LogDebug("ignoring own %s message", msg.Type)
		return nil
	}

	if h == nil {
		util.LogDebug("no handler attached, dropping %s from %s", msg.Type, msg.ConnectionID)
		return nil
	}
	h.HandleMessage(msg)
	return nil
}

// Send encodes a message of type typ carrying data and writes it to the
// transport under the current connection id.
func (r *Router) Send(ctx context.Context, typ Type, data json.RawMessage) error {
	id, ok := r.tr.ID()
	if !ok {
		return fmt.Errorf("send %s: %w", typ, ErrNotConnected)
	}

	frame, err := Encode(Message{Type: typ, Data: data, ConnectionID: id})
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	if err := r.tr.Send(ctx, id, frame); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}

	util.Stats.AddSent(len(frame))
	return nil
}
