package call

import (
	"errors"
	"fmt"

	"github.com/1ureka/duet/internal/signaling"
)

var (
	// ErrCallEnded is returned to an intent whose call was ended before its
	// negotiation step completed.
	ErrCallEnded = errors.New("call ended before negotiation completed")

	// ErrCancelled is returned to a start intent that was stopped while media
	// was still being acquired.
	ErrCancelled = errors.New("cancelled")

	// ErrStopped is returned when the state machine is no longer running.
	ErrStopped = errors.New("call state machine stopped")

	// ErrUnhandledType is wrapped by the ProtocolError reported for messages
	// of an unknown type.
	ErrUnhandledType = errors.New("unhandled message type")
)

// UsageError reports a local intent rejected because its guard does not hold.
// Nothing is sent to the peer.
type UsageError struct {
	Intent string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("cannot %s: %s", e.Intent, e.Reason)
}

// ProtocolError reports an inbound message that could not be acted on. State
// is unchanged.
type ProtocolError struct {
	Type signaling.Type // empty when the frame could not be decoded
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
	return fmt.Sprintf("protocol error (%s): %v", e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// GlareConflict reports an offer that arrived while a connection was already
// in place. The offer was discarded and the existing connection kept.
type GlareConflict struct {
	Origin string
	Status CallStatus
}

func (e *GlareConflict) Error() string {
	return fmt.Sprintf("offer from %s rejected: already %s", e.Origin, e.Status)
}

// NegotiationError reports a media-engine failure while negotiating. The call
// is torn down when one occurs.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed (%s): %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// MediaAcquisitionError reports that local media could not be captured.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire local media: %v", e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

func negotiationErr(op string, err error) error {
	return &NegotiationError{Op: op, Err: err}
}

// AnnounceError reports that the ready announcement made after local media
// was acquired could not be sent. Local readiness is kept, and the next
// periodic or reconnect announcement tries again.
type AnnounceError struct {
	Err error
}

func (e *AnnounceError) Error() string {
	return fmt.Sprintf("ready not announced: %v", e.Err)
}

func (e *AnnounceError) Unwrap() error { return e.Err }
