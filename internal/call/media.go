package call

import (
	"context"
	"encoding/json"
)

// MediaEngine captures local media and creates connections. Descriptions and
// candidates cross this boundary as opaque JSON blobs; the state machine never
// looks inside them.
type MediaEngine interface {
	CaptureLocalMedia(ctx context.Context) (LocalMedia, error)
	CreateConnection(ctx context.Context, local LocalMedia) (Connection, error)
}

// LocalMedia is captured local audio/video.
type LocalMedia interface {
	Close() error
}

// Connection is one negotiation/media session with exactly one remote peer.
type Connection interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	CreateAnswer(ctx context.Context) (json.RawMessage, error)
	SetLocalDescription(ctx context.Context, desc json.RawMessage) error
	SetRemoteDescription(ctx context.Context, desc json.RawMessage) error

	// AddCandidate adds a remote candidate. A nil candidate signals
	// end-of-candidates.
	AddCandidate(ctx context.Context, candidate json.RawMessage) error

	// OnLocalCandidate registers the callback for gathered local candidates.
	// It is called with nil when gathering completes.
	OnLocalCandidate(fn func(candidate json.RawMessage))
	OnRemoteTrack(fn func(track RemoteTrack))

	Close() error
}

// RemoteTrack describes a media track received from the peer.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string // "audio" or "video"
}
