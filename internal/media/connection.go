package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duet/internal/call"
	"github.com/1ureka/duet/internal/util"
)

// Connection wraps a single PeerConnection and exposes it to the call state
// machine with descriptions and candidates as JSON blobs. It satisfies
// call.Connection.
//
// The PeerConnection state is recorded for display only; the state machine
// decides when a call ends.
type Connection struct {
	pc *webrtc.PeerConnection

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

var _ call.Connection = (*Connection)(nil)

func newConnection(pc *webrtc.PeerConnection) *Connection {
	c := &Connection{
		pc:      pc,
		pcState: webrtc.PeerConnectionStateNew,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		c.mu.Lock()
		c.pcState = state
		c.mu.Unlock()
	})

	return c
}

// ConnectionState returns the last observed PeerConnection state.
func (c *Connection) ConnectionState() webrtc.PeerConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pcState
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (c *Connection) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

// CreateAnswer generates an SDP answer to the applied remote offer.
func (c *Connection) CreateAnswer(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

// SetLocalDescription applies the local SDP and starts ICE gathering.
func (c *Connection) SetLocalDescription(ctx context.Context, desc json.RawMessage) error {
	sd, err := decodeDescription(desc)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.SetLocalDescription(sd)
}

// SetRemoteDescription applies the remote SDP.
func (c *Connection) SetRemoteDescription(ctx context.Context, desc json.RawMessage) error {
	sd, err := decodeDescription(desc)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(sd)
}

// AddCandidate adds a remote ICE candidate. A nil candidate marks the end of
// the remote candidates; pion needs no action for it.
func (c *Connection) AddCandidate(ctx context.Context, candidate json.RawMessage) error {
	if candidate == nil {
		util.LogDebug("remote end-of-candidates")
		return nil
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode ICE candidate: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.AddICECandidate(init)
}

// OnLocalCandidate registers the callback for gathered local candidates; it
// is called with nil when gathering is complete.
func (c *Connection) OnLocalCandidate(fn func(json.RawMessage)) {
	c.pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			fn(nil)
			return
		}
		data, err := json.Marshal(ice.ToJSON())
		if err != nil {
			util.LogWarning("encode local ICE candidate: %v", err)
			return
		}
		fn(data)
	})
}

// OnRemoteTrack registers the callback for tracks received from the peer.
// Received media is read and discarded; rendering is out of scope here.
func (c *Connection) OnRemoteTrack(fn func(call.RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(call.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
		})
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			c.requestKeyframe(track)
		}
		go drainRTP(track)
	})
}

// requestKeyframe asks the sender for a keyframe so video starts without
// waiting for the next periodic one.
func (c *Connection) requestKeyframe(track *webrtc.TrackRemote) {
	err := c.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
	if err != nil {
		util.LogDebug("keyframe request failed: %v", err)
	}
}

// Close shuts down the PeerConnection.
func (c *Connection) Close() error {
	return c.pc.Close()
}

func decodeDescription(desc json.RawMessage) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description: %w", err)
	}
	return sd, nil
}

func drainRTP(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
