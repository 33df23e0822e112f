// Package media implements the call media engine with pion/webrtc: local
// tracks, peer connections and trickle ICE. Descriptions and candidates are
// exchanged in the browser's JSON shapes (RTCSessionDescriptionInit and
// RTCIceCandidateInit), so a duet peer can talk to a browser peer on the same
// relay.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duet/internal/call"
	"github.com/1ureka/duet/internal/config"
	"github.com/1ureka/duet/internal/util"
)

// Engine creates local media and peer connections. It satisfies
// call.MediaEngine.
type Engine struct {
	api *webrtc.API
	cfg config.Media
}

var _ call.MediaEngine = (*Engine)(nil)

// NewEngine builds the pion API: default codecs and interceptors, ICE
// timeouts from cfg, and pion logging routed through the pterm logger. A nil
// net uses the OS network stack.
func NewEngine(cfg config.Media, net transport.Net) (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 || cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}
	if net != nil {
		se.SetNet(net)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &Engine{api: api, cfg: cfg}, nil
}

// CaptureLocalMedia creates the local audio and video tracks and starts the
// configured file sources feeding them.
func (e *Engine) CaptureLocalMedia(ctx context.Context) (call.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local, err := captureLocal(e.cfg)
	if err != nil {
		return nil, err
	}
	return local, nil
}

// CreateConnection creates a peer connection carrying the tracks of local.
// With no local media the connection is receive-only.
func (e *Engine) CreateConnection(ctx context.Context, local call.LocalMedia) (call.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var pcConfig webrtc.Configuration
	if len(e.cfg.STUNServers) > 0 {
		pcConfig.ICEServers = []webrtc.ICEServer{{URLs: e.cfg.STUNServers}}
	}
	pc, err := e.api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	lm, _ := local.(*LocalMedia)
	if lm == nil {
		if err := addRecvOnlyTransceivers(pc); err != nil {
			return nil, errors.Join(err, pc.Close())
		}
	} else {
		for _, track := range lm.tracks {
			sender, err := pc.AddTrack(track)
			if err != nil {
				return nil, errors.Join(fmt.Errorf("add %s track: %w", track.Kind(), err), pc.Close())
			}
			go drainRTCP(sender)
		}
	}

	return newConnection(pc), nil
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// the offer or answer still has media sections to receive on.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// drainRTCP reads RTCP for sender until the connection closes. Interceptors
// only run while something reads.
func drainRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
				util.LogDebug("peer requested a keyframe")
			}
		}
	}
}
