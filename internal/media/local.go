package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"go.uber.org/multierr"

	"github.com/1ureka/duet/internal/config"
	"github.com/1ureka/duet/internal/util"
)

const (
	streamID         = "duet"
	oggPageDuration  = 20 * time.Millisecond
	opusSampleRateHz = 48000
)

// LocalMedia holds the local tracks and the goroutines feeding them. It
// satisfies call.LocalMedia.
type LocalMedia struct {
	tracks []*webrtc.TrackLocalStaticSample

	cancel context.CancelFunc
	wg     sync.WaitGroup
	files  []*os.File
}

// Tracks returns the local tracks.
func (l *LocalMedia) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(l.tracks))
	for i, t := range l.tracks {
		out[i] = t
	}
	return out
}

// Close stops the sources and releases their files.
func (l *LocalMedia) Close() error {
	l.cancel()
	l.wg.Wait()

	var err error
	for _, f := range l.files {
		err = multierr.Append(err, f.Close())
	}
	return err
}

// captureLocal creates the tracks and opens the configured sources. Source
// files are validated here so a bad file fails the capture rather than the
// call.
func captureLocal(cfg config.Media) (*LocalMedia, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &LocalMedia{
		tracks: []*webrtc.TrackLocalStaticSample{video, audio},
		cancel: cancel,
	}

	if cfg.VideoFile != "" {
		f, ivf, header, err := openIVF(cfg.VideoFile)
		if err != nil {
			return nil, multierr.Append(err, l.Close())
		}
		l.files = append(l.files, f)
		frameDuration := time.Duration(float64(time.Second) *
			float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
		l.run(func() { pumpIVF(ctx, f, ivf, frameDuration, video) })
	}

	if cfg.AudioFile != "" {
		f, ogg, err := openOgg(cfg.AudioFile)
		if err != nil {
			return nil, multierr.Append(err, l.Close())
		}
		l.files = append(l.files, f)
		l.run(func() { pumpOgg(ctx, f, ogg, audio) })
	}

	return l, nil
}

func (l *LocalMedia) run(fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
}

func openIVF(path string) (*os.File, *ivfreader.IVFReader, *ivfreader.IVFFileHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open video source: %w", err)
	}
	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("read IVF header: %w", err)
	}
	if header.FourCC != "VP80" {
		f.Close()
		return nil, nil, nil, fmt.Errorf("unsupported video codec %q (want VP80)", header.FourCC)
	}
	if header.TimebaseDenominator == 0 {
		f.Close()
		return nil, nil, nil, errors.New("IVF header has zero timebase")
	}
	return f, ivf, header, nil
}

func openOgg(path string) (*os.File, *oggreader.OggReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open audio source: %w", err)
	}
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("read Ogg header: %w", err)
	}
	return f, ogg, nil
}

// pumpIVF writes one VP8 frame per frameDuration, rewinding at end of file.
func pumpIVF(ctx context.Context, f *os.File, ivf *ivfreader.IVFReader, frameDuration time.Duration, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				util.LogWarning("rewinding video source: %v", err)
				return
			}
			if ivf, _, err = ivfreader.NewWith(f); err != nil {
				util.LogWarning("restarting video source: %v", err)
				return
			}
			continue
		}
		if err != nil {
			util.LogWarning("reading video source: %v", err)
			return
		}

		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			util.LogDebug("writing video sample: %v", err)
		}
	}
}

// pumpOgg writes one Opus page per page duration, rewinding at end of file.
func pumpOgg(ctx context.Context, f *os.File, ogg *oggreader.OggReader, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				util.LogWarning("rewinding audio source: %v", err)
				return
			}
			if ogg, _, err = oggreader.NewWith(f); err != nil {
				util.LogWarning("restarting audio source: %v", err)
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			util.LogWarning("reading audio source: %v", err)
			return
		}

		var samples uint64
		if header.GranulePosition > lastGranule {
			samples = header.GranulePosition - lastGranule
		}
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusSampleRateHz * float64(time.Second))

		if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			util.LogDebug("writing audio sample: %v", err)
		}
	}
}
