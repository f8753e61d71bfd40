// Package media owns local audio capture and the realtime transport
// capability behind the call engine.
package media

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter

	"github.com/servibook/callkit/internal/callerr"
)

// Pipeline acquires and releases the local audio capture device. It owns at
// most one media stream at a time; Release is always safe to call again.
type Pipeline struct {
	log *zap.Logger

	mu       sync.Mutex
	stream   mediadevices.MediaStream
	selector *mediadevices.CodecSelector
}

func NewPipeline(log *zap.Logger) (*Pipeline, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms // 20 ms frame size for real-time speech

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return &Pipeline{
		log:      log.Named("media"),
		selector: selector,
	}, nil
}

// CodecSelector exposes the audio codec configuration so the transport can
// register it with its media engine.
func (p *Pipeline) CodecSelector() *mediadevices.CodecSelector {
	return p.selector
}

// Acquire requests microphone capture, audio only, tuned for speech. The
// driver applies echo cancellation, noise suppression and automatic gain
// where the platform supports them. Failures are pre-classified: permission
// denial and missing devices are terminal, as is any other capture failure.
func (p *Pipeline) Acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return nil
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.SampleSize = prop.Int(16)
			c.ChannelCount = prop.Int(1)
			c.IsFloat = prop.BoolExact(false)
			c.IsInterleaved = prop.BoolExact(true)
		},
		Codec: p.selector,
	})
	if err != nil {
		return classifyCaptureError(err)
	}

	p.stream = stream
	p.log.Info("microphone acquired",
		zap.Int("audioTracks", len(stream.GetAudioTracks())))
	return nil
}

// Tracks returns the live audio tracks, or nil before Acquire.
func (p *Pipeline) Tracks() []mediadevices.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	return p.stream.GetAudioTracks()
}

// Release stops every track and drops the stream. Calling it on an already
// released pipeline is a no-op.
func (p *Pipeline) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return
	}
	for _, track := range p.stream.GetTracks() {
		if err := track.Close(); err != nil {
			p.log.Warn("failed to close track",
				zap.String("trackID", track.ID()), zap.Error(err))
		}
	}
	p.stream = nil
	p.log.Info("microphone released")
}

// classifyCaptureError maps driver failures onto the terminal capture
// sentinels. The mediadevices drivers do not export error values, so this
// matches on the stable parts of their messages.
func classifyCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not allowed"):
		return fmt.Errorf("%w: %v", callerr.ErrPermissionDenied, err)
	case strings.Contains(msg, "failed to find") || strings.Contains(msg, "no such device"):
		return fmt.Errorf("%w: %v", callerr.ErrDeviceNotFound, err)
	default:
		return fmt.Errorf("%w: %v", callerr.ErrCaptureFailed, err)
	}
}
