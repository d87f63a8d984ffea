package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// ErrPermissionDenied is returned when the user declines microphone access.
// It is recoverable: text chat continues and capture may be retried.
var ErrPermissionDenied = errors.New("media: microphone permission denied")

// AudioConstraints are the capture settings requested for the microphone.
type AudioConstraints struct {
	EchoCancellation bool `json:"echoCancellation"`
	NoiseSuppression bool `json:"noiseSuppression"`
	AutoGainControl  bool `json:"autoGainControl"`
}

// DefaultAudioConstraints enables all voice processing.
func DefaultAudioConstraints() AudioConstraints {
	return AudioConstraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

// Capturer acquires the local microphone. It may block while the user
// decides on the permission prompt.
type Capturer interface {
	Capture(ctx context.Context, constraints AudioConstraints) (*LocalMediaHandle, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context, constraints AudioConstraints) (*LocalMediaHandle, error)

func (f CapturerFunc) Capture(ctx context.Context, constraints AudioConstraints) (*LocalMediaHandle, error) {
	return f(ctx, constraints)
}

// DeniedCapturer always refuses, as a user declining the prompt would.
var DeniedCapturer = CapturerFunc(func(context.Context, AudioConstraints) (*LocalMediaHandle, error) {
	return nil, ErrPermissionDenied
})

// LocalMediaHandle owns one local audio track. Disabling it drops samples
// without renegotiating.
type LocalMediaHandle struct {
	track       *webrtc.TrackLocalStaticSample
	constraints AudioConstraints

	mu      sync.Mutex
	enabled bool
	stopped bool
	stop    chan struct{}
}

// NewLocalMediaHandle creates an enabled Opus track.
func NewLocalMediaHandle(constraints AudioConstraints) (*LocalMediaHandle, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "local-"+uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}
	return &LocalMediaHandle{
		track:       track,
		constraints: constraints,
		enabled:     true,
		stop:        make(chan struct{}),
	}, nil
}

func (h *LocalMediaHandle) Track() *webrtc.TrackLocalStaticSample { return h.track }

func (h *LocalMediaHandle) Constraints() AudioConstraints { return h.constraints }

// Enabled reports whether samples are forwarded.
func (h *LocalMediaHandle) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

// SetEnabled flips the enabled flag.
func (h *LocalMediaHandle) SetEnabled(enabled bool) {
	h.mu.Lock()
	h.enabled = enabled
	h.mu.Unlock()
}

// WriteSample forwards one encoded frame unless the handle is muted or stopped.
func (h *LocalMediaHandle) WriteSample(data []byte, d time.Duration) error {
	h.mu.Lock()
	skip := !h.enabled || h.stopped
	h.mu.Unlock()
	if skip {
		return nil
	}
	return h.track.WriteSample(pionmedia.Sample{Data: data, Duration: d})
}

// Stop releases the capture. Idempotent.
func (h *LocalMediaHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stop)
}

// Done is closed after Stop.
func (h *LocalMediaHandle) Done() <-chan struct{} { return h.stop }

// opusSilence is one 20 ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticCapturer produces a handle fed with Opus silence frames every
// 20 ms. The server has no microphone; this stands in for one in the soak
// tool and in tests.
type SyntheticCapturer struct{}

func (SyntheticCapturer) Capture(ctx context.Context, constraints AudioConstraints) (*LocalMediaHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := NewLocalMediaHandle(constraints)
	if err != nil {
		return nil, err
	}
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-h.Done():
				return
			case <-ticker.C:
				_ = h.WriteSample(opusSilence, 20*time.Millisecond)
			}
		}
	}()
	return h, nil
}
