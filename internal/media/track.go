// Package media owns the local outbound tracks: acquiring them from
// capture devices, muting them in place and swapping camera for screen.
package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/meshcall/internal/util"
)

var (
	ErrNoDeviceAccess    = errors.New("media: no capture device available")
	ErrDeviceUnavailable = errors.New("media: device unavailable")
	ErrTrackStopped      = errors.New("media: track stopped")
)

// Source is the device a track captures from.
type Source string

const (
	SourceCamera     Source = "camera"
	SourceMicrophone Source = "microphone"
	SourceScreen     Source = "screen"
)

const streamID = "meshcall"

// Track is a local track shared by reference across every peer link.
// Disabling it drops samples instead of stopping the device, so remote
// sides see silence or a frozen frame without renegotiating.
type Track struct {
	*webrtc.TrackLocalStaticSample

	source  Source
	enabled atomic.Bool
	stopped atomic.Bool

	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	ended   bool
	onEnded []func()
}

// NewTrack creates an enabled track for source.
func NewTrack(source Source, codec webrtc.RTPCodecCapability) (*Track, error) {
	sample, err := webrtc.NewTrackLocalStaticSample(codec, string(source)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{
		TrackLocalStaticSample: sample,
		source:                 source,
		done:                   make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Source() Source { return t.source }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }

// Stopped reports whether the track was stopped or ended.
func (t *Track) Stopped() bool { return t.stopped.Load() }

// Done is closed when the track stops or ends.
func (t *Track) Done() <-chan struct{} { return t.done }

// WriteSample forwards s to every bound link. Samples written while the
// track is disabled are dropped.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	if !t.enabled.Load() {
		return nil
	}
	if err := t.TrackLocalStaticSample.WriteSample(s); err != nil {
		return err
	}
	util.Stats.AddSample(len(s.Data))
	return nil
}

// OnEnded registers fn to run when the source ends by itself (the user
// stopped sharing, the device went away). It does not run on Stop. If the
// track already ended, fn runs immediately.
func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		fn()
		return
	}
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// Stop releases the track. Safe to call more than once.
func (t *Track) Stop() {
	t.finish()
}

// End marks the source as gone and runs the OnEnded handlers once.
func (t *Track) End() {
	if !t.finish() {
		return
	}
	t.mu.Lock()
	t.ended = true
	handlers := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (t *Track) finish() (first bool) {
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.done)
		first = true
	})
	return first
}
