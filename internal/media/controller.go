package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/util"
)

// Constraints say which devices AcquireLocal asks for.
type Constraints struct {
	Video bool
	Audio bool
}

// LocalTracks is the result of AcquireLocal. Video is nil on the
// audio-only fallback.
type LocalTracks struct {
	Video        *Track
	Audio        *Track
	VideoEnabled bool
}

// State is the local media state broadcast to other participants.
type State struct {
	VideoEnabled  bool
	AudioEnabled  bool
	ScreenSharing bool
}

// VideoReplacer swaps the outbound video on every peer link.
// peer.Registry satisfies it.
type VideoReplacer interface {
	ReplaceOutboundVideo(track webrtc.TrackLocal) map[string]error
}

// Controller owns the local tracks. Exactly one of camera and screen is
// the active video track at any time (or neither).
type Controller struct {
	capturer Capturer
	log      util.Logger

	mu            sync.Mutex
	camera        *Track
	mic           *Track
	screen        *Track
	videoOn       bool // enabled flag of the active video track
	cameraOn      bool // camera's flag, restored when sharing stops
	replacer      VideoReplacer
	onScreenEnded func()
}

func NewController(capturer Capturer) *Controller {
	return &Controller{
		capturer: capturer,
		log:      util.For("media"),
	}
}

// SetReplacer sets where video swaps are applied.
func (c *Controller) SetReplacer(r VideoReplacer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replacer = r
}

// OnScreenShareEnded registers fn to run after a share ended on its own
// and the camera was restored.
func (c *Controller) OnScreenShareEnded(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onScreenEnded = fn
}

// AcquireLocal opens the requested devices. A camera failure falls back to
// audio only; without a microphone it fails with ErrNoDeviceAccess.
// Tracks from an earlier call are stopped.
func (c *Controller) AcquireLocal(ctx context.Context, want Constraints) (LocalTracks, error) {
	c.StopAll()
	if !want.Video && !want.Audio {
		return LocalTracks{}, nil
	}

	var cam, mic *Track
	if want.Video {
		var err error
		if cam, err = c.capturer.Camera(ctx); err != nil {
			c.log.Warn("camera unavailable, continuing audio-only", "err", err)
			cam = nil
		}
	}

	if want.Audio {
		var err error
		if mic, err = c.capturer.Microphone(ctx); err != nil {
			if cam != nil {
				cam.Stop()
			}
			return LocalTracks{}, fmt.Errorf("%w: %v", ErrNoDeviceAccess, err)
		}
	} else if cam == nil {
		return LocalTracks{}, fmt.Errorf("%w: camera unavailable", ErrNoDeviceAccess)
	}

	c.mu.Lock()
	c.camera, c.mic, c.screen = cam, mic, nil
	c.videoOn = cam != nil
	c.mu.Unlock()

	c.log.Info("local media acquired", "video", cam != nil, "audio", mic != nil)
	return LocalTracks{Video: cam, Audio: mic, VideoEnabled: cam != nil}, nil
}

// ToggleVideo flips the active video track's enabled flag in place and
// returns the new value. Without a video track it returns false.
func (c *Controller) ToggleVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := c.activeLocked()
	if active == nil {
		return false
	}
	c.videoOn = !c.videoOn
	active.SetEnabled(c.videoOn)
	return c.videoOn
}

// ToggleAudio flips the microphone's enabled flag in place.
func (c *Controller) ToggleAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mic == nil {
		return false
	}
	c.mic.SetEnabled(!c.mic.Enabled())
	return c.mic.Enabled()
}

// StartScreenShare captures the screen and puts it on every link in place
// of the camera. Links where the swap fails keep the camera frame they had
// and do not affect the others. Calling it while sharing returns the
// current screen track.
func (c *Controller) StartScreenShare(ctx context.Context) (*Track, error) {
	c.mu.Lock()
	if c.screen != nil {
		scr := c.screen
		c.mu.Unlock()
		return scr, nil
	}
	c.mu.Unlock()

	scr, err := c.capturer.Screen(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start screen share: %w", err)
	}

	c.mu.Lock()
	if c.screen != nil {
		existing := c.screen
		c.mu.Unlock()
		scr.Stop()
		return existing, nil
	}
	cam := c.camera
	c.screen, c.camera = scr, nil
	c.cameraOn = cam != nil && c.videoOn
	c.videoOn = true
	replacer := c.replacer
	c.mu.Unlock()

	c.replace(replacer, scr)
	if cam != nil {
		cam.Stop()
	}

	c.log.Info("screen share started")
	scr.OnEnded(func() { c.screenEnded(scr) })
	return scr, nil
}

// StopScreenShare puts a freshly captured camera back on every link. If
// the camera cannot be reopened the links carry no video.
func (c *Controller) StopScreenShare(ctx context.Context) {
	c.mu.Lock()
	scr := c.screen
	c.mu.Unlock()
	if scr == nil {
		return
	}

	cam, err := c.capturer.Camera(ctx)
	if err != nil {
		c.log.Warn("camera unavailable after screen share, continuing without video", "err", err)
		cam = nil
	}

	c.mu.Lock()
	if c.screen != scr {
		c.mu.Unlock()
		if cam != nil {
			cam.Stop()
		}
		return
	}
	c.screen, c.camera = nil, cam
	c.videoOn = cam != nil && c.cameraOn
	if cam != nil {
		cam.SetEnabled(c.videoOn)
	}
	replacer := c.replacer
	c.mu.Unlock()

	// A nil *Track must not reach the links as a non-nil interface.
	var next webrtc.TrackLocal
	if cam != nil {
		next = cam
	}
	c.replace(replacer, next)
	scr.Stop()
	c.log.Info("screen share stopped", "video", cam != nil)
}

func (c *Controller) screenEnded(scr *Track) {
	c.mu.Lock()
	sharing := c.screen == scr
	fn := c.onScreenEnded
	c.mu.Unlock()
	if !sharing {
		return
	}

	c.log.Info("screen share ended by source")
	c.StopScreenShare(context.Background())
	if fn != nil {
		fn()
	}
}

func (c *Controller) replace(r VideoReplacer, track webrtc.TrackLocal) {
	if r == nil {
		return
	}
	for id, err := range r.ReplaceOutboundVideo(track) {
		c.log.Warn("video swap failed on link", "remote", id, "err", err)
	}
}

// ActiveVideoTrack returns the screen while sharing, else the camera, or
// nil when there is no video.
func (c *Controller) ActiveVideoTrack() *Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *Controller) activeLocked() *Track {
	if c.screen != nil {
		return c.screen
	}
	return c.camera
}

// Outbound returns the tracks new links should send. Absent tracks are
// nil interfaces.
func (c *Controller) Outbound() (video, audio webrtc.TrackLocal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v := c.activeLocked(); v != nil {
		video = v
	}
	if c.mic != nil {
		audio = c.mic
	}
	return video, audio
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	active := c.activeLocked()
	return State{
		VideoEnabled:  active != nil && active.Enabled(),
		AudioEnabled:  c.mic != nil && c.mic.Enabled(),
		ScreenSharing: c.screen != nil,
	}
}

// StopAll stops every local track. The controller can acquire again.
func (c *Controller) StopAll() {
	c.mu.Lock()
	tracks := []*Track{c.camera, c.mic, c.screen}
	c.camera, c.mic, c.screen = nil, nil, nil
	c.videoOn = false
	c.mu.Unlock()

	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
}
