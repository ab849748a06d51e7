package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/1ureka/meshcall/internal/util"
)

const (
	oggPageDuration = 20 * time.Millisecond
	opusSampleRate  = 48000
)

// FileCapturer stands in for capture devices by replaying media files in
// real time: IVF (VP8, VP9 or AV1) for the camera and the screen, Ogg/Opus
// for the microphone. The screen track ends at end of file, which is how a
// share "stopped by the user" looks to the controller.
type FileCapturer struct {
	CameraPath     string
	MicrophonePath string
	ScreenPath     string
	Loop           bool // restart the camera and microphone at end of file
}

var _ Capturer = (*FileCapturer)(nil)

func (f *FileCapturer) Camera(ctx context.Context) (*Track, error) {
	return f.openIVF(ctx, SourceCamera, f.CameraPath, f.Loop)
}

func (f *FileCapturer) Screen(ctx context.Context) (*Track, error) {
	return f.openIVF(ctx, SourceScreen, f.ScreenPath, false)
}

func (f *FileCapturer) Microphone(ctx context.Context) (*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.MicrophonePath == "" {
		return nil, fmt.Errorf("%w: no %s configured", ErrDeviceUnavailable, SourceMicrophone)
	}

	file, err := os.Open(f.MicrophonePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	ogg, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, f.MicrophonePath, err)
	}

	track, err := NewTrack(SourceMicrophone, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus})
	if err != nil {
		file.Close()
		return nil, err
	}

	go pumpOgg(track, file, ogg, f.MicrophonePath, f.Loop)
	return track, nil
}

func (f *FileCapturer) openIVF(ctx context.Context, source Source, path string, loop bool) (*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("%w: no %s configured", ErrDeviceUnavailable, source)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, path, err)
	}

	mime, err := mimeForFourCC(header.FourCC)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, path, err)
	}

	track, err := NewTrack(source, webrtc.RTPCodecCapability{MimeType: mime})
	if err != nil {
		file.Close()
		return nil, err
	}

	interval := frameInterval(header)
	go pumpIVF(track, file, ivf, interval, path, loop)
	return track, nil
}

func mimeForFourCC(fourcc string) (string, error) {
	switch fourcc {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	default:
		return "", fmt.Errorf("unsupported codec %q", fourcc)
	}
}

// frameInterval is one IVF timebase unit, the spacing between frames.
func frameInterval(h *ivfreader.IVFFileHeader) time.Duration {
	if h.TimebaseDenominator == 0 || h.TimebaseNumerator == 0 {
		return time.Second / 30
	}
	return time.Duration(float64(time.Second) * float64(h.TimebaseNumerator) / float64(h.TimebaseDenominator))
}

// pumpIVF writes one frame per interval until the track stops. At end of
// file it rewinds when loop is set and otherwise ends the track.
func pumpIVF(track *Track, file *os.File, ivf *ivfreader.IVFReader, interval time.Duration, path string, loop bool) {
	defer file.Close()
	log := util.For("media").With(string(track.Source()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-track.Done():
			return
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) && loop {
			if _, err = file.Seek(0, io.SeekStart); err == nil {
				ivf, _, err = ivfreader.NewWith(file)
			}
			if err == nil {
				frame, _, err = ivf.ParseNextFrame()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("capture failed", "file", path, "err", err)
			}
			track.End()
			return
		}

		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
			if !errors.Is(err, ErrTrackStopped) {
				log.Debug("failed to write sample", "err", err)
			}
		}
	}
}

// pumpOgg writes one Opus page per 20ms, timed by granule positions.
func pumpOgg(track *Track, file *os.File, ogg *oggreader.OggReader, path string, loop bool) {
	defer file.Close()
	log := util.For("media").With(string(track.Source()))

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-track.Done():
			return
		case <-ticker.C:
		}

		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) && loop {
			lastGranule = 0
			if _, err = file.Seek(0, io.SeekStart); err == nil {
				ogg, _, err = oggreader.NewWith(file)
			}
			if err == nil {
				page, header, err = ogg.ParseNextPage()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("capture failed", "file", path, "err", err)
			}
			track.End()
			return
		}
		if bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))

		if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			if !errors.Is(err, ErrTrackStopped) {
				log.Debug("failed to write sample", "err", err)
			}
		}
	}
}
