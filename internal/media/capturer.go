package media

import "context"

//go:generate mockgen -source=capturer.go -destination=mock_capturer_test.go -package=media

// Capturer opens capture devices. Each call returns a fresh, running
// track; a device that cannot be opened yields an error wrapping
// ErrDeviceUnavailable.
type Capturer interface {
	Camera(ctx context.Context) (*Track, error)
	Microphone(ctx context.Context) (*Track, error)
	Screen(ctx context.Context) (*Track, error)
}
