package transport

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are used when the configuration names none. No TURN:
// the mesh relies on direct connectivity.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// NewAPI builds the webrtc.API shared by every Transport: default codecs,
// the default interceptor chain (NACK, RTCP reports, TWCC) and a periodic
// keyframe request on every inbound video track.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI interceptor: %w", err)
	}
	i.Add(pli)

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)), nil
}

// configuration turns STUN/TURN URLs into a pion configuration.
func configuration(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: iceServers},
		},
	}
}
