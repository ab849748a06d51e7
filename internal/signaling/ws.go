package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a connection to the relay at url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// DialWebSocket dials the relay with gorilla's default dialer.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	return conn, nil
}
