package signaling

import (
	"fmt"

	"github.com/1ureka/meshcall/internal/util"
)

// receiver decodes inbound frames from one connection.
type receiver struct {
	conn Conn
	log  util.Logger
}

// next blocks until a decodable envelope arrives. Frames that fail to
// decode are dropped and logged; only transport errors are returned.
func (r *receiver) next() (Envelope, error) {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to read relay frame: %w", err)
		}

		env, err := Decode(data)
		if err != nil {
			util.Stats.AddDropped()
			r.log.Warn("dropping relay frame", "err", err)
			continue
		}

		util.Stats.AddEnvelopeRecv()
		return env, nil
	}
}

// watch delivers envelopes in arrival order until the connection fails.
func (r *receiver) watch(deliver func(Envelope)) error {
	for {
		env, err := r.next()
		if err != nil {
			return err
		}
		deliver(env)
	}
}
