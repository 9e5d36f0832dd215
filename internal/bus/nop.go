package bus

import "github.com/rs/zerolog"

// Nop is the bus used when the broker cannot be reached at startup. The
// node keeps serving local traffic; every publish fails, so frames for
// users on other nodes fall into the publish-failure loss window that
// the delivery model already accepts.
type Nop struct {
	logger zerolog.Logger
}

// NewNop creates a no-op bus.
func NewNop(logger zerolog.Logger) *Nop {
	return &Nop{logger: logger.With().Str("component", "bus").Logger()}
}

func (n *Nop) SetOnMessage(h Handler) {}

func (n *Nop) Subscribe(channel int) error { return nil }

func (n *Nop) Unsubscribe(channel int) error { return nil }

func (n *Nop) Publish(channel int, payload []byte) bool {
	n.logger.Warn().Int("channel", channel).Msg("Publish dropped: no bus connection")
	return false
}

func (n *Nop) Close() {}
