// Package bus bridges chat frames across server nodes. Each logged-in
// user subscribes a numeric channel equal to its user id; a one-to-one
// or group frame for a user logged in elsewhere is published on that
// channel and delivered by the peer node's receive loop.
package bus

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/clusterchat/chatd/internal/monitoring"
)

const subjectPrefix = "chat.user."

// Handler receives frames delivered on subscribed channels.
type Handler = func(channel int, payload []byte)

// Bus is the cross-node pub/sub bridge. Two broker connections are
// held: one for publishing, one owned by the receive loop, so a slow
// drain can never delay a publish. A single goroutine drains delivered
// messages and invokes the registered handler.
type Bus struct {
	pub *nats.Conn
	sub *nats.Conn

	mu   sync.Mutex
	subs map[int]*nats.Subscription

	msgCh   chan *nats.Msg
	handler Handler
	logger  zerolog.Logger
	done    chan struct{}
	wg      sync.WaitGroup
}

// Connect establishes both broker connections. On failure the caller is
// expected to continue with a Nop bus (single-node operation).
func Connect(url string, logger zerolog.Logger) (*Bus, error) {
	log := logger.With().Str("component", "bus").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Bus connection lost")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Bus connection restored")
		}),
	}

	pub, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus publish connection: %w", err)
	}
	sub, err := nats.Connect(url, opts...)
	if err != nil {
		pub.Close()
		return nil, fmt.Errorf("bus subscribe connection: %w", err)
	}

	b := &Bus{
		pub:    pub,
		sub:    sub,
		subs:   make(map[int]*nats.Subscription),
		msgCh:  make(chan *nats.Msg, 1024),
		logger: log,
		done:   make(chan struct{}),
	}

	b.wg.Add(1)
	go b.receiveLoop()

	log.Info().Str("url", url).Msg("Connected to bus")
	return b, nil
}

// SetOnMessage registers the handler invoked for every frame delivered
// on a subscribed channel. Must be called before the first Subscribe.
func (b *Bus) SetOnMessage(h Handler) {
	b.handler = h
}

// Subscribe binds the receive loop to the channel. Returns once the
// subscribe command has been flushed to the broker; the broker's ack is
// consumed asynchronously.
func (b *Bus) Subscribe(channel int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[channel]; ok {
		return nil
	}
	sub, err := b.sub.ChanSubscribe(subjectFor(channel), b.msgCh)
	if err != nil {
		b.logger.Error().Err(err).Int("channel", channel).Msg("Subscribe failed")
		return err
	}
	if err := b.sub.Flush(); err != nil {
		sub.Unsubscribe()
		b.logger.Error().Err(err).Int("channel", channel).Msg("Subscribe flush failed")
		return err
	}
	b.subs[channel] = sub
	return nil
}

// Unsubscribe releases the channel binding.
func (b *Bus) Unsubscribe(channel int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[channel]
	if !ok {
		return nil
	}
	delete(b.subs, channel)
	if err := sub.Unsubscribe(); err != nil {
		b.logger.Error().Err(err).Int("channel", channel).Msg("Unsubscribe failed")
		return err
	}
	return nil
}

// Publish sends payload on the channel. The result reports whether the
// broker accepted the command; on false the frame is lost.
func (b *Bus) Publish(channel int, payload []byte) bool {
	if err := b.pub.Publish(subjectFor(channel), payload); err != nil {
		b.logger.Error().Err(err).Int("channel", channel).Msg("Publish failed")
		monitoring.BusPublishFailures.Inc()
		return false
	}
	if err := b.pub.Flush(); err != nil {
		b.logger.Error().Err(err).Int("channel", channel).Msg("Publish flush failed")
		monitoring.BusPublishFailures.Inc()
		return false
	}
	return true
}

// Close unsubscribes everything and tears down both connections.
func (b *Bus) Close() {
	b.mu.Lock()
	for channel, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Int("channel", channel).Msg("Unsubscribe on close failed")
		}
	}
	b.subs = make(map[int]*nats.Subscription)
	b.mu.Unlock()

	close(b.done)
	b.sub.Close()
	b.pub.Close()
	b.wg.Wait()
}

// receiveLoop drains delivered messages and invokes the handler. Runs
// until Close.
func (b *Bus) receiveLoop() {
	defer b.wg.Done()
	defer monitoring.RecoverPanic(b.logger, "bus_receive_loop", nil)

	for {
		select {
		case msg := <-b.msgCh:
			channel, err := channelFor(msg.Subject)
			if err != nil {
				b.logger.Warn().Str("subject", msg.Subject).Msg("Dropping bus message with bad subject")
				continue
			}
			monitoring.BusMessagesReceived.Inc()
			if b.handler != nil {
				b.handler(channel, msg.Data)
			}
		case <-b.done:
			return
		}
	}
}

func subjectFor(channel int) string {
	return subjectPrefix + strconv.Itoa(channel)
}

func channelFor(subject string) (int, error) {
	return strconv.Atoi(strings.TrimPrefix(subject, subjectPrefix))
}
