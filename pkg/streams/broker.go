package streams

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/playground/pkg/common"
	"github.com/beam-cloud/playground/pkg/types"
)

var ErrBrokerClosed = errors.New("streams: broker closed")

const (
	defaultBufferSize = 256
	inboxSize         = 1024
)

// Subscription receives the events of one run. Events is closed on
// Unsubscribe or when the broker stops.
type Subscription struct {
	ID    string
	RunID string
	ch    chan types.StreamEvent
}

func (s *Subscription) Events() <-chan types.StreamEvent {
	return s.ch
}

type subscribeMsg struct {
	runID string
	reply chan *Subscription
}

type unsubscribeMsg struct {
	sub  *Subscription
	done chan struct{}
}

type publishMsg struct {
	event types.StreamEvent
}

type countMsg struct {
	runID string
	reply chan int
}

// Broker fans run events out to subscribers. A single goroutine owns every
// subscription list; all other callers talk to it through inbox.
type Broker struct {
	inbox      chan any
	done       chan struct{}
	bufferSize int
	relay      *RedisRelay

	// owned by the actor goroutine
	subs map[string]map[string]*Subscription
}

func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Broker{
		inbox:      make(chan any, inboxSize),
		done:       make(chan struct{}),
		bufferSize: bufferSize,
		subs:       make(map[string]map[string]*Subscription),
	}
}

// WithRelay also forwards publishes through redis so every gateway replica
// sharing the channel sees them. Must be called before Start.
func (b *Broker) WithRelay(relay *RedisRelay) *Broker {
	b.relay = relay
	return b
}

// Start runs the broker until ctx is cancelled, then closes every subscription.
func (b *Broker) Start(ctx context.Context) {
	if b.relay != nil {
		go b.relay.Run(ctx, b.deliver)
	}

	log.Info().Int("buffer_size", b.bufferSize).Bool("relay", b.relay != nil).Msg("stream broker started")

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return
		case msg := <-b.inbox:
			b.handle(msg)
		}
	}
}

func (b *Broker) handle(msg any) {
	switch m := msg.(type) {
	case subscribeMsg:
		sub := &Subscription{
			ID:    common.GenerateSessionID(),
			RunID: m.runID,
			ch:    make(chan types.StreamEvent, b.bufferSize),
		}
		if b.subs[m.runID] == nil {
			b.subs[m.runID] = make(map[string]*Subscription)
		}
		b.subs[m.runID][sub.ID] = sub
		common.StreamSubscribers.Inc()
		m.reply <- sub

	case unsubscribeMsg:
		if subs, ok := b.subs[m.sub.RunID]; ok {
			if _, ok := subs[m.sub.ID]; ok {
				delete(subs, m.sub.ID)
				close(m.sub.ch)
				common.StreamSubscribers.Dec()
			}
			if len(subs) == 0 {
				delete(b.subs, m.sub.RunID)
			}
		}
		close(m.done)

	case publishMsg:
		for _, sub := range b.subs[m.event.RunID] {
			select {
			case sub.ch <- m.event:
			default:
				log.Warn().
					Str("run_id", m.event.RunID).
					Str("subscription_id", sub.ID).
					Str("type", string(m.event.Type)).
					Msg("subscriber buffer full, dropping event")
			}
		}

	case countMsg:
		m.reply <- len(b.subs[m.runID])
	}
}

func (b *Broker) shutdown() {
	close(b.done)
	for runID, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
			common.StreamSubscribers.Dec()
		}
		delete(b.subs, runID)
	}
	log.Info().Msg("stream broker stopped")
}

func (b *Broker) send(ctx context.Context, msg any) error {
	select {
	case b.inbox <- msg:
		return nil
	case <-b.done:
		return ErrBrokerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) Subscribe(ctx context.Context, runID string) (*Subscription, error) {
	reply := make(chan *Subscription, 1)
	if err := b.send(ctx, subscribeMsg{runID: runID, reply: reply}); err != nil {
		return nil, err
	}

	select {
	case sub := <-reply:
		return sub, nil
	case <-b.done:
		return nil, ErrBrokerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unsubscribe removes sub and closes its channel. Safe to call more than once.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	done := make(chan struct{})
	if err := b.send(context.Background(), unsubscribeMsg{sub: sub, done: done}); err != nil {
		return
	}

	select {
	case <-done:
	case <-b.done:
	}
}

// Publish hands the event to local subscribers without waiting for delivery,
// then forwards it to other replicas when a relay is configured.
func (b *Broker) Publish(ctx context.Context, event types.StreamEvent) {
	b.deliver(event)

	if b.relay == nil {
		return
	}
	if err := b.relay.Publish(ctx, event); err != nil {
		log.Warn().Err(err).Str("run_id", event.RunID).Msg("relay publish failed, event delivered locally only")
	}
}

func (b *Broker) deliver(event types.StreamEvent) {
	select {
	case b.inbox <- publishMsg{event: event}:
	case <-b.done:
	}
}

// SubscriberCount returns the number of live subscriptions for a run.
func (b *Broker) SubscriberCount(ctx context.Context, runID string) (int, error) {
	reply := make(chan int, 1)
	if err := b.send(ctx, countMsg{runID: runID, reply: reply}); err != nil {
		return 0, err
	}

	select {
	case n := <-reply:
		return n, nil
	case <-b.done:
		return 0, ErrBrokerClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
