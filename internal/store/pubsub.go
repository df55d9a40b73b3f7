package store

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Payload string
}

// Subscription delivers messages until closed or its context ends.
type Subscription interface {
	Channel() <-chan *Message
	Close() error
}

// redisSubscription adapts redis.PubSub to Subscription.
type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan *Message
	done   chan struct{}
	once   sync.Once
}

func newRedisSubscription(ctx context.Context, pubsub *redis.PubSub) *redisSubscription {
	s := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan *Message, 100),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.out)
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = s.Close()
				return
			case <-s.done:
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case s.out <- &Message{Channel: msg.Channel, Payload: msg.Payload}:
				case <-s.done:
					return
				}
			}
		}
	}()
	return s
}

func (s *redisSubscription) Channel() <-chan *Message { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

// localSubscription is the in-process counterpart used without Redis.
type localSubscription struct {
	channels map[string]bool
	msgChan  chan *Message
	closeCh  chan struct{}
	closed   bool
	mu       sync.RWMutex
}

func newLocalSubscription(channels []string) *localSubscription {
	channelMap := make(map[string]bool)
	for _, ch := range channels {
		channelMap[ch] = true
	}

	return &localSubscription{
		channels: channelMap,
		msgChan:  make(chan *Message, 100),
		closeCh:  make(chan struct{}),
	}
}

func (m *localSubscription) Channel() <-chan *Message {
	return m.msgChan
}

func (m *localSubscription) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.closeCh)
		close(m.msgChan)
	}
	return nil
}

// sendMessage never blocks; a full buffer drops the message.
func (m *localSubscription) sendMessage(msg *Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed || !m.channels[msg.Channel] {
		return
	}

	select {
	case m.msgChan <- msg:
	default:
	}
}

// PubSubHub fans messages out to in-process subscribers.
type PubSubHub struct {
	subscribers map[string][]*localSubscription
	mu          sync.RWMutex
}

func NewPubSubHub() *PubSubHub {
	return &PubSubHub{
		subscribers: make(map[string][]*localSubscription),
	}
}

func (h *PubSubHub) Subscribe(ctx context.Context, channels ...string) Subscription {
	sub := newLocalSubscription(channels)

	h.mu.Lock()
	for _, channel := range channels {
		h.subscribers[channel] = append(h.subscribers[channel], sub)
	}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.closeCh:
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		for _, channel := range channels {
			subscribers := h.subscribers[channel]
			for i, s := range subscribers {
				if s == sub {
					h.subscribers[channel] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(h.subscribers[channel]) == 0 {
				delete(h.subscribers, channel)
			}
		}
	}()

	return sub
}

func (h *PubSubHub) Publish(channel, payload string) {
	h.mu.RLock()
	subscribers := make([]*localSubscription, len(h.subscribers[channel]))
	copy(subscribers, h.subscribers[channel])
	h.mu.RUnlock()

	msg := &Message{Channel: channel, Payload: payload}
	for _, sub := range subscribers {
		sub.sendMessage(msg)
	}
}
