package cache

import (
	"context"
	"fmt"
)

// Publish sends a payload on a prefix-namespaced channel.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	if err := c.rdb.Publish(ctx, c.Key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscription delivers messages from one subscribed channel pattern.
type Subscription struct {
	msgs   chan string
	cancel context.CancelFunc
}

// C is the stream of message payloads. It closes when the subscription
// ends.
func (s *Subscription) C() <-chan string { return s.msgs }

// Close ends the subscription and closes C.
func (s *Subscription) Close() { s.cancel() }

// Subscribe opens a pattern subscription (glob syntax, prefix applied) and
// pumps payloads into a buffered channel. Slow consumers drop messages
// rather than stalling the pump; progress events are advisory.
func (c *Client) Subscribe(ctx context.Context, pattern string) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := c.rdb.PSubscribe(subCtx, c.Key(pattern))

	// Force the subscription onto the wire before returning so callers
	// can publish immediately after.
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", pattern, err)
	}

	sub := &Subscription{
		msgs:   make(chan string, 64),
		cancel: cancel,
	}

	go func() {
		defer close(sub.msgs)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case sub.msgs <- msg.Payload:
				default:
					c.logger.Warn("pubsub consumer slow, dropping message", "pattern", pattern)
				}
			}
		}
	}()

	return sub, nil
}
